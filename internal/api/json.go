package api

import (
	"encoding/json"
	"net/http"

	"missiontrack/internal/model"
	"missiontrack/internal/reconcile"
)

// Problem is an RFC 7807 body. The optional members carry transition and
// replay details for the errors that have them.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	From    model.Status `json:"from,omitempty"`
	Trigger string       `json:"trigger,omitempty"`
	Allowed []string     `json:"allowed,omitempty"`

	Result *reconcile.Result `json:"result,omitempty"`
}

func newProblem(status int, title, detail, instance string) Problem {
	return Problem{Type: "about:blank", Title: title, Status: status, Detail: detail, Instance: instance}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, newProblem(status, title, detail, instance))
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
