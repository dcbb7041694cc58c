package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"missiontrack/internal/engine"
	"missiontrack/internal/eta"
	"missiontrack/internal/logging"
	"missiontrack/internal/mission"
	"missiontrack/internal/model"
	"missiontrack/internal/reconcile"
)

const (
	headerDeviceID   = "X-Device-Id"
	headerOperatorID = "X-Operator-Id"

	maxBodyBytes = 8 << 20
)

// missionView is the read model: the stored mission plus its display label.
type missionView struct {
	model.Mission
	StatusLabel string `json:"statusLabel"`
}

func viewOf(m model.Mission) missionView {
	return missionView{Mission: m, StatusLabel: m.Status.Label()}
}

type ingestView struct {
	engine.IngestResult
	Mission missionView `json:"mission"`
}

type commandView struct {
	engine.CommandResult
	Mission missionView `json:"mission"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// writeError maps engine sentinels onto HTTP problems.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *model.TransitionError
	switch {
	case errors.Is(err, model.ErrUnknownMission), errors.Is(err, model.ErrUnknownSite):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.As(err, &te):
		p := newProblem(http.StatusConflict, "Invalid Transition", err.Error(), r.URL.Path)
		p.From, p.Trigger, p.Allowed = te.From, te.Trigger, mission.Allowed(te.From)
		writeProblemBody(w, p)
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrMissionExists):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, model.ErrInvalidReport), errors.Is(err, model.ErrInvalidCommand),
		errors.Is(err, model.ErrInvalidMission), errors.Is(err, model.ErrLowAccuracy):
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error(), r.URL.Path)
	case errors.Is(err, model.ErrPersistence):
		logging.FromContext(r.Context(), s.Log).Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusServiceUnavailable, "Persistence Unavailable", "the mission was not changed; retry", r.URL.Path)
	case errors.Is(err, model.ErrProviderUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "ETA Unavailable", err.Error(), r.URL.Path)
	case errors.Is(err, eta.ErrNoDestination), errors.Is(err, eta.ErrNoPosition):
		writeProblem(w, http.StatusConflict, "ETA Not Applicable", err.Error(), r.URL.Path)
	default:
		logging.FromContext(r.Context(), s.Log).Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error(), r.URL.Path)
	}
}

// DispatchHandler handles POST /v1/missions
func (s *Server) DispatchHandler(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	m, err := s.Engine.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/missions/"+m.ID)
	writeJSON(w, http.StatusCreated, viewOf(m))
}

// ListMissionsHandler handles GET /v1/missions
func (s *Server) ListMissionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status model.Status
	if v := q.Get("status"); v != "" {
		st, ok := model.ParseStatus(v)
		if !ok {
			writeProblem(w, http.StatusBadRequest, "Invalid status", v, r.URL.Path)
			return
		}
		status = st
	}
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListMissions(r.Context(), status, q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List missions failed", err.Error(), r.URL.Path)
		return
	}
	views := make([]missionView, 0, len(items))
	for _, m := range items {
		views = append(views, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "nextCursor": next})
}

// GetMissionHandler handles GET /v1/missions/{id}
func (s *Server) GetMissionHandler(w http.ResponseWriter, r *http.Request) {
	m, err := s.Engine.Mission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// PositionsHandler handles POST /v1/missions/{id}/positions. The body is a
// single report or an array of reports applied in the order given.
func (s *Server) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), r.URL.Path)
		return
	}
	raw = bytes.TrimSpace(raw)
	device := r.Header.Get(headerDeviceID)
	prepare := func(rep *model.PositionReport) {
		rep.MissionID = id
		if rep.DeviceID == "" {
			rep.DeviceID = device
		}
	}

	if len(raw) > 0 && raw[0] == '[' {
		var reports []model.PositionReport
		if err := json.Unmarshal(raw, &reports); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		type outcome struct {
			engine.IngestResult
			Mission *missionView `json:"mission,omitempty"`
		}
		type item struct {
			SequenceID int64    `json:"sequenceId"`
			Result     *outcome `json:"result,omitempty"`
			Error      string   `json:"error,omitempty"`
		}
		out := make([]item, 0, len(reports))
		var last *model.Mission
		for i := range reports {
			prepare(&reports[i])
			res, err := s.Engine.Ingest(r.Context(), reports[i])
			if err != nil {
				if errors.Is(err, model.ErrUnknownMission) || errors.Is(err, model.ErrPersistence) {
					s.writeError(w, r, err)
					return
				}
				out = append(out, item{SequenceID: reports[i].SequenceID, Error: err.Error()})
				continue
			}
			m := res.Mission
			last = &m
			out = append(out, item{SequenceID: reports[i].SequenceID, Result: &outcome{IngestResult: res}})
		}
		body := map[string]any{"results": out}
		if last != nil {
			body["mission"] = viewOf(*last)
		}
		writeJSON(w, http.StatusOK, body)
		return
	}

	var rep model.PositionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	prepare(&rep)
	res, err := s.Engine.Ingest(r.Context(), rep)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !res.Accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestView{IngestResult: res, Mission: viewOf(res.Mission)})
}

// CommandHandler handles POST /v1/missions/{id}/commands. Type DEVIATION
// raises an operator deviation alert instead of a status command.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd model.Command
	if err := decodeBody(r, &cmd); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	cmd.MissionID = mux.Vars(r)["id"]
	if op := r.Header.Get(headerOperatorID); op != "" {
		cmd.Actor = op
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = r.Header.Get(headerDeviceID)
	}
	if cmd.Type == "DEVIATION" {
		at := cmd.CapturedAt
		if at.IsZero() {
			at = time.Now()
		}
		if err := s.Engine.SignalDeviation(r.Context(), cmd.MissionID, cmd.Reason, at); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "missionId": cmd.MissionID})
		return
	}
	res, err := s.Engine.Command(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandView{CommandResult: res, Mission: viewOf(res.Mission)})
}

type syncRequest struct {
	Reports  []model.PositionReport `json:"reports"`
	Commands []model.Command        `json:"commands"`
}

// SyncHandler handles POST /v1/missions/{id}/sync: a device's offline
// buffer replayed in capture order.
func (s *Server) SyncHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	device := r.Header.Get(headerDeviceID)
	for i := range req.Reports {
		if req.Reports[i].DeviceID == "" {
			req.Reports[i].DeviceID = device
		}
	}
	for i := range req.Commands {
		if req.Commands[i].DeviceID == "" {
			req.Commands[i].DeviceID = device
		}
	}
	res, err := s.Reconciler.Reconcile(r.Context(), id, req.Reports, req.Commands)
	if err != nil {
		s.writeSyncError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeSyncError reports an aborted replay together with what was already
// applied, so the device can advance its checkpoint before retrying.
func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, res reconcile.Result, err error) {
	var status int
	var title, detail string
	switch {
	case errors.Is(err, model.ErrUnknownMission):
		status, title, detail = http.StatusNotFound, "Not Found", err.Error()
	case errors.Is(err, model.ErrPersistence):
		logging.FromContext(r.Context(), s.Log).Error("sync aborted", slog.String("missionId", res.MissionID),
			slog.Int64("checkpointSeq", res.CheckpointSeq), slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		status, title, detail = http.StatusServiceUnavailable, "Persistence Unavailable", "replay stopped; entries after the checkpoint were not applied"
	default:
		s.writeError(w, r, err)
		return
	}
	p := newProblem(status, title, detail, r.URL.Path)
	p.Result = &res
	writeProblemBody(w, p)
}

// BatchSyncHandler handles POST /v1/sync for several missions at once.
func (s *Server) BatchSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Missions []reconcile.Batch `json:"missions"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Missions) == 0 {
		writeProblem(w, http.StatusBadRequest, "Missing missions", "", r.URL.Path)
		return
	}
	results, err := s.Reconciler.ReconcileMany(r.Context(), req.Missions)
	body := map[string]any{"results": results}
	if err != nil {
		body["error"] = err.Error()
		logging.FromContext(r.Context(), s.Log).Warn("batch sync incomplete", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, body)
}

// TrackHandler handles GET /v1/missions/{id}/track
func (s *Server) TrackHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Engine.Mission(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 1000)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	var afterSeq int64
	if v := q.Get("afterSeq"); v != "" {
		if afterSeq, err = strconv.ParseInt(v, 10, 64); err != nil || afterSeq < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid afterSeq", v, r.URL.Path)
			return
		}
	}
	items, next, err := s.Store.ListTrack(r.Context(), id, q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List track failed", err.Error(), r.URL.Path)
		return
	}
	if afterSeq > 0 {
		kept := items[:0]
		for _, p := range items {
			if p.SequenceID > afterSeq {
				kept = append(kept, p)
			}
		}
		items = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// EventsHandler handles GET /v1/missions/{id}/events
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Engine.Mission(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Store.ListEvents(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List events failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.GeofenceEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ETAHandler handles GET /v1/missions/{id}/eta. A stored estimate for the
// current destination is served as is unless refresh=true.
func (s *Server) ETAHandler(w http.ResponseWriter, r *http.Request) {
	m, err := s.Engine.Mission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dest, ok := eta.Destination(m)
	if !ok {
		s.writeError(w, r, eta.ErrNoDestination)
		return
	}
	if r.URL.Query().Get("refresh") != "true" {
		if cached, err := s.Store.GetETA(r.Context(), m.ID); err == nil && cached.DestinationSiteID == dest.SiteID {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	out, err := s.ETA.Compute(r.Context(), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TrackingConfigHandler handles GET /v1/config/tracking: the capture
// settings driver devices should use.
func (s *Server) TrackingConfigHandler(w http.ResponseWriter, r *http.Request) {
	t := s.Config.Tracking
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":            t.Profile,
		"reportIntervalMs":   t.ReportIntervalMs,
		"positionTimeoutMs":  t.PositionTimeoutMs,
		"maxCachedAgeMs":     t.MaxCachedAgeMs(),
		"highAccuracy":       t.HighAccuracy,
		"maxAccuracyM":       t.MaxAccuracyM,
		"geofenceRadiusM":    t.GeofenceRadiusM,
		"offlineQueueBytes":  t.OfflineQueueBytes,
		"offlineRetryMs":     t.OfflineRetry.Milliseconds(),
		"offlineMaxAttempts": t.OfflineMaxAttempts,
	})
}
