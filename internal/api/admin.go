package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"missiontrack/internal/model"
	"missiontrack/internal/store"
)

// CreateSubscriptionHandler handles POST /v1/subscriptions
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateSubscription(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
		return
	}
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 500)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSubscription(r.Context(), mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Subscription not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.RetryWebhookDelivery(r.Context(), mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Delivery not found", "", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
		return
	}
	items, next, err := s.Store.ListWebhookDLQ(r.Context(), q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List DLQ failed", err.Error(), r.URL.Path)
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
