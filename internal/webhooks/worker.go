package webhooks

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"missiontrack/internal/metrics"
	"missiontrack/internal/store"
)

type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Log         *slog.Logger
}

func NewWorker(s store.Store, maxAttempts int, log *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, MaxAttempts: maxAttempts, Interval: time.Second, Log: log}
}

// Run polls for due deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil {
		w.Log.Warn("fetch webhook deliveries failed", slog.Any("err", err))
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	success := false
	next := time.Now().Add(nextBackoff(it.Attempts))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Id", it.ID)
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	code := 0
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	} else {
		code = resp.StatusCode
		_ = resp.Body.Close()
		success = code >= 200 && code < 300
		if !success {
			lastErr = "http " + strconv.Itoa(code)
		}
	}
	status := "delivered"
	switch {
	case success:
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = "failed"
		_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		w.Log.Warn("webhook dead-lettered", slog.String("delivery", it.ID), slog.String("type", it.EventType), slog.String("err", lastErr))
	default:
		status = "retry"
		_ = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
