package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"

	"missiontrack/internal/metrics"
	"missiontrack/internal/notify"
	"missiontrack/internal/store"
)

// Publisher turns mission events into queued webhook deliveries.
type Publisher struct {
	Store store.Store
	Log   *slog.Logger
}

func NewPublisher(s store.Store, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{Store: s, Log: log}
}

// Notify enqueues the event for every subscription that asked for its type.
func (p *Publisher) Notify(ctx context.Context, evt notify.Event) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, evt.Type)
	if err != nil {
		p.Log.Warn("webhook subscriptions lookup failed", slog.String("type", evt.Type), slog.Any("err", err))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, _ := json.Marshal(evt)
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, evt.Type, s.URL, s.Secret, body); err != nil {
			metrics.Notifications.WithLabelValues("webhook", "error").Inc()
			p.Log.Warn("webhook enqueue failed", slog.String("subscription", s.ID), slog.Any("err", err))
			continue
		}
		metrics.Notifications.WithLabelValues("webhook", "queued").Inc()
	}
}
