package store

import (
	"context"
	"errors"
	"time"

	"missiontrack/internal/model"
)

// Store is the persistence boundary for missions, their tracks and events,
// and the outbound webhook queue.
type Store interface {
	Ping(ctx context.Context) error

	// Missions
	CreateMission(ctx context.Context, m model.Mission) error
	GetMission(ctx context.Context, id string) (model.Mission, error)
	ListMissions(ctx context.Context, status model.Status, cursor string, limit int) ([]model.Mission, string, error)
	ListMissionsByStatus(ctx context.Context, status model.Status) ([]model.Mission, error)
	// Commit atomically appends the report and events and replaces the
	// mission record if its stored version still equals ExpectVersion.
	Commit(ctx context.Context, mu Mutation) error

	// Track and event logs
	ListTrack(ctx context.Context, missionID, cursor string, limit int) ([]model.PositionReport, string, error)
	ListEvents(ctx context.Context, missionID string) ([]model.GeofenceEvent, error)

	// ETA, stored beside the mission record
	SaveETA(ctx context.Context, eta model.ETA) error
	GetETA(ctx context.Context, missionID string) (model.ETA, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhooks
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
	ListWebhookDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error)
}

// Mutation is the unit of work produced by one report or command.
type Mutation struct {
	Mission       model.Mission
	ExpectVersion int
	Report        *model.PositionReport
	Events        []model.GeofenceEvent
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means another writer committed the mission first.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicateReport means the (mission, device, sequence) triple is already in the track.
	ErrDuplicateReport = errors.New("duplicate report")
	ErrExists          = errors.New("already exists")
)
