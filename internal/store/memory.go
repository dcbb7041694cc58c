package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"missiontrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	missions map[string]model.Mission // id -> mission
	order    []string                 // mission ids in creation order
	tracks   map[string][]model.PositionReport
	seen     map[trackKey]struct{}
	events   map[string][]model.GeofenceEvent // missionId -> events
	eventIDs map[string]struct{}
	etas     map[string]model.ETA
	subs     []model.Subscription

	// Webhooks queue state
	deliveries    map[string]*memDelivery // id -> delivery state
	deliveryOrder []string
	dlq           []map[string]any // dead-lettered deliveries
}

type trackKey struct {
	mission, device string
	seq             int64
}

func NewMemory() *Memory {
	return &Memory{
		missions:   map[string]model.Mission{},
		tracks:     map[string][]model.PositionReport{},
		seen:       map[trackKey]struct{}{},
		events:     map[string][]model.GeofenceEvent{},
		eventIDs:   map[string]struct{}{},
		etas:       map[string]model.ETA{},
		deliveries: map[string]*memDelivery{},
		dlq:        []map[string]any{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateMission(ctx context.Context, ms model.Mission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.missions[ms.ID]; ok {
		return ErrExists
	}
	m.missions[ms.ID] = ms.Clone()
	m.order = append(m.order, ms.ID)
	return nil
}

func (m *Memory) GetMission(ctx context.Context, id string) (model.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[id]
	if !ok {
		return model.Mission{}, ErrNotFound
	}
	return ms.Clone(), nil
}

func (m *Memory) ListMissions(ctx context.Context, status model.Status, cursor string, limit int) ([]model.Mission, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.order {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Mission{}
	next := ""
	for _, id := range m.order[start:] {
		ms := m.missions[id]
		if status != "" && ms.Status != status {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, ms.Clone())
	}
	return out, next, nil
}

func (m *Memory) ListMissionsByStatus(ctx context.Context, status model.Status) ([]model.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Mission{}
	for _, id := range m.order {
		if ms := m.missions[id]; ms.Status == status {
			out = append(out, ms.Clone())
		}
	}
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, mu Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.missions[mu.Mission.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != mu.ExpectVersion {
		return ErrConflict
	}
	if r := mu.Report; r != nil {
		k := trackKey{r.MissionID, r.DeviceID, r.SequenceID}
		if _, dup := m.seen[k]; dup {
			return ErrDuplicateReport
		}
		m.seen[k] = struct{}{}
		m.tracks[r.MissionID] = append(m.tracks[r.MissionID], *r)
	}
	for _, ev := range mu.Events {
		if _, dup := m.eventIDs[ev.ID]; dup {
			continue
		}
		m.eventIDs[ev.ID] = struct{}{}
		m.events[ev.MissionID] = append(m.events[ev.MissionID], ev)
	}
	next := mu.Mission.Clone()
	next.Version = mu.ExpectVersion + 1
	m.missions[next.ID] = next
	return nil
}

func (m *Memory) ListTrack(ctx context.Context, missionID, cursor string, limit int) ([]model.PositionReport, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.tracks[missionID]
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			start = n
		}
	}
	if start > len(list) {
		start = len(list)
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.PositionReport{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = strconv.Itoa(end)
	}
	return items, next, nil
}

func (m *Memory) ListEvents(ctx context.Context, missionID string) ([]model.GeofenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.GeofenceEvent{}, m.events[missionID]...), nil
}

func (m *Memory) SaveETA(ctx context.Context, eta model.ETA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.missions[eta.MissionID]; !ok {
		return ErrNotFound
	}
	m.etas[eta.MissionID] = eta
	return nil
}

func (m *Memory) GetETA(ctx context.Context, missionID string) (model.ETA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eta, ok := m.etas[missionID]
	if !ok {
		return model.ETA{}, ErrNotFound
	}
	return eta, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(m.subs) {
		return ErrNotFound
	}
	m.subs = out
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveryOrder = append(m.deliveryOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(1 * time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	m.dlq = append(m.dlq, map[string]any{"id": uuid.New().String(), "deliveryId": id, "eventType": d.EventType, "url": d.URL, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs, "createdAt": time.Now().UTC()})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if !d.NextAttemptAt.IsZero() {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		out = append(out, item)
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// filter-less listing for the memory store
	out := append([]map[string]any{}, m.dlq...)
	return out, "", nil
}
