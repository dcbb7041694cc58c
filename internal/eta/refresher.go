package eta

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"missiontrack/internal/model"
	"missiontrack/internal/notify"
	"missiontrack/internal/store"
)

var (
	ErrNoDestination = errors.New("mission has no eta destination in its current status")
	ErrNoPosition    = errors.New("mission has no known position")
)

// Destination is the site the mission is currently heading to.
func Destination(m model.Mission) (model.Geofence, bool) {
	switch m.Status {
	case model.StatusAccepted, model.StatusEnRoutePickup:
		return m.Pickup, true
	case model.StatusLoaded, model.StatusInTransit:
		return m.Delivery, true
	}
	return model.Geofence{}, false
}

// Refresher recomputes ETAs off the ingest path. Requests for a mission
// that is already queued replace the queued position; a full queue drops
// the request.
type Refresher struct {
	est      *Estimator
	store    store.Store
	notifier notify.Notifier
	log      *slog.Logger
	workers  int

	queue   chan string
	mu      sync.Mutex
	pending map[string]model.Mission
}

func NewRefresher(est *Estimator, s store.Store, n notify.Notifier, log *slog.Logger, workers, queueSize int) *Refresher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if n == nil {
		n = notify.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{est: est, store: s, notifier: n, log: log, workers: workers, queue: make(chan string, queueSize), pending: map[string]model.Mission{}}
}

// Schedule queues a refresh and reports whether the mission is now pending.
func (r *Refresher) Schedule(m model.Mission) bool {
	if _, ok := Destination(m); !ok || m.LastPosition == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, queued := r.pending[m.ID]; queued {
		r.pending[m.ID] = m
		return true
	}
	select {
	case r.queue <- m.ID:
		r.pending[m.ID] = m
		return true
	default:
		r.log.Warn("eta refresh queue full", slog.String("missionId", m.ID))
		return false
	}
}

// Run processes queued refreshes until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-r.queue:
					r.mu.Lock()
					m := r.pending[id]
					delete(r.pending, id)
					r.mu.Unlock()
					if _, err := r.Compute(ctx, m); err != nil {
						r.log.Debug("eta refresh skipped", slog.String("missionId", id), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
}

// Compute estimates the ETA for m now, stores it and notifies subscribers.
func (r *Refresher) Compute(ctx context.Context, m model.Mission) (model.ETA, error) {
	dest, ok := Destination(m)
	if !ok {
		return model.ETA{}, ErrNoDestination
	}
	if m.LastPosition == nil {
		return model.ETA{}, ErrNoPosition
	}
	eta, err := r.est.Estimate(ctx, m.LastPosition.Point(), dest)
	if err != nil {
		return model.ETA{}, err
	}
	if err := r.store.SaveETA(ctx, eta); err != nil {
		return model.ETA{}, err
	}
	r.notifier.Notify(ctx, notify.NewEvent(notify.TypeETAUpdated, m.ID, eta.ComputedAt, map[string]any{
		"destinationSiteId": eta.DestinationSiteID,
		"role":              eta.Role,
		"durationMinutes":   eta.DurationMinutes,
		"arrivalAt":         eta.ArrivalAt,
		"distanceMeters":    eta.DistanceMeters,
		"confidence":        eta.Confidence,
		"source":            eta.Source,
	}))
	return eta, nil
}
