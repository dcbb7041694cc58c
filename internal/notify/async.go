package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"missiontrack/internal/metrics"
)

// Async decouples a slow sink from the caller. Events are delivered in the
// order Notify was called; when the buffer is full new events are dropped.
type Async struct {
	name    string
	inner   Notifier
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(name string, inner Notifier, buffer int, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{name: name, inner: inner, ch: make(chan Event, buffer), log: log, timeout: 10 * time.Second}
	a.wg.Add(1)
	go a.run()
	return a
}

// Notify queues evt. After Close it only counts the event as dropped.
func (a *Async) Notify(ctx context.Context, evt Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.Notifications.WithLabelValues(a.name, "dropped").Inc()
		a.log.Debug("notification after close", slog.String("sink", a.name), slog.String("type", evt.Type), slog.String("missionId", evt.MissionID))
		return
	}
	select {
	case a.ch <- evt:
	default:
		metrics.Notifications.WithLabelValues(a.name, "dropped").Inc()
		a.log.Warn("notification buffer full", slog.String("sink", a.name), slog.String("type", evt.Type), slog.String("missionId", evt.MissionID))
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for evt := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		a.inner.Notify(ctx, evt)
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
