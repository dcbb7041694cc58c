// Package notify fans mission events out to downstream consumers: the live
// stream broker, webhooks, and optional message brokers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypeDispatched        = "mission.dispatched"
	TypeStatusChanged     = "mission.status_changed"
	TypeGeofenceArrival   = "geofence.arrival"
	TypeGeofenceDeparture = "geofence.departure"
	TypeDeviation         = "mission.deviation"
	TypeETAUpdated        = "mission.eta_updated"
)

// Types lists every event type a subscriber may ask for.
var Types = []string{TypeDispatched, TypeStatusChanged, TypeGeofenceArrival, TypeGeofenceDeparture, TypeDeviation, TypeETAUpdated}

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	MissionID string         `json:"missionId"`
	At        time.Time      `json:"ts"`
	Data      map[string]any `json:"data"`
}

func NewEvent(typ, missionID string, at time.Time, data map[string]any) Event {
	return Event{ID: "evt_" + uuid.NewString(), Type: typ, MissionID: missionID, At: at.UTC(), Data: data}
}

// Notifier receives events after they are durably committed. Delivery is
// best-effort; implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

// Fanout forwards each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, evt Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// Discard drops everything.
var Discard Notifier = NotifierFunc(func(context.Context, Event) {})
