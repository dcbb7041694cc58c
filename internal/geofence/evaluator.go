// Package geofence turns a stream of positions into edge-triggered
// ARRIVAL and DEPARTURE events for a mission's pickup and delivery sites.
package geofence

import (
	"strconv"

	"github.com/google/uuid"

	"missiontrack/internal/geo"
	"missiontrack/internal/model"
)

// eventNamespace seeds deterministic event ids.
var eventNamespace = uuid.MustParse("8f0c7c1e-4f6b-5b0e-9d1c-2a4f61f5a9b3")

// Evaluate classifies the report against both sites and returns the updated
// zone state with the crossings it implies. Departures come before arrivals
// so a report in an overlap leaves one zone before entering the other.
func Evaluate(zones model.ZoneStates, pickup, delivery model.Geofence, r model.PositionReport) (model.ZoneStates, []model.GeofenceEvent) {
	next := zones
	var departures, arrivals []model.GeofenceEvent
	p := r.Point()
	for _, site := range []model.Geofence{pickup, delivery} {
		prev := zones.For(site.Role)
		cur := Classify(site, p)
		next.Set(site.Role, cur)
		switch {
		case prev == model.Outside && cur == model.Inside:
			arrivals = append(arrivals, newEvent(site, model.Arrival, r))
		case prev == model.Inside && cur == model.Outside:
			departures = append(departures, newEvent(site, model.Departure, r))
		}
	}
	return next, append(departures, arrivals...)
}

// Classify reports the containment of p for a single site.
func Classify(site model.Geofence, p model.GeoPoint) model.ZoneState {
	if geo.Contains(site.Center, site.RadiusMeters, p) {
		return model.Inside
	}
	return model.Outside
}

func newEvent(site model.Geofence, kind model.EventKind, r model.PositionReport) model.GeofenceEvent {
	return model.GeofenceEvent{
		ID:                   EventID(r.MissionID, site.SiteID, kind, r.DeviceID, r.SequenceID),
		MissionID:            r.MissionID,
		SiteID:               site.SiteID,
		Role:                 site.Role,
		Kind:                 kind,
		At:                   r.CapturedAt,
		TriggeringSequenceID: r.SequenceID,
		DeviceID:             r.DeviceID,
	}
}

// EventID is stable for a given crossing so re-recording it is a no-op.
func EventID(missionID, siteID string, kind model.EventKind, deviceID string, seq int64) string {
	key := missionID + "|" + siteID + "|" + string(kind) + "|" + deviceID + "|" + strconv.FormatInt(seq, 10)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}
