package model

import "time"

// Core domain types shared by the engine, store and API layers.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside WGS84 coordinate bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type SiteRole string

const (
	RolePickup   SiteRole = "PICKUP"
	RoleDelivery SiteRole = "DELIVERY"
)

// Geofence is a circular zone around a mission site. It does not change after dispatch.
type Geofence struct {
	SiteID       string   `json:"siteId"`
	MissionID    string   `json:"missionId"`
	Role         SiteRole `json:"role"`
	Center       GeoPoint `json:"center"`
	RadiusMeters float64  `json:"radiusMeters"`
	Name         string   `json:"name,omitempty"`
	Address      string   `json:"address,omitempty"`
}

type ZoneState string

const (
	Outside ZoneState = "OUTSIDE"
	Inside  ZoneState = "INSIDE"
)

// ZoneStates is the last known containment per mission site.
type ZoneStates struct {
	Pickup   ZoneState `json:"pickup"`
	Delivery ZoneState `json:"delivery"`
}

func (z ZoneStates) For(role SiteRole) ZoneState {
	var s ZoneState
	if role == RolePickup {
		s = z.Pickup
	} else {
		s = z.Delivery
	}
	if s == "" {
		return Outside
	}
	return s
}

func (z *ZoneStates) Set(role SiteRole, s ZoneState) {
	if role == RolePickup {
		z.Pickup = s
		return
	}
	z.Delivery = s
}

// PositionReport is one GPS sample captured by a driver device.
type PositionReport struct {
	MissionID      string    `json:"missionId"`
	DeviceID       string    `json:"deviceId,omitempty"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AccuracyMeters float64   `json:"accuracyMeters,omitempty"`
	CapturedAt     time.Time `json:"capturedAt"`
	SequenceID     int64     `json:"sequenceId"`
	ReceivedAt     time.Time `json:"receivedAt,omitempty"`
}

func (r PositionReport) Point() GeoPoint { return GeoPoint{Lat: r.Lat, Lng: r.Lon} }

type EventKind string

const (
	Arrival   EventKind = "ARRIVAL"
	Departure EventKind = "DEPARTURE"
)

// GeofenceEvent is an edge-triggered crossing of a mission site boundary.
type GeofenceEvent struct {
	ID                   string    `json:"id"`
	MissionID            string    `json:"missionId"`
	SiteID               string    `json:"siteId"`
	Role                 SiteRole  `json:"role"`
	Kind                 EventKind `json:"kind"`
	At                   time.Time `json:"at"`
	TriggeringSequenceID int64     `json:"triggeringSequenceId"`
	DeviceID             string    `json:"deviceId,omitempty"`
	Applied              bool      `json:"applied"`
}

// HistoryEntry records one accepted status change.
type HistoryEntry struct {
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
	CausedBy string    `json:"causedBy"`
}

// Progress tracks distance to the delivery site while in transit.
type Progress struct {
	BestMeters  float64   `json:"bestMeters"`
	BestAt      time.Time `json:"bestAt"`
	LastMeters  float64   `json:"lastMeters"`
	Deviating   bool      `json:"deviating"`
	StalledSent bool      `json:"stalledSent,omitempty"`
}

type Mission struct {
	ID              string           `json:"id"`
	Reference       string           `json:"reference,omitempty"`
	DriverID        string           `json:"driverId,omitempty"`
	Status          Status           `json:"status"`
	Pickup          Geofence         `json:"pickup"`
	Delivery        Geofence         `json:"delivery"`
	Zones           ZoneStates       `json:"currentZoneState"`
	LastPositionSeq map[string]int64 `json:"lastPositionSeq"`
	LastPosition    *PositionReport  `json:"lastPosition,omitempty"`
	History         []HistoryEntry   `json:"history"`
	Progress        *Progress        `json:"progress,omitempty"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Site returns the mission geofence for role.
func (m *Mission) Site(role SiteRole) Geofence {
	if role == RolePickup {
		return m.Pickup
	}
	return m.Delivery
}

// SiteByID resolves one of the mission's two sites.
func (m *Mission) SiteByID(siteID string) (Geofence, bool) {
	switch siteID {
	case m.Pickup.SiteID:
		return m.Pickup, true
	case m.Delivery.SiteID:
		return m.Delivery, true
	}
	return Geofence{}, false
}

// StatusSince is the time the current status was entered.
func (m *Mission) StatusSince() time.Time {
	if n := len(m.History); n > 0 {
		return m.History[n-1].At
	}
	return m.CreatedAt
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (m Mission) Clone() Mission {
	out := m
	out.LastPositionSeq = make(map[string]int64, len(m.LastPositionSeq))
	for k, v := range m.LastPositionSeq {
		out.LastPositionSeq[k] = v
	}
	out.History = append([]HistoryEntry(nil), m.History...)
	if m.Progress != nil {
		p := *m.Progress
		out.Progress = &p
	}
	if m.LastPosition != nil {
		lp := *m.LastPosition
		out.LastPosition = &lp
	}
	return out
}

type CommandType string

const (
	CmdAccept         CommandType = "ACCEPT"
	CmdDepart         CommandType = "DEPART"
	CmdArrivePickup   CommandType = "ARRIVE_PICKUP"
	CmdStartLoading   CommandType = "START_LOADING"
	CmdMarkLoaded     CommandType = "MARK_LOADED"
	CmdDepartPickup   CommandType = "DEPART_PICKUP"
	CmdArriveDelivery CommandType = "ARRIVE_DELIVERY"
	CmdStartUnloading CommandType = "START_UNLOADING"
	CmdMarkUnloaded   CommandType = "MARK_UNLOADED"
	CmdCancel         CommandType = "CANCEL"
)

// Command is an explicit operator or driver action on a mission.
type Command struct {
	MissionID  string      `json:"missionId"`
	Type       CommandType `json:"type"`
	Actor      string      `json:"actor,omitempty"`
	SiteID     string      `json:"siteId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	DeviceID   string      `json:"deviceId,omitempty"`
	SequenceID int64       `json:"sequenceId,omitempty"`
	CapturedAt time.Time   `json:"capturedAt"`
}

type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
)

// ETA is informational arrival metadata for the mission's next site.
type ETA struct {
	MissionID         string        `json:"missionId"`
	DestinationSiteID string        `json:"destinationSiteId"`
	Role              SiteRole      `json:"role"`
	Duration          time.Duration `json:"durationNs"`
	DurationMinutes   int           `json:"durationMinutes"`
	ArrivalAt         time.Time     `json:"arrivalAt"`
	DistanceMeters    float64       `json:"distanceMeters"`
	TrafficDelay      time.Duration `json:"trafficDelayNs"`
	Confidence        Confidence    `json:"confidence"`
	Source            string        `json:"source"`
	ComputedAt        time.Time     `json:"computedAt"`
}

// DispatchRequest creates a mission with its two geofences.
type DispatchRequest struct {
	ID        string    `json:"id,omitempty"`
	Reference string    `json:"reference,omitempty"`
	DriverID  string    `json:"driverId,omitempty"`
	Pickup    SiteInput `json:"pickup"`
	Delivery  SiteInput `json:"delivery"`
}

type SiteInput struct {
	SiteID       string   `json:"siteId,omitempty"`
	Center       GeoPoint `json:"center"`
	RadiusMeters float64  `json:"radiusMeters,omitempty"`
	Name         string   `json:"name,omitempty"`
	Address      string   `json:"address,omitempty"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
