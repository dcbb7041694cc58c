package model

import "strings"

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAccepted        Status = "ACCEPTED"
	StatusEnRoutePickup   Status = "EN_ROUTE_PICKUP"
	StatusArrivedPickup   Status = "ARRIVED_PICKUP"
	StatusLoading         Status = "LOADING"
	StatusLoaded          Status = "LOADED"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusArrivedDelivery Status = "ARRIVED_DELIVERY"
	StatusUnloading       Status = "UNLOADING"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusEnRoutePickup,
	StatusArrivedPickup,
	StatusLoading,
	StatusLoaded,
	StatusInTransit,
	StatusArrivedDelivery,
	StatusUnloading,
	StatusCompleted,
	StatusCancelled,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Rank is the position of s along the forward lifecycle; -1 when unknown.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Label is the operator-facing French display label.
func (s Status) Label() string {
	if l, ok := displayLabels[s]; ok {
		return l
	}
	return string(s)
}

var statusRank = func() map[Status]int {
	m := make(map[Status]int, len(Statuses))
	for i, s := range Statuses {
		m[s] = i
	}
	return m
}()

var displayLabels = map[Status]string{
	StatusPending:         "En attente",
	StatusAccepted:        "Acceptée",
	StatusEnRoutePickup:   "En route vers chargement",
	StatusArrivedPickup:   "Arrivé au chargement",
	StatusLoading:         "Chargement en cours",
	StatusLoaded:          "Chargé",
	StatusInTransit:       "En transit",
	StatusArrivedDelivery: "Arrivé à destination",
	StatusUnloading:       "Déchargement en cours",
	StatusCompleted:       "Livrée",
	StatusCancelled:       "Annulée",
}

// legacyAliases maps the older mobile-app vocabulary onto the closed enum.
var legacyAliases = map[string]Status{
	"EN_ROUTE_TO_LOADING":  StatusEnRoutePickup,
	"ARRIVED_LOADING":      StatusArrivedPickup,
	"EN_ROUTE_TO_DELIVERY": StatusInTransit,
	"EN_ROUTE_DELIVERY":    StatusInTransit,
	"DELIVERED":            StatusCompleted,
}

// ParseStatus accepts canonical names, legacy aliases and display labels.
func ParseStatus(v string) (Status, bool) {
	key := strings.ToUpper(strings.TrimSpace(v))
	if s := Status(key); s.Valid() {
		return s, true
	}
	if s, ok := legacyAliases[key]; ok {
		return s, true
	}
	for s, l := range displayLabels {
		if strings.EqualFold(l, strings.TrimSpace(v)) {
			return s, true
		}
	}
	return "", false
}
