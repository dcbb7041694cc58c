// Package mission holds the mission status state machine. It is the only
// code that changes Mission.Status and Mission.History.
package mission

import (
	"fmt"
	"slices"
	"time"

	"missiontrack/internal/model"
)

type TriggerKind int

const (
	TriggerGeofence TriggerKind = iota + 1
	TriggerCommand
	TriggerDeviation
)

// Trigger is anything that may move a mission along its lifecycle.
type Trigger struct {
	Kind     TriggerKind
	Event    model.GeofenceEvent
	Command  model.CommandType
	At       time.Time
	CausedBy string
}

func GeofenceTrigger(ev model.GeofenceEvent) Trigger {
	return Trigger{
		Kind:     TriggerGeofence,
		Event:    ev,
		At:       ev.At,
		CausedBy: fmt.Sprintf("geofence:%s@%s#%d", ev.Kind, ev.SiteID, ev.TriggeringSequenceID),
	}
}

func CommandTrigger(cmd model.Command) Trigger {
	by := "command:" + string(cmd.Type)
	if cmd.Actor != "" {
		by += " by " + cmd.Actor
	}
	return Trigger{Kind: TriggerCommand, Command: cmd.Type, At: cmd.CapturedAt, CausedBy: by}
}

func DeviationTrigger(at time.Time, reason string) Trigger {
	return Trigger{Kind: TriggerDeviation, At: at, CausedBy: "deviation:" + reason}
}

// Name is the edge label used in the transition table.
func (t Trigger) Name() string {
	switch t.Kind {
	case TriggerGeofence:
		return string(t.Event.Kind) + "@" + string(t.Event.Role)
	case TriggerCommand:
		return string(t.Command)
	case TriggerDeviation:
		return "DEVIATION"
	}
	return "UNKNOWN"
}

// Outcome is the result of an accepted trigger.
type Outcome struct {
	From    model.Status
	To      model.Status
	Changed bool
	Alert   bool
	Entry   model.HistoryEntry
}

var (
	arrivalPickup   = string(model.Arrival) + "@" + string(model.RolePickup)
	departurePickup = string(model.Departure) + "@" + string(model.RolePickup)
	arrivalDelivery = string(model.Arrival) + "@" + string(model.RoleDelivery)
	deviation       = "DEVIATION"
	cancel          = string(model.CmdCancel)
)

// transitions is the complete edge set apart from CANCEL, which every
// non-terminal status accepts.
var transitions = map[model.Status]map[string]model.Status{
	model.StatusPending: {
		string(model.CmdAccept): model.StatusAccepted,
	},
	model.StatusAccepted: {
		string(model.CmdDepart): model.StatusEnRoutePickup,
	},
	model.StatusEnRoutePickup: {
		arrivalPickup:                 model.StatusArrivedPickup,
		string(model.CmdArrivePickup): model.StatusArrivedPickup,
		string(model.CmdStartLoading): model.StatusLoading,
	},
	model.StatusArrivedPickup: {
		string(model.CmdStartLoading): model.StatusLoading,
	},
	model.StatusLoading: {
		string(model.CmdMarkLoaded): model.StatusLoaded,
	},
	model.StatusLoaded: {
		departurePickup:               model.StatusInTransit,
		string(model.CmdDepartPickup): model.StatusInTransit,
	},
	model.StatusInTransit: {
		arrivalDelivery:                 model.StatusArrivedDelivery,
		string(model.CmdArriveDelivery): model.StatusArrivedDelivery,
		string(model.CmdStartUnloading): model.StatusUnloading,
	},
	model.StatusArrivedDelivery: {
		string(model.CmdStartUnloading): model.StatusUnloading,
	},
	model.StatusUnloading: {
		string(model.CmdMarkUnloaded): model.StatusCompleted,
	},
}

// Next looks up the edge for t without touching any mission.
func Next(from model.Status, t Trigger) (Outcome, error) {
	if !from.Valid() {
		return Outcome{}, &model.TransitionError{From: from, Trigger: t.Name(), Reason: "unknown status"}
	}
	if from.Terminal() {
		return Outcome{}, &model.TransitionError{From: from, Trigger: t.Name(), Reason: "mission is closed"}
	}
	name := t.Name()
	switch name {
	case cancel:
		return Outcome{From: from, To: model.StatusCancelled, Changed: true}, nil
	case deviation:
		if from == model.StatusInTransit {
			return Outcome{From: from, To: from, Alert: true}, nil
		}
		return Outcome{}, &model.TransitionError{From: from, Trigger: name}
	}
	to, ok := transitions[from][name]
	if !ok {
		return Outcome{}, &model.TransitionError{From: from, Trigger: name}
	}
	return Outcome{From: from, To: to, Changed: true}, nil
}

// Apply runs t against m. On success the status and history are updated in
// place; on error m is left untouched.
func Apply(m *model.Mission, t Trigger) (Outcome, error) {
	out, err := Next(m.Status, t)
	if err != nil {
		return Outcome{}, err
	}
	since := m.StatusSince()
	if t.Kind == TriggerGeofence && t.At.Before(since) {
		return Outcome{}, &model.TransitionError{From: m.Status, Trigger: t.Name(), Reason: "superseded by a later transition"}
	}
	if !out.Changed {
		return out, nil
	}
	at := t.At
	if at.Before(since) {
		at = since
	}
	out.Entry = model.HistoryEntry{Status: out.To, At: at, CausedBy: t.CausedBy}
	m.Status = out.To
	m.History = append(m.History, out.Entry)
	return out, nil
}

// Allowed lists the trigger names accepted from status in lexical order,
// CANCEL included.
func Allowed(status model.Status) []string {
	if status.Terminal() || !status.Valid() {
		return nil
	}
	out := make([]string, 0, len(transitions[status])+2)
	for name := range transitions[status] {
		out = append(out, name)
	}
	if status == model.StatusInTransit {
		out = append(out, deviation)
	}
	out = append(out, cancel)
	slices.Sort(out)
	return out
}
