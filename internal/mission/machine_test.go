package mission

import (
	"errors"
	"slices"
	"testing"
	"time"

	"missiontrack/internal/model"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func allTriggers() []Trigger {
	var out []Trigger
	for _, c := range []model.CommandType{
		model.CmdAccept, model.CmdDepart, model.CmdArrivePickup, model.CmdStartLoading, model.CmdMarkLoaded,
		model.CmdDepartPickup, model.CmdArriveDelivery, model.CmdStartUnloading, model.CmdMarkUnloaded, model.CmdCancel,
	} {
		out = append(out, CommandTrigger(model.Command{Type: c, CapturedAt: t0.Add(time.Hour)}))
	}
	for _, role := range []model.SiteRole{model.RolePickup, model.RoleDelivery} {
		for _, kind := range []model.EventKind{model.Arrival, model.Departure} {
			out = append(out, GeofenceTrigger(model.GeofenceEvent{Role: role, Kind: kind, SiteID: "s", At: t0.Add(time.Hour)}))
		}
	}
	return append(out, DeviationTrigger(t0.Add(time.Hour), "off-route"))
}

func TestNextExhaustive(t *testing.T) {
	want := map[model.Status]map[string]model.Status{
		model.StatusPending:         {"ACCEPT": model.StatusAccepted},
		model.StatusAccepted:        {"DEPART": model.StatusEnRoutePickup},
		model.StatusEnRoutePickup:   {"ARRIVAL@PICKUP": model.StatusArrivedPickup, "ARRIVE_PICKUP": model.StatusArrivedPickup, "START_LOADING": model.StatusLoading},
		model.StatusArrivedPickup:   {"START_LOADING": model.StatusLoading},
		model.StatusLoading:         {"MARK_LOADED": model.StatusLoaded},
		model.StatusLoaded:          {"DEPARTURE@PICKUP": model.StatusInTransit, "DEPART_PICKUP": model.StatusInTransit},
		model.StatusInTransit:       {"ARRIVAL@DELIVERY": model.StatusArrivedDelivery, "ARRIVE_DELIVERY": model.StatusArrivedDelivery, "START_UNLOADING": model.StatusUnloading, "DEVIATION": model.StatusInTransit},
		model.StatusArrivedDelivery: {"START_UNLOADING": model.StatusUnloading},
		model.StatusUnloading:       {"MARK_UNLOADED": model.StatusCompleted},
		model.StatusCompleted:       {},
		model.StatusCancelled:       {},
	}
	for _, from := range model.Statuses {
		for _, trig := range allTriggers() {
			name := trig.Name()
			exp, ok := want[from][name]
			if name == "CANCEL" && !from.Terminal() {
				exp, ok = model.StatusCancelled, true
			}
			out, err := Next(from, trig)
			if !ok {
				if !errors.Is(err, model.ErrInvalidTransition) {
					t.Fatalf("%s + %s: want invalid transition, got %+v %v", from, name, out, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s + %s: unexpected error %v", from, name, err)
			}
			if out.To != exp {
				t.Fatalf("%s + %s: got %s want %s", from, name, out.To, exp)
			}
		}
	}
}

func TestApplyRejectionKeepsStatus(t *testing.T) {
	for _, from := range model.Statuses {
		for _, trig := range allTriggers() {
			m := model.Mission{ID: "m", Status: from, History: []model.HistoryEntry{{Status: from, At: t0}}}
			_, err := Apply(&m, trig)
			if err == nil {
				continue
			}
			if m.Status != from || len(m.History) != 1 {
				t.Fatalf("%s + %s: mission mutated on rejection: %+v", from, trig.Name(), m)
			}
		}
	}
}

func TestApplyRecordsHistory(t *testing.T) {
	m := model.Mission{ID: "m", Status: model.StatusPending, History: []model.HistoryEntry{{Status: model.StatusPending, At: t0, CausedBy: "dispatch"}}}
	out, err := Apply(&m, CommandTrigger(model.Command{Type: model.CmdAccept, Actor: "op-7", CapturedAt: t0.Add(time.Minute)}))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !out.Changed || m.Status != model.StatusAccepted || len(m.History) != 2 {
		t.Fatalf("unexpected mission %+v", m)
	}
	if got := m.History[1].CausedBy; got != "command:ACCEPT by op-7" {
		t.Fatalf("causedBy %q", got)
	}
}

func TestApplyClampsEarlyCommandTime(t *testing.T) {
	m := model.Mission{ID: "m", Status: model.StatusLoading, History: []model.HistoryEntry{{Status: model.StatusLoading, At: t0}}}
	if _, err := Apply(&m, CommandTrigger(model.Command{Type: model.CmdMarkLoaded, CapturedAt: t0.Add(-time.Minute)})); err != nil {
		t.Fatalf("mark loaded: %v", err)
	}
	if !m.StatusSince().Equal(t0) {
		t.Fatalf("history time went backwards: %v", m.StatusSince())
	}
}

func TestLateGeofenceEventSuperseded(t *testing.T) {
	m := model.Mission{ID: "m", Status: model.StatusLoading, History: []model.HistoryEntry{{Status: model.StatusLoading, At: t0}}}
	loadedAt := t0.Add(10 * time.Minute)
	if _, err := Apply(&m, CommandTrigger(model.Command{Type: model.CmdMarkLoaded, CapturedAt: loadedAt})); err != nil {
		t.Fatalf("mark loaded: %v", err)
	}
	late := model.GeofenceEvent{Role: model.RolePickup, Kind: model.Departure, SiteID: "s_pick", At: loadedAt.Add(-2 * time.Minute)}
	_, err := Apply(&m, GeofenceTrigger(late))
	var te *model.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("want TransitionError, got %v", err)
	}
	if m.Status != model.StatusLoaded {
		t.Fatalf("status changed to %s", m.Status)
	}
	fresh := late
	fresh.At = loadedAt.Add(time.Minute)
	if _, err := Apply(&m, GeofenceTrigger(fresh)); err != nil || m.Status != model.StatusInTransit {
		t.Fatalf("fresh departure: %v status=%s", err, m.Status)
	}
}

func TestDeviationAlertOnly(t *testing.T) {
	m := model.Mission{ID: "m", Status: model.StatusInTransit, History: []model.HistoryEntry{{Status: model.StatusInTransit, At: t0}}}
	out, err := Apply(&m, DeviationTrigger(t0.Add(time.Minute), "off-route"))
	if err != nil || !out.Alert || out.Changed {
		t.Fatalf("deviation: %+v %v", out, err)
	}
	if m.Status != model.StatusInTransit || len(m.History) != 1 {
		t.Fatalf("deviation must not transition: %+v", m)
	}
}

func TestAllowed(t *testing.T) {
	if got := Allowed(model.StatusCompleted); got != nil {
		t.Fatalf("terminal status allows %v", got)
	}
	got := Allowed(model.StatusInTransit)
	seen := map[string]bool{}
	for _, n := range got {
		seen[n] = true
	}
	for _, n := range []string{"ARRIVAL@DELIVERY", "ARRIVE_DELIVERY", "START_UNLOADING", "DEVIATION", "CANCEL"} {
		if !seen[n] {
			t.Fatalf("missing %s in %v", n, got)
		}
	}
	if !slices.IsSorted(got) {
		t.Fatalf("not sorted: %v", got)
	}
	if again := Allowed(model.StatusInTransit); !slices.Equal(got, again) {
		t.Fatalf("unstable order: %v vs %v", got, again)
	}
}
