package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"missiontrack/internal/geo"
	"missiontrack/internal/model"
	"missiontrack/internal/notify"
	"missiontrack/internal/store"
)

var (
	paris = model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	lyon  = model.GeoPoint{Lat: 45.7640, Lng: 4.8357}
	t0    = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type etaRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *etaRecorder) Schedule(m model.Mission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, m.ID)
	return true
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine(t *testing.T, s store.Store, opts Options) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := New(s, rec, quietLogger(), opts)
	e.now = func() time.Time { return t0.Add(time.Hour) }
	return e, rec
}

func dispatch(t *testing.T, e *Engine, id string) model.Mission {
	t.Helper()
	m, err := e.Dispatch(context.Background(), model.DispatchRequest{
		ID:       id,
		Pickup:   model.SiteInput{Center: paris},
		Delivery: model.SiteInput{Center: lyon},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return m
}

func command(t *testing.T, e *Engine, id string, typ model.CommandType, at time.Time) CommandResult {
	t.Helper()
	res, err := e.Command(context.Background(), model.Command{MissionID: id, Type: typ, Actor: "op-1", CapturedAt: at})
	if err != nil {
		t.Fatalf("command %s: %v", typ, err)
	}
	return res
}

func report(id string, seq int64, p model.GeoPoint, at time.Time) model.PositionReport {
	return model.PositionReport{MissionID: id, DeviceID: "dev-1", Lat: p.Lat, Lon: p.Lng, AccuracyMeters: 8, CapturedAt: at, SequenceID: seq}
}

// enRoutePickup returns a mission that has been accepted and departed.
func enRoutePickup(t *testing.T, e *Engine, id string) {
	t.Helper()
	dispatch(t, e, id)
	command(t, e, id, model.CmdAccept, t0)
	command(t, e, id, model.CmdDepart, t0.Add(time.Minute))
}

func TestDispatchDefaults(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{DefaultRadiusM: 200})
	m := dispatch(t, e, "m-1")
	if m.Status != model.StatusPending || m.Version != 1 {
		t.Fatalf("unexpected mission %+v", m)
	}
	if m.Pickup.RadiusMeters != 200 || m.Pickup.Role != model.RolePickup || m.Delivery.SiteID != "m-1-delivery" {
		t.Fatalf("sites not defaulted: %+v %+v", m.Pickup, m.Delivery)
	}
	if m.Zones.For(model.RolePickup) != model.Outside || len(m.History) != 1 {
		t.Fatalf("initial state wrong: %+v", m)
	}
	if rec.count(notify.TypeDispatched) != 1 {
		t.Fatalf("dispatch not notified: %v", rec.types())
	}
	if _, err := e.Dispatch(context.Background(), model.DispatchRequest{ID: "m-1", Pickup: model.SiteInput{Center: paris}, Delivery: model.SiteInput{Center: lyon}}); !errors.Is(err, model.ErrMissionExists) {
		t.Fatalf("duplicate dispatch err = %v", err)
	}
	_, err := e.Dispatch(context.Background(), model.DispatchRequest{Pickup: model.SiteInput{Center: model.GeoPoint{Lat: 91}}, Delivery: model.SiteInput{Center: lyon}})
	if !errors.Is(err, model.ErrInvalidMission) {
		t.Fatalf("invalid center err = %v", err)
	}
}

func TestArrivalAtPickupCenter(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{})
	enRoutePickup(t, e, "m-1")

	res, err := e.Ingest(context.Background(), report("m-1", 1, paris, t0.Add(10*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || len(res.Events) != 1 {
		t.Fatalf("expected one event, got %+v", res)
	}
	ev := res.Events[0]
	if ev.Kind != model.Arrival || ev.Role != model.RolePickup || !ev.Applied || ev.TriggeringSequenceID != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if res.Mission.Status != model.StatusArrivedPickup {
		t.Fatalf("status = %s", res.Mission.Status)
	}
	if rec.count(notify.TypeGeofenceArrival) != 1 || rec.count(notify.TypeStatusChanged) != 3 {
		t.Fatalf("notifications: %v", rec.types())
	}
	if e.Locked() != 0 {
		t.Fatalf("lock registry leaked %d entries", e.Locked())
	}
}

func TestDuplicateReportIsStale(t *testing.T) {
	s := store.NewMemory()
	e, _ := newTestEngine(t, s, Options{})
	enRoutePickup(t, e, "m-1")
	ctx := context.Background()
	if _, err := e.Ingest(ctx, report("m-1", 5, paris, t0.Add(10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	for _, seq := range []int64{5, 4} {
		res, err := e.Ingest(ctx, report("m-1", seq, geo.OffsetNorth(paris, 5000), t0.Add(11*time.Minute)))
		if err != nil {
			t.Fatal(err)
		}
		if res.Accepted || res.Reason != ReasonStale || len(res.Events) != 0 {
			t.Fatalf("seq %d: expected stale, got %+v", seq, res)
		}
		if res.Mission.Status != model.StatusArrivedPickup {
			t.Fatalf("status changed on stale report: %s", res.Mission.Status)
		}
	}
	track, _, _ := s.ListTrack(ctx, "m-1", "", 10)
	if len(track) != 1 {
		t.Fatalf("stale reports appended to track: %d", len(track))
	}
}

func TestLateDepartureAfterOperatorCommandIsRejected(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{})
	ctx := context.Background()
	enRoutePickup(t, e, "m-1")
	if _, err := e.Ingest(ctx, report("m-1", 1, paris, t0.Add(10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	command(t, e, "m-1", model.CmdStartLoading, t0.Add(12*time.Minute))
	command(t, e, "m-1", model.CmdMarkLoaded, t0.Add(30*time.Minute))

	// captured before MARK_LOADED, delivered after it
	res, err := e.Ingest(ctx, report("m-1", 2, geo.OffsetNorth(paris, 1000), t0.Add(25*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 || res.Events[0].Kind != model.Departure || res.Events[0].Applied {
		t.Fatalf("expected one unapplied departure, got %+v", res.Events)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Trigger != "DEPARTURE@PICKUP" {
		t.Fatalf("expected rejected departure, got %+v", res.Rejected)
	}
	if res.Mission.Status != model.StatusLoaded {
		t.Fatalf("status = %s, want LOADED", res.Mission.Status)
	}
}

func TestRejectedCommandLeavesStatus(t *testing.T) {
	s := store.NewMemory()
	e, _ := newTestEngine(t, s, Options{})
	dispatch(t, e, "m-1")
	_, err := e.Command(context.Background(), model.Command{MissionID: "m-1", Type: model.CmdMarkLoaded})
	var te *model.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	m, _ := s.GetMission(context.Background(), "m-1")
	if m.Status != model.StatusPending || m.Version != 1 {
		t.Fatalf("mission changed: %+v", m)
	}
}

func TestCommandSiteMustBelongToMission(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{})
	enRoutePickup(t, e, "m-1")
	_, err := e.Command(context.Background(), model.Command{MissionID: "m-1", Type: model.CmdArrivePickup, SiteID: "elsewhere"})
	if !errors.Is(err, model.ErrUnknownSite) {
		t.Fatalf("err = %v", err)
	}
	res, err := e.Command(context.Background(), model.Command{MissionID: "m-1", Type: model.CmdArrivePickup, SiteID: "m-1-pickup"})
	if err != nil || res.Mission.Status != model.StatusArrivedPickup {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestSequencedCommandSharesDeviceCounter(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{})
	ctx := context.Background()
	dispatch(t, e, "m-1")
	cmd := model.Command{MissionID: "m-1", Type: model.CmdAccept, DeviceID: "dev-1", SequenceID: 3, CapturedAt: t0}
	if res, err := e.Command(ctx, cmd); err != nil || !res.Accepted {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	res, err := e.Command(ctx, cmd)
	if err != nil || res.Accepted || res.Reason != ReasonStale {
		t.Fatalf("replayed command should be stale: res=%+v err=%v", res, err)
	}
	r, err := e.Ingest(ctx, report("m-1", 2, paris, t0))
	if err != nil || r.Accepted {
		t.Fatalf("report with older sequence should be stale: %+v %v", r, err)
	}
	// a rejected sequenced command still consumes its sequence
	_, err = e.Command(ctx, model.Command{MissionID: "m-1", Type: model.CmdMarkLoaded, DeviceID: "dev-1", SequenceID: 4, CapturedAt: t0})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
	m, _ := e.Mission(ctx, "m-1")
	if m.LastPositionSeq["dev-1"] != 4 || m.Status != model.StatusAccepted {
		t.Fatalf("mission = %+v", m)
	}
}

func TestTerminalMissionAcceptsReportsForAudit(t *testing.T) {
	s := store.NewMemory()
	e, _ := newTestEngine(t, s, Options{})
	ctx := context.Background()
	enRoutePickup(t, e, "m-1")
	command(t, e, "m-1", model.CmdCancel, t0.Add(2*time.Minute))
	res, err := e.Ingest(ctx, report("m-1", 1, paris, t0.Add(3*time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || len(res.Events) != 0 || res.Mission.Status != model.StatusCancelled {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Mission.LastPositionSeq["dev-1"] != 1 {
		t.Fatalf("sequence not advanced")
	}
	track, _, _ := s.ListTrack(ctx, "m-1", "", 10)
	if len(track) != 1 {
		t.Fatalf("report not kept for audit")
	}
}

func TestIngestValidation(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{MaxAccuracyM: 50})
	dispatch(t, e, "m-1")
	ctx := context.Background()
	cases := []struct {
		name string
		r    model.PositionReport
		want error
	}{
		{"lat", model.PositionReport{MissionID: "m-1", Lat: 95, SequenceID: 1, CapturedAt: t0}, model.ErrInvalidReport},
		{"seq", model.PositionReport{MissionID: "m-1", Lat: 1, SequenceID: 0, CapturedAt: t0}, model.ErrInvalidReport},
		{"time", model.PositionReport{MissionID: "m-1", Lat: 1, SequenceID: 1}, model.ErrInvalidReport},
		{"accuracy", model.PositionReport{MissionID: "m-1", Lat: 1, SequenceID: 1, CapturedAt: t0, AccuracyMeters: 80}, model.ErrLowAccuracy},
		{"unknown", model.PositionReport{MissionID: "nope", Lat: 1, SequenceID: 1, CapturedAt: t0}, model.ErrUnknownMission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Ingest(ctx, tc.r); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

type failingStore struct {
	*store.Memory
	fail bool
}

func (f *failingStore) Commit(ctx context.Context, mu store.Mutation) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.Memory.Commit(ctx, mu)
}

func TestPersistenceFailureLeavesMissionUntouched(t *testing.T) {
	fs := &failingStore{Memory: store.NewMemory()}
	e, rec := newTestEngine(t, fs, Options{})
	enRoutePickup(t, e, "m-1")
	before, _ := fs.GetMission(context.Background(), "m-1")
	sent := len(rec.types())

	fs.fail = true
	_, err := e.Ingest(context.Background(), report("m-1", 1, paris, t0.Add(10*time.Minute)))
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	after, _ := fs.GetMission(context.Background(), "m-1")
	if after.Status != before.Status || after.Version != before.Version || len(after.LastPositionSeq) != 0 {
		t.Fatalf("mission changed after failed commit: %+v", after)
	}
	if len(rec.types()) != sent {
		t.Fatalf("notifications published for an uncommitted report")
	}

	fs.fail = false
	res, err := e.Ingest(context.Background(), report("m-1", 1, paris, t0.Add(10*time.Minute)))
	if err != nil || res.Mission.Status != model.StatusArrivedPickup {
		t.Fatalf("retry failed: %+v %v", res, err)
	}
}

func TestConflictMapsToPersistence(t *testing.T) {
	mem := store.NewMemory()
	e, _ := newTestEngine(t, mem, Options{})
	dispatch(t, e, "m-1")
	cs := &conflictStore{Memory: mem}
	e.store = cs
	_, err := e.Command(context.Background(), model.Command{MissionID: "m-1", Type: model.CmdAccept})
	if !errors.Is(err, model.ErrPersistence) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v", err)
	}
}

type conflictStore struct{ *store.Memory }

func (c *conflictStore) Commit(context.Context, store.Mutation) error { return store.ErrConflict }

func TestDeviationWhileInTransit(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{DeviationToleranceM: 2000})
	ctx := context.Background()
	enRoutePickup(t, e, "m-1")
	for _, c := range []model.CommandType{model.CmdArrivePickup, model.CmdStartLoading, model.CmdMarkLoaded, model.CmdDepartPickup} {
		command(t, e, "m-1", c, t0.Add(5*time.Minute))
	}
	// heading towards Lyon, then 3 km back north, then further away
	steps := []struct {
		p    model.GeoPoint
		want string
	}{
		{geo.OffsetNorth(lyon, 100000), ""},
		{geo.OffsetNorth(lyon, 90000), ""},
		{geo.OffsetNorth(lyon, 93000), "off_route"},
		{geo.OffsetNorth(lyon, 95000), ""},
		{geo.OffsetNorth(lyon, 80000), ""},
	}
	for i, st := range steps {
		res, err := e.Ingest(ctx, report("m-1", int64(i+1), st.p, t0.Add(time.Duration(10+i)*time.Minute)))
		if err != nil {
			t.Fatal(err)
		}
		if res.Deviation != st.want {
			t.Fatalf("step %d deviation = %q want %q", i, res.Deviation, st.want)
		}
	}
	if rec.count(notify.TypeDeviation) != 1 {
		t.Fatalf("deviation alerts = %d", rec.count(notify.TypeDeviation))
	}
	m, _ := e.Mission(ctx, "m-1")
	if m.Status != model.StatusInTransit || m.Progress == nil || m.Progress.Deviating {
		t.Fatalf("mission = %+v", m)
	}
}

func TestSignalDeviationOnlyInTransit(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{})
	dispatch(t, e, "m-1")
	err := e.SignalDeviation(context.Background(), "m-1", "manual", t0)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
	if rec.count(notify.TypeDeviation) != 0 {
		t.Fatal("alert raised outside IN_TRANSIT")
	}
}

func TestSweepStalled(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{StallTimeout: 30 * time.Minute})
	ctx := context.Background()
	enRoutePickup(t, e, "m-1")
	for _, c := range []model.CommandType{model.CmdArrivePickup, model.CmdStartLoading, model.CmdMarkLoaded, model.CmdDepartPickup} {
		command(t, e, "m-1", c, t0.Add(5*time.Minute))
	}
	if _, err := e.Ingest(ctx, report("m-1", 1, geo.OffsetNorth(lyon, 50000), t0.Add(10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	n, err := e.SweepStalled(ctx, t0.Add(20*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early sweep raised %d (%v)", n, err)
	}
	n, err = e.SweepStalled(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("sweep raised %d (%v)", n, err)
	}
	n, _ = e.SweepStalled(ctx, t0.Add(2*time.Hour))
	if n != 0 {
		t.Fatalf("stall reported twice")
	}
	if rec.count(notify.TypeDeviation) != 1 {
		t.Fatalf("deviation notifications = %d", rec.count(notify.TypeDeviation))
	}
}

func TestETAScheduledAfterCommit(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{})
	sched := &etaRecorder{}
	e.SetETAScheduler(sched)
	enRoutePickup(t, e, "m-1")
	if len(sched.ids) != 0 {
		t.Fatal("scheduled without a known position")
	}
	if _, err := e.Ingest(context.Background(), report("m-1", 1, geo.OffsetNorth(paris, 3000), t0.Add(10*time.Minute))); err != nil {
		t.Fatal(err)
	}
	if len(sched.ids) != 1 || sched.ids[0] != "m-1" {
		t.Fatalf("scheduled = %v", sched.ids)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	e, rec := newTestEngine(t, store.NewMemory(), Options{})
	ctx := context.Background()
	enRoutePickup(t, e, "m-1")
	reports := []model.PositionReport{
		report("m-1", 1, geo.OffsetNorth(paris, 2000), t0.Add(5*time.Minute)),
		report("m-1", 2, geo.OffsetNorth(paris, 100), t0.Add(6*time.Minute)),
		report("m-1", 3, paris, t0.Add(7*time.Minute)),
	}
	for _, r := range reports {
		if _, err := e.Ingest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	first, _ := e.Mission(ctx, "m-1")
	sent := len(rec.types())
	for _, r := range reports[1:] {
		res, err := e.Ingest(ctx, r)
		if err != nil || res.Accepted {
			t.Fatalf("replayed report accepted: %+v %v", res, err)
		}
	}
	again, _ := e.Mission(ctx, "m-1")
	if again.Version != first.Version || again.Status != first.Status || len(rec.types()) != sent {
		t.Fatalf("replay changed state")
	}
}

func TestConcurrentIngestAcrossMissions(t *testing.T) {
	e, _ := newTestEngine(t, store.NewMemory(), Options{})
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		enRoutePickup(t, e, id)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		for dev := 0; dev < 3; dev++ {
			wg.Add(1)
			go func(id string, dev int) {
				defer wg.Done()
				for seq := int64(1); seq <= 20; seq++ {
					r := report(id, seq, geo.OffsetNorth(paris, float64(seq*50)), t0.Add(time.Duration(seq)*time.Second))
					r.DeviceID = string(rune('x' + dev))
					if _, err := e.Ingest(context.Background(), r); err != nil {
						t.Error(err)
						return
					}
				}
			}(id, dev)
		}
	}
	wg.Wait()
	if e.Locked() != 0 {
		t.Fatalf("lock registry leaked %d entries", e.Locked())
	}
	for _, id := range ids {
		m, _ := e.Mission(context.Background(), id)
		if len(m.LastPositionSeq) != 3 {
			t.Fatalf("mission %s devices = %v", id, m.LastPositionSeq)
		}
	}
}
