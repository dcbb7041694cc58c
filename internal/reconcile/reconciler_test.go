package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"missiontrack/internal/engine"
	"missiontrack/internal/geo"
	"missiontrack/internal/model"
	"missiontrack/internal/store"
)

var (
	paris = model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	lyon  = model.GeoPoint{Lat: 45.7640, Lng: 4.8357}
	t0    = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEngine(t *testing.T, ids ...string) *engine.Engine {
	t.Helper()
	e := engine.New(store.NewMemory(), nil, quiet(), engine.Options{DefaultRadiusM: 200})
	for _, id := range ids {
		_, err := e.Dispatch(context.Background(), model.DispatchRequest{ID: id, Pickup: model.SiteInput{Center: paris}, Delivery: model.SiteInput{Center: lyon}})
		if err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func rep(seq int64, p model.GeoPoint, minute int) model.PositionReport {
	return model.PositionReport{DeviceID: "dev-1", Lat: p.Lat, Lon: p.Lng, SequenceID: seq, CapturedAt: t0.Add(time.Duration(minute) * time.Minute)}
}

func cmd(typ model.CommandType, seq int64, minute int) model.Command {
	return model.Command{Type: typ, Actor: "driver", DeviceID: "dev-1", SequenceID: seq, CapturedAt: t0.Add(time.Duration(minute) * time.Minute)}
}

// journey drives a mission from ACCEPTED through pickup and into transit.
func journey() ([]model.PositionReport, []model.Command) {
	reports := []model.PositionReport{
		rep(3, geo.OffsetNorth(paris, 5000), 10),
		rep(4, geo.OffsetNorth(paris, 150), 20),
		rep(5, paris, 25),
		rep(9, geo.OffsetNorth(paris, 900), 60),
		rep(10, geo.OffsetNorth(lyon, 200000), 120),
	}
	commands := []model.Command{
		cmd(model.CmdAccept, 1, 1),
		cmd(model.CmdDepart, 2, 2),
		cmd(model.CmdStartLoading, 6, 30),
		cmd(model.CmdMarkLoaded, 7, 50),
	}
	return reports, commands
}

func TestMergeOrder(t *testing.T) {
	reports := []model.PositionReport{rep(2, paris, 5), rep(1, paris, 5)}
	commands := []model.Command{{Type: model.CmdAccept, CapturedAt: t0.Add(5 * time.Minute)}, cmd(model.CmdDepart, 0, 1)}
	got := Merge("m-1", reports, commands)
	if len(got) != 4 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Kind != KindCommand || got[0].Command.Type != model.CmdDepart {
		t.Fatalf("earliest entry should come first: %+v", got[0])
	}
	if got[1].Report.SequenceID != 1 || got[2].Report.SequenceID != 2 {
		t.Fatalf("equal times should order by sequence")
	}
	if got[3].Kind != KindCommand || got[3].Command.MissionID != "m-1" {
		t.Fatalf("reports precede commands at equal time: %+v", got[3])
	}
}

func TestMergeOrderIgnoresBufferOrder(t *testing.T) {
	reports := []model.PositionReport{rep(5, paris, 5)}
	loaded := cmd(model.CmdMarkLoaded, 3, 5)
	operator := model.Command{Type: model.CmdStartLoading, Actor: "ops", CapturedAt: t0.Add(5 * time.Minute)}

	seqs := func(es []Entry) []int64 {
		out := make([]int64, len(es))
		for i, e := range es {
			_, out[i] = e.device()
		}
		return out
	}
	want := []int64{3, 5, 0}
	for _, commands := range [][]model.Command{{loaded, operator}, {operator, loaded}} {
		got := seqs(Merge("m-1", reports, commands))
		if len(got) != len(want) {
			t.Fatalf("len = %d", len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order = %v, want %v", got, want)
			}
		}
	}

	rng := rand.New(rand.NewSource(11))
	reports = []model.PositionReport{rep(4, paris, 5), rep(6, paris, 5), rep(2, paris, 4)}
	commands := []model.Command{cmd(model.CmdDepart, 1, 4), loaded, operator, cmd(model.CmdAccept, 0, 5)}
	base := seqs(Merge("m-1", reports, commands))
	for i := 0; i < 20; i++ {
		rng.Shuffle(len(reports), func(a, b int) { reports[a], reports[b] = reports[b], reports[a] })
		rng.Shuffle(len(commands), func(a, b int) { commands[a], commands[b] = commands[b], commands[a] })
		got := seqs(Merge("m-1", reports, commands))
		for j := range base {
			if got[j] != base[j] {
				t.Fatalf("shuffle %d: order = %v, want %v", i, got, base)
			}
		}
	}
}

func TestReconcileJourney(t *testing.T) {
	e := newEngine(t, "m-1")
	r := New(e, time.Second, 2, quiet())
	reports, commands := journey()
	res, err := r.Reconcile(context.Background(), "m-1", reports, commands)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete || res.FinalStatus != model.StatusInTransit {
		t.Fatalf("result = %+v", res)
	}
	if res.Applied != 9 || res.Stale != 0 || res.Rejected != 0 || res.CheckpointSeq != 10 {
		t.Fatalf("counts = %+v", res)
	}

	again, err := r.Reconcile(context.Background(), "m-1", reports, commands)
	if err != nil {
		t.Fatal(err)
	}
	if again.Applied != 0 || again.Stale != 9 || again.FinalStatus != model.StatusInTransit {
		t.Fatalf("replay should be all stale: %+v", again)
	}
}

func TestReconcileOrderIndependent(t *testing.T) {
	reports, commands := journey()

	ordered := newEngine(t, "m-1")
	if _, err := New(ordered, time.Second, 1, quiet()).Reconcile(context.Background(), "m-1", reports, commands); err != nil {
		t.Fatal(err)
	}
	want, _ := ordered.Mission(context.Background(), "m-1")

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffledR := append([]model.PositionReport{}, reports...)
		shuffledR = append(shuffledR, reports[rng.Intn(len(reports))])
		rng.Shuffle(len(shuffledR), func(i, j int) { shuffledR[i], shuffledR[j] = shuffledR[j], shuffledR[i] })
		shuffledC := append([]model.Command{}, commands...)
		rng.Shuffle(len(shuffledC), func(i, j int) { shuffledC[i], shuffledC[j] = shuffledC[j], shuffledC[i] })

		e := newEngine(t, "m-1")
		if _, err := New(e, time.Second, 1, quiet()).Reconcile(context.Background(), "m-1", shuffledR, shuffledC); err != nil {
			t.Fatal(err)
		}
		got, _ := e.Mission(context.Background(), "m-1")
		if got.Status != want.Status || got.Zones != want.Zones || got.LastPositionSeq["dev-1"] != want.LastPositionSeq["dev-1"] || len(got.History) != len(want.History) {
			t.Fatalf("trial %d diverged: %+v vs %+v", trial, got, want)
		}
	}
}

func TestReconcileUnknownMission(t *testing.T) {
	r := New(newEngine(t), time.Second, 1, quiet())
	_, err := r.Reconcile(context.Background(), "ghost", []model.PositionReport{rep(1, paris, 1)}, nil)
	if !errors.Is(err, model.ErrUnknownMission) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconcileCountsRejections(t *testing.T) {
	e := newEngine(t, "m-1")
	res, err := New(e, time.Second, 1, quiet()).Reconcile(context.Background(), "m-1",
		[]model.PositionReport{{DeviceID: "dev-1", Lat: 120, SequenceID: 1, CapturedAt: t0}},
		[]model.Command{cmd(model.CmdMarkLoaded, 2, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 2 || res.FinalStatus != model.StatusPending || !res.Complete {
		t.Fatalf("result = %+v", res)
	}
	if res.Checkpoints["dev-1"] != 2 {
		t.Fatalf("checkpoints = %v", res.Checkpoints)
	}
}

// slowPipeline delays each entry so the deadline trips mid-batch.
type slowPipeline struct {
	*engine.Engine
	delay time.Duration
}

func (s slowPipeline) Ingest(ctx context.Context, r model.PositionReport) (engine.IngestResult, error) {
	time.Sleep(s.delay)
	return s.Engine.Ingest(ctx, r)
}

func TestReconcileDeadlineCheckpoint(t *testing.T) {
	e := newEngine(t, "m-1")
	var reports []model.PositionReport
	for i := 1; i <= 20; i++ {
		reports = append(reports, rep(int64(i), geo.OffsetNorth(paris, float64(i*1000)), i))
	}
	r := New(slowPipeline{Engine: e, delay: 20 * time.Millisecond}, 70*time.Millisecond, 1, quiet())
	res, err := r.Reconcile(context.Background(), "m-1", reports, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete || len(res.Remaining) == 0 || res.Applied+len(res.Remaining) != 20 {
		t.Fatalf("expected partial result, got applied=%d remaining=%d", res.Applied, len(res.Remaining))
	}
	if res.CheckpointSeq != int64(res.Applied) || res.Remaining[0].Report.SequenceID != res.CheckpointSeq+1 {
		t.Fatalf("checkpoint %d does not line up with remaining", res.CheckpointSeq)
	}

	// resubmitting the whole buffer finishes it; processed entries come back stale
	full := New(e, time.Second, 1, quiet())
	done, err := full.Reconcile(context.Background(), "m-1", reports, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !done.Complete || done.Stale != res.Applied || done.Applied != 20-res.Applied {
		t.Fatalf("resume result = %+v", done)
	}
}

func TestReconcileMany(t *testing.T) {
	e := newEngine(t, "a", "b", "c")
	reports, commands := journey()
	batches := []Batch{
		{MissionID: "a", Reports: reports, Commands: commands},
		{MissionID: "b", Commands: []model.Command{cmd(model.CmdAccept, 1, 1)}},
		{MissionID: "c"},
	}
	results, err := New(e, time.Second, 2, quiet()).ReconcileMany(context.Background(), batches)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Status{model.StatusInTransit, model.StatusAccepted, model.StatusPending}
	for i, res := range results {
		if res.MissionID != batches[i].MissionID || res.FinalStatus != want[i] || !res.Complete {
			t.Fatalf("result %d = %+v", i, res)
		}
	}

	_, err = New(e, time.Second, 2, quiet()).ReconcileMany(context.Background(), []Batch{{MissionID: "zzz"}})
	if !errors.Is(err, model.ErrUnknownMission) {
		t.Fatalf("err = %v", err)
	}
}
