// Package reconcile replays a device's offline buffer through the live
// ingest and command pipeline in capture order.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"missiontrack/internal/engine"
	"missiontrack/internal/metrics"
	"missiontrack/internal/model"
)

// Pipeline is the live path every replayed entry goes through.
type Pipeline interface {
	Ingest(ctx context.Context, r model.PositionReport) (engine.IngestResult, error)
	Command(ctx context.Context, cmd model.Command) (engine.CommandResult, error)
	Mission(ctx context.Context, id string) (model.Mission, error)
}

type EntryKind string

const (
	KindReport  EntryKind = "report"
	KindCommand EntryKind = "command"
)

// Entry is one buffered item; exactly one of Report and Command is set.
type Entry struct {
	Kind    EntryKind             `json:"kind"`
	Report  *model.PositionReport `json:"report,omitempty"`
	Command *model.Command        `json:"command,omitempty"`
}

func (e Entry) capturedAt() time.Time {
	if e.Report != nil {
		return e.Report.CapturedAt
	}
	return e.Command.CapturedAt
}

func (e Entry) device() (string, int64) {
	if e.Report != nil {
		return e.Report.DeviceID, e.Report.SequenceID
	}
	return e.Command.DeviceID, e.Command.SequenceID
}

const (
	OutcomeApplied  = "applied"
	OutcomeStale    = "stale"
	OutcomeRejected = "rejected"
)

type EntryResult struct {
	Kind       EntryKind `json:"kind"`
	DeviceID   string    `json:"deviceId,omitempty"`
	SequenceID int64     `json:"sequenceId,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Status     string    `json:"status,omitempty"`
}

type Result struct {
	MissionID     string           `json:"missionId"`
	Applied       int              `json:"appliedCount"`
	Rejected      int              `json:"rejectedCount"`
	Stale         int              `json:"staleCount"`
	FinalStatus   model.Status     `json:"finalStatus"`
	CheckpointSeq int64            `json:"checkpointSeq"`
	Checkpoints   map[string]int64 `json:"checkpoints"`
	Complete      bool             `json:"complete"`
	Remaining     []Entry          `json:"remaining"`
	Entries       []EntryResult    `json:"entries"`
}

// Batch is one mission's share of a multi-mission sync.
type Batch struct {
	MissionID string                 `json:"missionId"`
	Reports   []model.PositionReport `json:"reports"`
	Commands  []model.Command        `json:"commands"`
}

type Reconciler struct {
	pipeline    Pipeline
	deadline    time.Duration
	parallelism int
	log         *slog.Logger
}

func New(p Pipeline, deadline time.Duration, parallelism int, log *slog.Logger) *Reconciler {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	if parallelism < 1 {
		parallelism = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{pipeline: p, deadline: deadline, parallelism: parallelism, log: log}
}

// Merge orders buffered entries by capture time, then device sequence with
// unsequenced entries last, then reports before commands. Arrival order at the server never matters.
func Merge(missionID string, reports []model.PositionReport, commands []model.Command) []Entry {
	out := make([]Entry, 0, len(reports)+len(commands))
	for i := range reports {
		r := reports[i]
		if r.MissionID == "" {
			r.MissionID = missionID
		}
		if r.DeviceID == "" {
			r.DeviceID = engine.DefaultDevice
		}
		out = append(out, Entry{Kind: KindReport, Report: &r})
	}
	for i := range commands {
		c := commands[i]
		if c.MissionID == "" {
			c.MissionID = missionID
		}
		if c.SequenceID > 0 && c.DeviceID == "" {
			c.DeviceID = engine.DefaultDevice
		}
		out = append(out, Entry{Kind: KindCommand, Command: &c})
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		if c := a.capturedAt().Compare(b.capturedAt()); c != 0 {
			return c
		}
		if c := cmp.Compare(seqRank(a), seqRank(b)); c != 0 {
			return c
		}
		return cmp.Compare(kindRank(a.Kind), kindRank(b.Kind))
	})
	return out
}

// seqRank places unsequenced entries after every sequenced one at the same
// capture time.
func seqRank(e Entry) int64 {
	if _, seq := e.device(); seq > 0 {
		return seq
	}
	return math.MaxInt64
}

func kindRank(k EntryKind) int {
	if k == KindReport {
		return 0
	}
	return 1
}

// Reconcile replays one mission's buffer. It stops at an entry boundary when
// the processing deadline expires, returning Complete false with the
// untouched entries in Remaining. UnknownMission and persistence failures
// end the batch with the partial result and the error.
func (r *Reconciler) Reconcile(ctx context.Context, missionID string, reports []model.PositionReport, commands []model.Command) (Result, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{MissionID: missionID, Checkpoints: map[string]int64{}, Remaining: []Entry{}, Entries: []EntryResult{}}
	m, err := r.pipeline.Mission(ctx, missionID)
	if err != nil {
		return res, err
	}
	res.FinalStatus = m.Status

	entries := Merge(missionID, reports, commands)
	deadline := time.Now().Add(r.deadline)
	for i, e := range entries {
		if ctx.Err() != nil || time.Now().After(deadline) {
			res.Remaining = entries[i:]
			r.log.Warn("reconcile deadline reached", slog.String("action", "reconcile"), slog.String("missionId", missionID),
				slog.Int("processed", i), slog.Int("remaining", len(entries)-i))
			return res, nil
		}
		er, status, err := r.replay(ctx, missionID, e)
		if err != nil {
			res.Remaining = entries[i:]
			return res, err
		}
		if status != "" {
			res.FinalStatus = status
		}
		er.Status = string(res.FinalStatus)
		res.Entries = append(res.Entries, er)
		switch er.Outcome {
		case OutcomeApplied:
			res.Applied++
		case OutcomeStale:
			res.Stale++
		default:
			res.Rejected++
		}
		metrics.ReconcileEntries.WithLabelValues(string(e.Kind), er.Outcome).Inc()
		if dev, seq := e.device(); seq > 0 && seq > res.Checkpoints[dev] {
			res.Checkpoints[dev] = seq
			res.CheckpointSeq = max(res.CheckpointSeq, seq)
		}
	}
	res.Complete = true
	r.log.Info("reconcile finished", slog.String("action", "reconcile"), slog.String("missionId", missionID),
		slog.Int("applied", res.Applied), slog.Int("stale", res.Stale), slog.Int("rejected", res.Rejected))
	return res, nil
}

// replay runs one entry. Only errors that must end the batch are returned.
func (r *Reconciler) replay(ctx context.Context, missionID string, e Entry) (EntryResult, model.Status, error) {
	dev, seq := e.device()
	er := EntryResult{Kind: e.Kind, DeviceID: dev, SequenceID: seq, CapturedAt: e.capturedAt()}
	var (
		status model.Status
		err    error
	)
	switch e.Kind {
	case KindReport:
		if e.Report.MissionID != missionID {
			err = fmt.Errorf("%w: report belongs to mission %s", model.ErrInvalidReport, e.Report.MissionID)
			break
		}
		var out engine.IngestResult
		out, err = r.pipeline.Ingest(ctx, *e.Report)
		if err == nil {
			status = out.Mission.Status
			er.Outcome = OutcomeApplied
			if !out.Accepted {
				er.Outcome = OutcomeStale
			}
		}
	case KindCommand:
		if e.Command.MissionID != missionID {
			err = fmt.Errorf("%w: command belongs to mission %s", model.ErrInvalidCommand, e.Command.MissionID)
			break
		}
		var out engine.CommandResult
		out, err = r.pipeline.Command(ctx, *e.Command)
		if out.Mission.ID != "" {
			status = out.Mission.Status
		}
		if err == nil {
			er.Outcome = OutcomeApplied
			if !out.Accepted {
				er.Outcome = OutcomeStale
			}
		}
	}
	if err != nil {
		if errors.Is(err, model.ErrUnknownMission) || errors.Is(err, model.ErrPersistence) {
			return er, "", err
		}
		er.Outcome = OutcomeRejected
		er.Error = err.Error()
	}
	return er, status, nil
}

// ReconcileMany replays several missions' buffers in parallel. Each mission
// still runs serially; results keep the order of batches. The first fatal
// error is returned alongside every result gathered.
func (r *Reconciler) ReconcileMany(ctx context.Context, batches []Batch) ([]Result, error) {
	results := make([]Result, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, b := range batches {
		g.Go(func() error {
			res, err := r.Reconcile(gctx, b.MissionID, b.Reports, b.Commands)
			results[i] = res
			if err != nil {
				return fmt.Errorf("mission %s: %w", b.MissionID, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}
