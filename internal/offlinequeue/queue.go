// Package offlinequeue buffers a driver device's reports and commands while
// it is offline and flushes them to the sync endpoint once connectivity is
// back. It is the client half of mission reconciliation.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"missiontrack/internal/model"
)

type State string

const (
	StateIdle              State = "IDLE"
	StateRetrying          State = "RETRYING"
	StatePersistentFailure State = "PERSISTENT_FAILURE"
)

var (
	ErrQueueFull         = errors.New("offline queue storage ceiling reached")
	ErrPersistentFailure = errors.New("offline queue gave up after repeated failures")
	ErrFlushInProgress   = errors.New("offline queue flush already running")
)

type Options struct {
	MaxBytes      int64
	RetryInterval time.Duration
	MaxAttempts   int
}

func DefaultOptions() Options {
	return Options{MaxBytes: 50 << 20, RetryInterval: 30 * time.Second, MaxAttempts: 5}
}

// SyncAck is the part of the server's sync response the queue acts on.
type SyncAck struct {
	Complete      bool             `json:"complete"`
	CheckpointSeq int64            `json:"checkpointSeq"`
	Checkpoints   map[string]int64 `json:"checkpoints"`
}

type Sender interface {
	Sync(ctx context.Context, missionID string, reports []model.PositionReport, commands []model.Command) (SyncAck, error)
}

type item struct {
	Report  *model.PositionReport `json:"report,omitempty"`
	Command *model.Command        `json:"command,omitempty"`
	Size    int64                 `json:"size"`
}

func (it item) device() (string, int64) {
	if it.Report != nil {
		return it.Report.DeviceID, it.Report.SequenceID
	}
	return it.Command.DeviceID, it.Command.SequenceID
}

type Queue struct {
	mu          sync.Mutex
	missionID   string
	opts        Options
	items       []item
	bytes       int64
	attempts    int
	state       State
	lastErr     error
	nextAttempt time.Time
	flushing    bool
	now         func() time.Time
}

func New(missionID string, opts Options) *Queue {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	return &Queue{missionID: missionID, opts: opts, state: StateIdle, now: time.Now}
}

func (q *Queue) AddReport(r model.PositionReport) error {
	return q.add(item{Report: &r})
}

func (q *Queue) AddCommand(c model.Command) error {
	return q.add(item{Command: &c})
}

func (q *Queue) add(it item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	it.Size = int64(len(raw))
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bytes+it.Size > q.opts.MaxBytes {
		return fmt.Errorf("%w: %d bytes buffered", ErrQueueFull, q.bytes)
	}
	q.items = append(q.items, it)
	q.bytes += it.Size
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// State returns the retry state, the failed attempt count and the last error.
func (q *Queue) State() (State, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.attempts, q.lastErr
}

// Due reports whether a flush should be attempted now.
func (q *Queue) Due() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0 && q.state != StatePersistentFailure && !q.now().Before(q.nextAttempt)
}

// Reset clears a persistent failure so flushing can start over.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state, q.attempts, q.lastErr, q.nextAttempt = StateIdle, 0, nil, time.Time{}
}

// Flush sends the whole buffer in one batch. Entries the server confirms
// through its per-device checkpoints are dropped; a complete ack empties
// the buffer.
func (q *Queue) Flush(ctx context.Context, s Sender) (SyncAck, error) {
	q.mu.Lock()
	if q.state == StatePersistentFailure {
		q.mu.Unlock()
		return SyncAck{}, ErrPersistentFailure
	}
	if q.flushing {
		q.mu.Unlock()
		return SyncAck{}, ErrFlushInProgress
	}
	snapshot := append([]item(nil), q.items...)
	if len(snapshot) == 0 {
		q.mu.Unlock()
		return SyncAck{Complete: true}, nil
	}
	q.flushing = true
	q.mu.Unlock()

	var reports []model.PositionReport
	var commands []model.Command
	for _, it := range snapshot {
		if it.Report != nil {
			reports = append(reports, *it.Report)
		} else {
			commands = append(commands, *it.Command)
		}
	}
	ack, err := s.Sync(ctx, q.missionID, reports, commands)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = false
	if err != nil {
		q.attempts++
		q.lastErr = err
		q.nextAttempt = q.now().Add(q.opts.RetryInterval)
		q.state = StateRetrying
		if q.attempts >= q.opts.MaxAttempts {
			q.state = StatePersistentFailure
			return ack, fmt.Errorf("%w: %w", ErrPersistentFailure, err)
		}
		return ack, err
	}
	q.state, q.attempts, q.lastErr, q.nextAttempt = StateIdle, 0, nil, time.Time{}
	// items added during the send were not part of the batch
	sent := len(snapshot)
	var keep []item
	if !ack.Complete {
		for _, it := range q.items[:sent] {
			dev, seq := it.device()
			if seq == 0 || seq > ack.Checkpoints[dev] {
				keep = append(keep, it)
			}
		}
	}
	keep = append(keep, q.items[sent:]...)
	q.items = keep
	q.bytes = 0
	for _, it := range keep {
		q.bytes += it.Size
	}
	return ack, nil
}

// Run flushes whenever the queue is due, checking every tick, until ctx ends.
func (q *Queue) Run(ctx context.Context, s Sender, tick time.Duration, onErr func(error)) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !q.Due() {
				continue
			}
			if _, err := q.Flush(ctx, s); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

type snapshotFile struct {
	MissionID string `json:"missionId"`
	Items     []item `json:"items"`
}

// SaveFile writes the buffered entries so a restarted device can resume.
func (q *Queue) SaveFile(path string) error {
	q.mu.Lock()
	raw, err := json.Marshal(snapshotFile{MissionID: q.missionID, Items: q.items})
	q.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile restores a queue saved by SaveFile. A missing file yields an
// empty queue for missionID.
func LoadFile(path, missionID string, opts Options) (*Queue, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(missionID, opts), nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	q := New(snap.MissionID, opts)
	for _, it := range snap.Items {
		q.items = append(q.items, it)
		q.bytes += it.Size
	}
	return q, nil
}
