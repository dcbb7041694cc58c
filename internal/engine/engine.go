// Package engine runs the per-mission pipeline: validate a report or command,
// evaluate geofences, drive the state machine, commit one store mutation and
// publish notifications once it is durable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"missiontrack/internal/geo"
	"missiontrack/internal/geofence"
	"missiontrack/internal/metrics"
	"missiontrack/internal/mission"
	"missiontrack/internal/model"
	"missiontrack/internal/notify"
	"missiontrack/internal/store"
)

// DefaultDevice keys reports and commands that carry no device id.
const DefaultDevice = "default"

// ReasonStale marks a report or command whose device sequence was already seen.
const ReasonStale = "stale"

type Options struct {
	DefaultRadiusM      float64
	MaxAccuracyM        float64 // 0 accepts any accuracy
	DeviationToleranceM float64 // 0 disables off-route detection
	StallTimeout        time.Duration
}

// ETAScheduler queues an asynchronous ETA refresh for a committed mission.
type ETAScheduler interface {
	Schedule(m model.Mission) bool
}

type Engine struct {
	store    store.Store
	notifier notify.Notifier
	eta      ETAScheduler
	log      *slog.Logger
	opts     Options
	locks    *keyLock
	now      func() time.Time
}

func New(s store.Store, n notify.Notifier, log *slog.Logger, opts Options) *Engine {
	if n == nil {
		n = notify.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultRadiusM <= 0 {
		opts.DefaultRadiusM = 200
	}
	return &Engine{store: s, notifier: n, log: log, opts: opts, locks: newKeyLock(), now: time.Now}
}

func (e *Engine) SetETAScheduler(s ETAScheduler) { e.eta = s }

// Rejection is a trigger the state machine refused.
type Rejection struct {
	Trigger string `json:"trigger"`
	Reason  string `json:"reason"`
}

type IngestResult struct {
	Accepted    bool                  `json:"accepted"`
	Reason      string                `json:"reason,omitempty"`
	Events      []model.GeofenceEvent `json:"events"`
	Transitions []model.HistoryEntry  `json:"transitions"`
	Rejected    []Rejection           `json:"rejectedTriggers"`
	Deviation   string                `json:"deviation,omitempty"`
	Mission     model.Mission         `json:"mission"`
}

type CommandResult struct {
	Accepted   bool                `json:"accepted"`
	Reason     string              `json:"reason,omitempty"`
	Transition *model.HistoryEntry `json:"transition,omitempty"`
	Mission    model.Mission       `json:"mission"`
}

// Dispatch creates a PENDING mission with its pickup and delivery geofences.
func (e *Engine) Dispatch(ctx context.Context, req model.DispatchRequest) (model.Mission, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	pickup, err := e.site(id, model.RolePickup, req.Pickup)
	if err != nil {
		return model.Mission{}, err
	}
	delivery, err := e.site(id, model.RoleDelivery, req.Delivery)
	if err != nil {
		return model.Mission{}, err
	}
	if pickup.SiteID == delivery.SiteID {
		return model.Mission{}, fmt.Errorf("%w: pickup and delivery share site id %s", model.ErrInvalidMission, pickup.SiteID)
	}
	now := e.now().UTC()
	m := model.Mission{
		ID:              id,
		Reference:       req.Reference,
		DriverID:        req.DriverID,
		Status:          model.StatusPending,
		Pickup:          pickup,
		Delivery:        delivery,
		Zones:           model.ZoneStates{Pickup: model.Outside, Delivery: model.Outside},
		LastPositionSeq: map[string]int64{},
		History:         []model.HistoryEntry{{Status: model.StatusPending, At: now, CausedBy: "dispatch"}},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateMission(ctx, m); err != nil {
		if errors.Is(err, store.ErrExists) {
			return model.Mission{}, fmt.Errorf("%w: %s", model.ErrMissionExists, id)
		}
		return model.Mission{}, e.persistence("dispatch", id, err)
	}
	e.log.Info("mission dispatched", slog.String("action", "dispatch"), slog.String("missionId", id))
	e.publish(ctx, notify.NewEvent(notify.TypeDispatched, id, now, map[string]any{
		"status":         m.Status,
		"statusLabel":    m.Status.Label(),
		"reference":      m.Reference,
		"driverId":       m.DriverID,
		"pickupSiteId":   pickup.SiteID,
		"deliverySiteId": delivery.SiteID,
	}))
	return m, nil
}

func (e *Engine) site(missionID string, role model.SiteRole, in model.SiteInput) (model.Geofence, error) {
	if !in.Center.Valid() {
		return model.Geofence{}, fmt.Errorf("%w: %s center out of range", model.ErrInvalidMission, strings.ToLower(string(role)))
	}
	if in.RadiusMeters < 0 {
		return model.Geofence{}, fmt.Errorf("%w: %s radius must not be negative", model.ErrInvalidMission, strings.ToLower(string(role)))
	}
	radius := in.RadiusMeters
	if radius == 0 {
		radius = e.opts.DefaultRadiusM
	}
	siteID := strings.TrimSpace(in.SiteID)
	if siteID == "" {
		siteID = missionID + "-" + strings.ToLower(string(role))
	}
	return model.Geofence{
		SiteID:       siteID,
		MissionID:    missionID,
		Role:         role,
		Center:       in.Center,
		RadiusMeters: radius,
		Name:         in.Name,
		Address:      in.Address,
	}, nil
}

// Mission reads the current mission record.
func (e *Engine) Mission(ctx context.Context, id string) (model.Mission, error) {
	m, err := e.store.GetMission(ctx, id)
	if err != nil {
		return model.Mission{}, e.loadErr(id, err)
	}
	return m, nil
}

func validateReport(r model.PositionReport) error {
	switch {
	case strings.TrimSpace(r.MissionID) == "":
		return fmt.Errorf("%w: missionId is required", model.ErrInvalidReport)
	case !r.Point().Valid():
		return fmt.Errorf("%w: coordinates out of range", model.ErrInvalidReport)
	case r.SequenceID < 1:
		return fmt.Errorf("%w: sequenceId must be >= 1", model.ErrInvalidReport)
	case r.CapturedAt.IsZero():
		return fmt.Errorf("%w: capturedAt is required", model.ErrInvalidReport)
	case r.AccuracyMeters < 0:
		return fmt.Errorf("%w: accuracyMeters must not be negative", model.ErrInvalidReport)
	}
	return nil
}

// Ingest runs one position report through the pipeline. A stale report is
// not an error: the result comes back with Accepted false and Reason "stale".
func (e *Engine) Ingest(ctx context.Context, r model.PositionReport) (IngestResult, error) {
	if err := validateReport(r); err != nil {
		metrics.ReportsIngested.WithLabelValues("invalid").Inc()
		return IngestResult{}, err
	}
	if e.opts.MaxAccuracyM > 0 && r.AccuracyMeters > e.opts.MaxAccuracyM {
		metrics.ReportsIngested.WithLabelValues("low_accuracy").Inc()
		return IngestResult{}, fmt.Errorf("%w: %.0fm > %.0fm", model.ErrLowAccuracy, r.AccuracyMeters, e.opts.MaxAccuracyM)
	}
	if r.DeviceID == "" {
		r.DeviceID = DefaultDevice
	}
	r.CapturedAt = r.CapturedAt.UTC()

	unlock := e.locks.Lock(r.MissionID)
	defer unlock()

	cur, err := e.store.GetMission(ctx, r.MissionID)
	if err != nil {
		err = e.loadErr(r.MissionID, err)
		if errors.Is(err, model.ErrUnknownMission) {
			metrics.ReportsIngested.WithLabelValues("unknown_mission").Inc()
		} else {
			metrics.ReportsIngested.WithLabelValues("error").Inc()
		}
		return IngestResult{}, err
	}
	if r.SequenceID <= cur.LastPositionSeq[r.DeviceID] {
		return e.stale(r, cur), nil
	}

	next := cur.Clone()
	r.ReceivedAt = e.now().UTC()
	next.LastPositionSeq[r.DeviceID] = r.SequenceID
	if next.LastPosition == nil || !r.CapturedAt.Before(next.LastPosition.CapturedAt) {
		lp := r
		next.LastPosition = &lp
	}
	res := IngestResult{Accepted: true, Events: []model.GeofenceEvent{}, Transitions: []model.HistoryEntry{}, Rejected: []Rejection{}}

	var alert bool
	if !next.Status.Terminal() {
		zones, events := geofence.Evaluate(next.Zones, next.Pickup, next.Delivery, r)
		next.Zones = zones
		for i := range events {
			out, err := mission.Apply(&next, mission.GeofenceTrigger(events[i]))
			if err != nil {
				res.Rejected = append(res.Rejected, rejection(mission.GeofenceTrigger(events[i]), err))
				continue
			}
			events[i].Applied = true
			if out.Changed {
				res.Transitions = append(res.Transitions, out.Entry)
			}
		}
		res.Events = events
		if reason := e.trackProgress(&next, r); reason != "" {
			if out, err := mission.Apply(&next, mission.DeviationTrigger(r.CapturedAt, reason)); err == nil && out.Alert {
				res.Deviation = reason
				alert = true
			}
		}
	}
	next.UpdatedAt = r.ReceivedAt

	report := r
	err = e.store.Commit(ctx, store.Mutation{Mission: next, ExpectVersion: cur.Version, Report: &report, Events: res.Events})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReport) {
			return e.stale(r, cur), nil
		}
		metrics.ReportsIngested.WithLabelValues("error").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("%w: %s", model.ErrUnknownMission, r.MissionID)
		}
		return IngestResult{}, e.persistence("ingest", r.MissionID, err)
	}
	next.Version = cur.Version + 1
	res.Mission = next
	metrics.ReportsIngested.WithLabelValues("accepted").Inc()

	for _, ev := range res.Events {
		metrics.GeofenceEvents.WithLabelValues(string(ev.Role), string(ev.Kind)).Inc()
		e.publish(ctx, geofenceNotification(ev))
	}
	e.recordTransitions(ctx, cur.Status, next, res.Transitions)
	for _, rej := range res.Rejected {
		e.log.Info("geofence trigger rejected", slog.String("action", "ingest"), slog.String("missionId", r.MissionID),
			slog.String("trigger", rej.Trigger), slog.String("reason", rej.Reason))
	}
	if alert {
		e.raiseDeviation(ctx, next, res.Deviation, r.CapturedAt)
	}
	e.scheduleETA(next)
	return res, nil
}

func (e *Engine) stale(r model.PositionReport, m model.Mission) IngestResult {
	metrics.ReportsIngested.WithLabelValues(ReasonStale).Inc()
	e.log.Debug("stale report dropped", slog.String("action", "ingest"), slog.String("missionId", r.MissionID),
		slog.String("deviceId", r.DeviceID), slog.Int64("seq", r.SequenceID), slog.Int64("lastSeq", m.LastPositionSeq[r.DeviceID]))
	return IngestResult{Accepted: false, Reason: ReasonStale, Events: []model.GeofenceEvent{}, Transitions: []model.HistoryEntry{}, Rejected: []Rejection{}, Mission: m}
}

// trackProgress updates distance-to-delivery bookkeeping while in transit and
// returns a deviation reason when the vehicle moves away from its best
// approach by more than the tolerance. It fires once per excursion.
func (e *Engine) trackProgress(m *model.Mission, r model.PositionReport) string {
	if m.Status != model.StatusInTransit {
		m.Progress = nil
		return ""
	}
	d := geo.DistanceMeters(r.Point(), m.Delivery.Center)
	p := m.Progress
	if p == nil {
		p = &model.Progress{BestMeters: d, BestAt: r.CapturedAt}
		m.Progress = p
	}
	p.LastMeters = d
	if d < p.BestMeters {
		p.BestMeters = d
		p.BestAt = r.CapturedAt
		p.StalledSent = false
	}
	if e.opts.DeviationToleranceM <= 0 {
		return ""
	}
	off := d-p.BestMeters > e.opts.DeviationToleranceM
	switch {
	case off && !p.Deviating:
		p.Deviating = true
		return "off_route"
	case !off:
		p.Deviating = false
	}
	return ""
}

func validateCommand(cmd model.Command) error {
	if strings.TrimSpace(cmd.MissionID) == "" {
		return fmt.Errorf("%w: missionId is required", model.ErrInvalidCommand)
	}
	switch cmd.Type {
	case model.CmdAccept, model.CmdDepart, model.CmdArrivePickup, model.CmdStartLoading, model.CmdMarkLoaded,
		model.CmdDepartPickup, model.CmdArriveDelivery, model.CmdStartUnloading, model.CmdMarkUnloaded, model.CmdCancel:
	default:
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidCommand, cmd.Type)
	}
	if cmd.SequenceID < 0 {
		return fmt.Errorf("%w: sequenceId must not be negative", model.ErrInvalidCommand)
	}
	return nil
}

// Command applies an explicit operator or driver action. An invalid
// transition is returned as a *model.TransitionError; when the command
// carried a device sequence, that sequence is still consumed.
func (e *Engine) Command(ctx context.Context, cmd model.Command) (CommandResult, error) {
	if err := validateCommand(cmd); err != nil {
		return CommandResult{}, err
	}
	if cmd.CapturedAt.IsZero() {
		cmd.CapturedAt = e.now()
	}
	cmd.CapturedAt = cmd.CapturedAt.UTC()
	if cmd.SequenceID > 0 && cmd.DeviceID == "" {
		cmd.DeviceID = DefaultDevice
	}

	unlock := e.locks.Lock(cmd.MissionID)
	defer unlock()

	cur, err := e.store.GetMission(ctx, cmd.MissionID)
	if err != nil {
		return CommandResult{}, e.loadErr(cmd.MissionID, err)
	}
	if cmd.SiteID != "" {
		if _, ok := cur.SiteByID(cmd.SiteID); !ok {
			return CommandResult{}, fmt.Errorf("%w: %s is not a site of mission %s", model.ErrUnknownSite, cmd.SiteID, cmd.MissionID)
		}
	}
	if cmd.SequenceID > 0 && cmd.SequenceID <= cur.LastPositionSeq[cmd.DeviceID] {
		e.log.Debug("stale command dropped", slog.String("action", "command"), slog.String("missionId", cmd.MissionID),
			slog.String("deviceId", cmd.DeviceID), slog.Int64("seq", cmd.SequenceID))
		return CommandResult{Accepted: false, Reason: ReasonStale, Mission: cur}, nil
	}

	next := cur.Clone()
	consumed := false
	if cmd.SequenceID > 0 {
		next.LastPositionSeq[cmd.DeviceID] = cmd.SequenceID
		consumed = true
	}
	trigger := mission.CommandTrigger(cmd)
	out, applyErr := mission.Apply(&next, trigger)
	if applyErr != nil {
		metrics.RejectedTriggers.WithLabelValues(trigger.Name()).Inc()
		e.log.Info("command rejected", slog.String("action", "command"), slog.String("missionId", cmd.MissionID),
			slog.String("trigger", trigger.Name()), slog.String("status", string(cur.Status)))
		if !consumed {
			return CommandResult{Mission: cur}, applyErr
		}
	}
	if next.Status != model.StatusInTransit {
		next.Progress = nil
	}
	next.UpdatedAt = e.now().UTC()

	if err := e.store.Commit(ctx, store.Mutation{Mission: next, ExpectVersion: cur.Version}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CommandResult{}, fmt.Errorf("%w: %s", model.ErrUnknownMission, cmd.MissionID)
		}
		return CommandResult{}, e.persistence("command", cmd.MissionID, err)
	}
	next.Version = cur.Version + 1
	if applyErr != nil {
		return CommandResult{Mission: next}, applyErr
	}

	res := CommandResult{Accepted: true, Mission: next}
	if out.Changed {
		entry := out.Entry
		res.Transition = &entry
		e.recordTransitions(ctx, cur.Status, next, []model.HistoryEntry{entry})
	}
	e.scheduleETA(next)
	return res, nil
}

// SignalDeviation raises an operator deviation alert. Only IN_TRANSIT
// missions accept it; the status never changes.
func (e *Engine) SignalDeviation(ctx context.Context, missionID, reason string, at time.Time) error {
	if at.IsZero() {
		at = e.now()
	}
	unlock := e.locks.Lock(missionID)
	defer unlock()
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return e.loadErr(missionID, err)
	}
	probe := m.Clone()
	trigger := mission.DeviationTrigger(at, reason)
	if _, err := mission.Apply(&probe, trigger); err != nil {
		metrics.RejectedTriggers.WithLabelValues(trigger.Name()).Inc()
		return err
	}
	e.raiseDeviation(ctx, m, reason, at)
	return nil
}

// SweepStalled raises a deviation for every IN_TRANSIT mission that has not
// moved closer to its delivery site within the stall timeout. Each stall is
// reported once until progress resumes.
func (e *Engine) SweepStalled(ctx context.Context, now time.Time) (int, error) {
	if e.opts.StallTimeout <= 0 {
		return 0, nil
	}
	missions, err := e.store.ListMissionsByStatus(ctx, model.StatusInTransit)
	if err != nil {
		return 0, e.persistence("sweep", "", err)
	}
	raised := 0
	for _, m := range missions {
		if !stalled(m, now, e.opts.StallTimeout) {
			continue
		}
		ok, err := e.markStalled(ctx, m.ID, now)
		if err != nil {
			if errors.Is(err, model.ErrPersistence) {
				return raised, err
			}
			continue
		}
		if ok {
			raised++
		}
	}
	return raised, nil
}

func stalled(m model.Mission, now time.Time, timeout time.Duration) bool {
	if m.Status != model.StatusInTransit {
		return false
	}
	since := m.StatusSince()
	if p := m.Progress; p != nil {
		if p.StalledSent {
			return false
		}
		if p.BestAt.After(since) {
			since = p.BestAt
		}
	}
	return now.Sub(since) > timeout
}

func (e *Engine) markStalled(ctx context.Context, missionID string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(missionID)
	defer unlock()
	cur, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return false, e.loadErr(missionID, err)
	}
	if !stalled(cur, now, e.opts.StallTimeout) {
		return false, nil
	}
	next := cur.Clone()
	if _, err := mission.Apply(&next, mission.DeviationTrigger(now, "stalled")); err != nil {
		return false, err
	}
	if next.Progress == nil {
		next.Progress = &model.Progress{BestAt: cur.StatusSince()}
		if cur.LastPosition != nil {
			d := geo.DistanceMeters(cur.LastPosition.Point(), cur.Delivery.Center)
			next.Progress.BestMeters, next.Progress.LastMeters = d, d
		}
	}
	next.Progress.StalledSent = true
	next.UpdatedAt = now.UTC()
	if err := e.store.Commit(ctx, store.Mutation{Mission: next, ExpectVersion: cur.Version}); err != nil {
		return false, e.persistence("sweep", missionID, err)
	}
	next.Version = cur.Version + 1
	e.raiseDeviation(ctx, next, "stalled", now)
	return true, nil
}

func (e *Engine) raiseDeviation(ctx context.Context, m model.Mission, reason string, at time.Time) {
	metrics.DeviationAlerts.WithLabelValues(reason).Inc()
	e.log.Warn("mission deviation", slog.String("action", "deviation"), slog.String("missionId", m.ID), slog.String("reason", reason))
	data := map[string]any{"reason": reason, "status": m.Status}
	if p := m.Progress; p != nil {
		data["distanceMeters"] = p.LastMeters
		data["bestMeters"] = p.BestMeters
	}
	e.publish(ctx, notify.NewEvent(notify.TypeDeviation, m.ID, at, data))
}

func (e *Engine) recordTransitions(ctx context.Context, from model.Status, m model.Mission, entries []model.HistoryEntry) {
	for _, h := range entries {
		cause, _, _ := strings.Cut(h.CausedBy, ":")
		metrics.Transitions.WithLabelValues(string(from), string(h.Status), cause).Inc()
		e.log.Info("mission transition", slog.String("action", "transition"), slog.String("missionId", m.ID),
			slog.String("from", string(from)), slog.String("to", string(h.Status)), slog.String("causedBy", h.CausedBy))
		e.publish(ctx, notify.NewEvent(notify.TypeStatusChanged, m.ID, h.At, map[string]any{
			"from":        from,
			"to":          h.Status,
			"statusLabel": h.Status.Label(),
			"causedBy":    h.CausedBy,
			"version":     m.Version,
		}))
		from = h.Status
	}
}

func geofenceNotification(ev model.GeofenceEvent) notify.Event {
	typ := notify.TypeGeofenceArrival
	if ev.Kind == model.Departure {
		typ = notify.TypeGeofenceDeparture
	}
	return notify.NewEvent(typ, ev.MissionID, ev.At, map[string]any{
		"eventId":    ev.ID,
		"siteId":     ev.SiteID,
		"role":       ev.Role,
		"sequenceId": ev.TriggeringSequenceID,
		"deviceId":   ev.DeviceID,
		"applied":    ev.Applied,
	})
}

func (e *Engine) publish(ctx context.Context, evt notify.Event) {
	e.notifier.Notify(context.WithoutCancel(ctx), evt)
}

func (e *Engine) scheduleETA(m model.Mission) {
	if e.eta == nil || m.LastPosition == nil || m.Status.Terminal() {
		return
	}
	e.eta.Schedule(m)
}

func rejection(t mission.Trigger, err error) Rejection {
	metrics.RejectedTriggers.WithLabelValues(t.Name()).Inc()
	reason := err.Error()
	var te *model.TransitionError
	if errors.As(err, &te) && te.Reason != "" {
		reason = te.Reason
	}
	return Rejection{Trigger: t.Name(), Reason: reason}
}

func (e *Engine) loadErr(missionID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrUnknownMission, missionID)
	}
	return e.persistence("load", missionID, err)
}

func (e *Engine) persistence(action, missionID string, err error) error {
	e.log.Error("store failure", slog.String("action", action), slog.String("missionId", missionID), slog.Any("error", err))
	return fmt.Errorf("%w: %w", model.ErrPersistence, err)
}

// Locked reports how many missions currently hold engine lock state.
func (e *Engine) Locked() int { return e.locks.Len() }
