// Command driversim drives a mission from pickup to delivery the way a driver
// tablet would: it samples positions along a straight line, issues the
// loading and unloading commands, and goes offline at intervals so buffered
// entries reach the server through the sync endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"missiontrack/internal/geo"
	"missiontrack/internal/logging"
	"missiontrack/internal/model"
	"missiontrack/internal/offlinequeue"
)

type sim struct {
	base    string
	mission string
	device  string
	log     *slog.Logger
	client  *http.Client

	q         *offlinequeue.Queue
	sender    *offlinequeue.HTTPSender
	queueFile string
	seq       int64
	clock     time.Time
	online    bool
}

func main() {
	var (
		base       = flag.String("base", "http://localhost:8080", "api base URL")
		missionID  = flag.String("mission", "sim-1", "mission id")
		deviceID   = flag.String("device", "tablet-1", "device id")
		dispatch   = flag.Bool("dispatch", true, "dispatch the mission before driving it")
		pickup     = flag.String("pickup", "48.8566,2.3522", "pickup lat,lng")
		delivery   = flag.String("delivery", "48.9000,2.4500", "delivery lat,lng")
		steps      = flag.Int("steps", 20, "position samples between the sites")
		step       = flag.Duration("step", 2*time.Minute, "simulated time between samples")
		pace       = flag.Duration("pace", 200*time.Millisecond, "wall-clock delay between samples")
		offlineAt  = flag.Int("offline-every", 6, "go offline every N samples (0 disables)")
		offlineFor = flag.Int("offline-for", 3, "samples to stay offline")
		queueFile  = flag.String("queue-file", "", "persist the offline buffer to this file")
		level      = flag.String("log-level", "info", "log level")
	)
	flag.Parse()
	log := logging.New("driversim", *level, os.Stderr)

	from, err := parsePoint(*pickup)
	if err != nil {
		log.Error("bad -pickup", slog.Any("error", err))
		os.Exit(2)
	}
	to, err := parsePoint(*delivery)
	if err != nil {
		log.Error("bad -delivery", slog.Any("error", err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &sim{
		base:      strings.TrimRight(*base, "/"),
		mission:   *missionID,
		device:    *deviceID,
		log:       log.With(slog.String("missionId", *missionID), slog.String("deviceId", *deviceID)),
		client:    &http.Client{Timeout: 15 * time.Second},
		sender:    offlinequeue.NewHTTPSender(*base, *deviceID),
		queueFile: *queueFile,
		clock:     time.Now().UTC(),
		online:    true,
	}
	opts := s.trackingOptions(ctx)
	if *queueFile != "" {
		s.q, err = offlinequeue.LoadFile(*queueFile, *missionID, opts)
		if err != nil {
			log.Error("load offline queue", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		s.q = offlinequeue.New(*missionID, opts)
	}

	if *dispatch {
		if err := s.dispatch(ctx, from, to); err != nil {
			log.Error("dispatch failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := s.drive(ctx, from, to, *steps, *step, *pace, *offlineAt, *offlineFor); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("simulation failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func parsePoint(v string) (model.GeoPoint, error) {
	var p model.GeoPoint
	if _, err := fmt.Sscanf(v, "%f,%f", &p.Lat, &p.Lng); err != nil {
		return p, fmt.Errorf("%q: want lat,lng: %w", v, err)
	}
	if !p.Valid() {
		return p, fmt.Errorf("%q: out of range", v)
	}
	return p, nil
}

// trackingOptions sizes the offline buffer from the server's tracking
// config, keeping the package defaults when it is unreachable.
func (s *sim) trackingOptions(ctx context.Context) offlinequeue.Options {
	opts := offlinequeue.DefaultOptions()
	var cfg struct {
		OfflineQueueBytes  int64 `json:"offlineQueueBytes"`
		OfflineRetryMs     int64 `json:"offlineRetryMs"`
		OfflineMaxAttempts int   `json:"offlineMaxAttempts"`
	}
	if err := s.get(ctx, "/v1/config/tracking", &cfg); err != nil {
		s.log.Warn("tracking config unavailable, using defaults", slog.Any("error", err))
		return opts
	}
	if cfg.OfflineQueueBytes > 0 {
		opts.MaxBytes = cfg.OfflineQueueBytes
	}
	if cfg.OfflineRetryMs > 0 {
		opts.RetryInterval = time.Duration(cfg.OfflineRetryMs) * time.Millisecond
	}
	if cfg.OfflineMaxAttempts > 0 {
		opts.MaxAttempts = cfg.OfflineMaxAttempts
	}
	return opts
}

func (s *sim) dispatch(ctx context.Context, from, to model.GeoPoint) error {
	req := model.DispatchRequest{
		ID:       s.mission,
		DriverID: s.device,
		Pickup:   model.SiteInput{Center: from, Name: "pickup"},
		Delivery: model.SiteInput{Center: to, Name: "delivery"},
	}
	status, err := s.post(ctx, "/v1/missions", req)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated:
		s.log.Info("mission dispatched")
	case http.StatusConflict:
		s.log.Info("mission already dispatched")
	default:
		return fmt.Errorf("dispatch: status %d", status)
	}
	return nil
}

func (s *sim) drive(ctx context.Context, from, to model.GeoPoint, steps int, step, pace time.Duration, offlineAt, offlineFor int) error {
	if steps < 2 {
		steps = 2
	}
	s.command(ctx, model.CmdAccept)
	s.command(ctx, model.CmdDepart)
	s.clock = s.clock.Add(time.Minute)
	s.report(ctx, from)
	s.command(ctx, model.CmdStartLoading)
	s.command(ctx, model.CmdMarkLoaded)

	offlineLeft := 0
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx.Err())
		case <-time.After(pace):
		}
		if offlineLeft == 0 && offlineAt > 0 && i%offlineAt == 0 && i < steps {
			offlineLeft = offlineFor
			s.online = false
			s.log.Info("connectivity lost", slog.Int("samples", offlineFor))
		}
		s.clock = s.clock.Add(step)
		s.report(ctx, geo.Interpolate(from, to, float64(i)/float64(steps)))
		if offlineLeft > 0 {
			offlineLeft--
			if offlineLeft == 0 {
				s.online = true
				s.log.Info("connectivity restored", slog.Int("buffered", s.q.Len()))
				s.flush(ctx)
			}
		}
	}
	s.online = true
	s.flush(ctx)
	s.command(ctx, model.CmdStartUnloading)
	s.command(ctx, model.CmdMarkUnloaded)
	s.flush(ctx)

	var m struct {
		Status      string `json:"status"`
		StatusLabel string `json:"statusLabel"`
	}
	if err := s.get(ctx, "/v1/missions/"+s.mission, &m); err != nil {
		return s.shutdown(err)
	}
	s.log.Info("simulation finished", slog.String("status", m.Status), slog.String("label", m.StatusLabel))
	return s.shutdown(nil)
}

func (s *sim) report(ctx context.Context, p model.GeoPoint) {
	s.seq++
	r := model.PositionReport{
		MissionID:      s.mission,
		DeviceID:       s.device,
		Lat:            p.Lat,
		Lon:            p.Lng,
		AccuracyMeters: 10,
		CapturedAt:     s.clock,
		SequenceID:     s.seq,
	}
	if err := s.q.AddReport(r); err != nil {
		s.log.Warn("report dropped", slog.Int64("seq", s.seq), slog.Any("error", err))
		return
	}
	s.flush(ctx)
}

func (s *sim) command(ctx context.Context, typ model.CommandType) {
	s.seq++
	s.clock = s.clock.Add(time.Minute)
	c := model.Command{
		MissionID:  s.mission,
		Type:       typ,
		Actor:      "driver:" + s.device,
		DeviceID:   s.device,
		SequenceID: s.seq,
		CapturedAt: s.clock,
	}
	if err := s.q.AddCommand(c); err != nil {
		s.log.Warn("command dropped", slog.String("type", string(typ)), slog.Any("error", err))
		return
	}
	s.flush(ctx)
}

// flush sends the buffer when the simulated link is up.
func (s *sim) flush(ctx context.Context) {
	if !s.online || s.q.Len() == 0 {
		return
	}
	ack, err := s.q.Flush(ctx, s.sender)
	if err != nil {
		state, attempts, _ := s.q.State()
		s.log.Warn("sync failed", slog.String("state", string(state)), slog.Int("attempts", attempts), slog.Any("error", err))
		return
	}
	s.log.Info("synced", slog.Int64("checkpointSeq", ack.CheckpointSeq), slog.Bool("complete", ack.Complete), slog.Int("remaining", s.q.Len()))
}

func (s *sim) shutdown(cause error) error {
	if s.queueFile != "" && s.q.Len() > 0 {
		if err := s.q.SaveFile(s.queueFile); err != nil {
			return errors.Join(cause, err)
		}
		s.log.Info("offline buffer saved", slog.String("file", s.queueFile), slog.Int("entries", s.q.Len()))
	}
	return cause
}

func (s *sim) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *sim) post(ctx context.Context, path string, body any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", s.device)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
