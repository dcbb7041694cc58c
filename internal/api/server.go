package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"missiontrack/internal/config"
	"missiontrack/internal/engine"
	"missiontrack/internal/eta"
	"missiontrack/internal/metrics"
	"missiontrack/internal/notify"
	"missiontrack/internal/reconcile"
	"missiontrack/internal/store"
	"missiontrack/internal/webhooks"
)

type Server struct {
	Config     config.Config
	Store      store.Store
	Engine     *engine.Engine
	Reconciler *reconcile.Reconciler
	ETA        *eta.Refresher
	Broker     notify.EventBroker
	Pub        *webhooks.Publisher
	Log        *slog.Logger

	limiter *clientLimiter
	closers []func() error
}

// NewServer wires the service from cfg. Without DATABASE_URL the in-memory
// store is used; without REDIS_URL live streams stay in-process.
func NewServer(cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	metrics.RegisterDefault()
	s := &Server{Config: cfg, Log: log}

	if strings.TrimSpace(cfg.Database.URL) == "" {
		s.Store = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := sp.Migrate(ctx)
			cancel()
			if err != nil {
				_ = sp.Close()
				return nil, err
			}
		}
		s.Store = sp
		s.closers = append(s.closers, sp.Close)
	}

	if cfg.Redis.URL != "" {
		rb, err := notify.NewRedisBroker(cfg.Redis.URL, log)
		if err != nil {
			log.Warn("redis broker unavailable, using in-process broker", slog.Any("error", err))
			s.Broker = notify.NewBroker()
		} else {
			s.Broker = rb
			s.closers = append(s.closers, rb.Close)
		}
	} else {
		s.Broker = notify.NewBroker()
	}

	s.Pub = webhooks.NewPublisher(s.Store, log)
	sinks := notify.Fanout{notify.BrokerNotifier{Broker: s.Broker}, s.Pub}
	if cfg.AMQP.URL != "" {
		sink, err := notify.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			log.Warn("amqp sink disabled", slog.Any("error", err))
		} else {
			async := notify.NewAsync("amqp", sink, 1024, log)
			sinks = append(sinks, async)
			s.closers = append(s.closers, func() error { async.Close(); return sink.Close() })
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		async := notify.NewAsync("kafka", sink, 1024, log)
		sinks = append(sinks, async)
		s.closers = append(s.closers, func() error { async.Close(); return sink.Close() })
	}

	var provider eta.Provider
	if cfg.ETA.APIKey != "" {
		provider = eta.NewTomTom(cfg.ETA.BaseURL, cfg.ETA.APIKey, cfg.ETA.Timeout)
	}
	est := eta.NewEstimator(provider, eta.Options{
		Timeout:          cfg.ETA.Timeout,
		Fallback:         cfg.ETA.Fallback,
		FallbackSpeedKmh: cfg.ETA.FallbackSpeedKmh,
		RPS:              cfg.ETA.RPS,
		Burst:            cfg.ETA.Burst,
	}, log)
	s.ETA = eta.NewRefresher(est, s.Store, sinks, log, cfg.ETA.Workers, cfg.ETA.QueueSize)

	s.Engine = engine.New(s.Store, sinks, log, engine.Options{
		DefaultRadiusM:      cfg.Tracking.GeofenceRadiusM,
		MaxAccuracyM:        cfg.Tracking.MaxAccuracyM,
		DeviationToleranceM: cfg.Tracking.DeviationToleranceM,
		StallTimeout:        cfg.Tracking.StallTimeout,
	})
	s.Engine.SetETAScheduler(s.ETA)
	s.Reconciler = reconcile.New(s.Engine, cfg.Reconcile.Deadline, cfg.Reconcile.Parallelism, log)
	s.limiter = newClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	return s, nil
}

// Run starts the background workers and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	worker := webhooks.NewWorker(s.Store, s.Config.Webhooks.MaxAttempts, s.Log)
	if s.Config.Webhooks.Interval > 0 {
		worker.Interval = s.Config.Webhooks.Interval
	}
	wg.Add(3)
	go func() { defer wg.Done(); worker.Run(ctx) }()
	go func() { defer wg.Done(); s.ETA.Run(ctx) }()
	go func() { defer wg.Done(); s.sweep(ctx) }()
	wg.Wait()
}

func (s *Server) sweep(ctx context.Context) {
	interval := s.Config.Tracking.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n, err := s.Engine.SweepStalled(ctx, now); err != nil {
				s.Log.Warn("stall sweep failed", slog.Any("error", err))
			} else if n > 0 {
				s.Log.Info("stall sweep raised deviations", slog.Int("count", n))
			}
		}
	}
}

// Close flushes async sinks and releases connections.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, metricsMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/missions", s.DispatchHandler).Methods(http.MethodPost)
	v1.HandleFunc("/missions", s.ListMissionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}", s.GetMissionHandler).Methods(http.MethodGet)
	v1.Handle("/missions/{id}/positions", s.rateLimited(http.HandlerFunc(s.PositionsHandler))).Methods(http.MethodPost)
	v1.HandleFunc("/missions/{id}/commands", s.CommandHandler).Methods(http.MethodPost)
	v1.Handle("/missions/{id}/sync", s.rateLimited(http.HandlerFunc(s.SyncHandler))).Methods(http.MethodPost)
	v1.HandleFunc("/missions/{id}/track", s.TrackHandler).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/events", s.EventsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/eta", s.ETAHandler).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/stream", s.StreamHandler).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/ws", s.WSHandler).Methods(http.MethodGet)
	v1.Handle("/sync", s.rateLimited(http.HandlerFunc(s.BatchSyncHandler))).Methods(http.MethodPost)
	v1.HandleFunc("/config/tracking", s.TrackingConfigHandler).Methods(http.MethodGet)

	v1.HandleFunc("/subscriptions", s.CreateSubscriptionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", s.ListSubscriptionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", s.DeleteSubscriptionHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/admin/webhook-deliveries", s.WebhookDeliveriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/admin/webhook-deliveries/{id}/retry", s.WebhookDeliveryRetryHandler).Methods(http.MethodPost)
	v1.HandleFunc("/admin/webhook-dlq", s.WebhookDLQHandler).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/buildinfo", s.DebugJSON).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", req.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", req.Method, req.URL.Path)
	})
	return r
}
