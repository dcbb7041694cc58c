// Package eta estimates arrival times at a mission's next site through a
// traffic-aware routing provider. Estimates are informational and never
// feed back into mission status.
package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"missiontrack/internal/geo"
	"missiontrack/internal/metrics"
	"missiontrack/internal/model"
)

// Route is a provider's answer for one origin/destination pair.
type Route struct {
	Duration       time.Duration
	DistanceMeters float64
	TrafficDelay   time.Duration
}

type Provider interface {
	Route(ctx context.Context, from, to model.GeoPoint) (Route, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to model.GeoPoint) (Route, error)

func (f ProviderFunc) Route(ctx context.Context, from, to model.GeoPoint) (Route, error) {
	return f(ctx, from, to)
}

var errQuota = errors.New("provider quota exhausted")

type Options struct {
	Timeout          time.Duration
	Fallback         bool
	FallbackSpeedKmh float64
	RPS              float64
	Burst            int
	// BreakerFailures consecutive failures open the breaker for BreakerOpen.
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

type Estimator struct {
	provider Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	group    singleflight.Group
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewEstimator(p Provider, opts Options, log *slog.Logger) *Estimator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FallbackSpeedKmh <= 0 {
		opts.FallbackSpeedKmh = 60
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpen <= 0 {
		opts.BreakerOpen = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := opts.BreakerFailures
	e := &Estimator{provider: p, limiter: rate.NewLimiter(limit, burst), opts: opts, log: log, now: time.Now}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eta-provider",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		IsSuccessful: func(err error) bool {
			// quota rejections do not count against the provider
			return err == nil || errors.Is(err, errQuota)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("eta breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return e
}

// Estimate computes the ETA from a position to a mission site. Provider
// failures surface as model.ErrProviderUnavailable unless the straight-line
// fallback is enabled.
func (e *Estimator) Estimate(ctx context.Context, from model.GeoPoint, dest model.Geofence) (model.ETA, error) {
	key := fmt.Sprintf("%.5f,%.5f>%.5f,%.5f", from.Lat, from.Lng, dest.Center.Lat, dest.Center.Lng)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.route(ctx, from, dest.Center)
	})
	now := e.now().UTC()
	if err != nil {
		if e.opts.Fallback {
			metrics.ETARequests.WithLabelValues("fallback").Inc()
			e.log.Warn("eta provider degraded, using straight-line estimate", slog.String("missionId", dest.MissionID), slog.Any("error", err))
			return e.fallback(from, dest, now), nil
		}
		metrics.ETARequests.WithLabelValues("unavailable").Inc()
		e.log.Warn("eta provider unavailable", slog.String("missionId", dest.MissionID), slog.Any("error", err))
		return model.ETA{}, fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
	}
	metrics.ETARequests.WithLabelValues("ok").Inc()
	r := v.(Route)
	return model.ETA{
		MissionID:         dest.MissionID,
		DestinationSiteID: dest.SiteID,
		Role:              dest.Role,
		Duration:          r.Duration,
		DurationMinutes:   int(math.Round(r.Duration.Minutes())),
		ArrivalAt:         now.Add(r.Duration),
		DistanceMeters:    r.DistanceMeters,
		TrafficDelay:      r.TrafficDelay,
		Confidence:        model.ConfidenceHigh,
		Source:            "provider",
		ComputedAt:        now,
	}, nil
}

func (e *Estimator) route(ctx context.Context, from, to model.GeoPoint) (Route, error) {
	if e.provider == nil {
		return Route{}, errors.New("no provider configured")
	}
	if !e.limiter.Allow() {
		return Route{}, errQuota
	}
	start := time.Now()
	v, err := e.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)
		defer cancel()
		return e.provider.Route(cctx, from, to)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ETALatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return Route{}, err
	}
	return v.(Route), nil
}

func (e *Estimator) fallback(from model.GeoPoint, dest model.Geofence, now time.Time) model.ETA {
	d := geo.DistanceMeters(from, dest.Center)
	hours := (d / 1000) / e.opts.FallbackSpeedKmh
	dur := time.Duration(hours * float64(time.Hour)).Round(time.Second)
	return model.ETA{
		MissionID:         dest.MissionID,
		DestinationSiteID: dest.SiteID,
		Role:              dest.Role,
		Duration:          dur,
		DurationMinutes:   int(math.Round(dur.Minutes())),
		ArrivalAt:         now.Add(dur),
		DistanceMeters:    d,
		Confidence:        model.ConfidenceLow,
		Source:            "fallback",
		ComputedAt:        now,
	}
}
