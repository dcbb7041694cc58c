// Package config loads service settings. Defaults are applied first, then an
// optional YAML file named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	AMQP      AMQP      `yaml:"amqp"`
	Kafka     Kafka     `yaml:"kafka"`
	ETA       ETA       `yaml:"eta"`
	Tracking  Tracking  `yaml:"tracking"`
	Reconcile Reconcile `yaml:"reconcile"`
	Webhooks  Webhooks  `yaml:"webhooks"`
	Log       Log       `yaml:"log"`
	RateLimit RateLimit `yaml:"rateLimit"`
}

type Server struct {
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

type Database struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type Redis struct {
	URL string `yaml:"url"`
}

type AMQP struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ETA configures the routing provider and the refresh workers.
type ETA struct {
	APIKey           string        `yaml:"apiKey"`
	BaseURL          string        `yaml:"baseUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	Fallback         bool          `yaml:"fallback"`
	FallbackSpeedKmh float64       `yaml:"fallbackSpeedKmh"`
	RPS              float64       `yaml:"rps"`
	Burst            int           `yaml:"burst"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queueSize"`
}

// Tracking holds geofence and deviation thresholds plus the client-facing
// capture settings served at /v1/config/tracking.
type Tracking struct {
	GeofenceRadiusM     float64       `yaml:"geofenceRadiusM"`
	MaxAccuracyM        float64       `yaml:"maxAccuracyM"`
	DeviationToleranceM float64       `yaml:"deviationToleranceM"`
	StallTimeout        time.Duration `yaml:"stallTimeout"`
	SweepInterval       time.Duration `yaml:"sweepInterval"`

	ReportIntervalMs  int    `yaml:"reportIntervalMs"`
	PositionTimeoutMs int    `yaml:"positionTimeoutMs"`
	Profile           string `yaml:"profile"`
	HighAccuracy      bool   `yaml:"highAccuracy"`

	OfflineQueueBytes  int64         `yaml:"offlineQueueBytes"`
	OfflineRetry       time.Duration `yaml:"offlineRetry"`
	OfflineMaxAttempts int           `yaml:"offlineMaxAttempts"`
}

// MaxCachedAgeMs is the oldest cached device fix a client may reuse.
func (t Tracking) MaxCachedAgeMs() int {
	if t.Profile == ProfilePrecise {
		return 0
	}
	return 5000
}

const (
	ProfileDefault = "default"
	ProfilePrecise = "precise"
)

type Reconcile struct {
	Deadline    time.Duration `yaml:"deadline"`
	Parallelism int           `yaml:"parallelism"`
}

type Webhooks struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Interval    time.Duration `yaml:"interval"`
}

type Log struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Server:   Server{Port: "8080", ReadHeaderTimeout: 5 * time.Second, ShutdownTimeout: 15 * time.Second},
		Database: Database{Migrate: true},
		AMQP:     AMQP{Exchange: "missions"},
		Kafka:    Kafka{Topic: "mission-events"},
		ETA: ETA{
			BaseURL:          "https://api.tomtom.com",
			Timeout:          5 * time.Second,
			FallbackSpeedKmh: 60,
			RPS:              5,
			Burst:            10,
			Workers:          4,
			QueueSize:        256,
		},
		Tracking: Tracking{
			GeofenceRadiusM:     200,
			DeviationToleranceM: 2000,
			StallTimeout:        30 * time.Minute,
			SweepInterval:       time.Minute,
			ReportIntervalMs:    15000,
			PositionTimeoutMs:   10000,
			Profile:             ProfileDefault,
			HighAccuracy:        true,
			OfflineQueueBytes:   50 << 20,
			OfflineRetry:        30 * time.Second,
			OfflineMaxAttempts:  5,
		},
		Reconcile: Reconcile{Deadline: 10 * time.Second, Parallelism: 4},
		Webhooks:  Webhooks{MaxAttempts: 8, Interval: time.Second},
		Log:       Log{Level: "info", Service: "missiontrack"},
	}
}

// Load builds the effective configuration.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Database.URL)
	boolean("DB_MIGRATE", &cfg.Database.Migrate)
	str("REDIS_URL", &cfg.Redis.URL)
	str("AMQP_URL", &cfg.AMQP.URL)
	str("AMQP_EXCHANGE", &cfg.AMQP.Exchange)
	if v, ok := lookup("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		cfg.Kafka.Brokers = splitAndTrim(v)
	}
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("TOMTOM_API_KEY", &cfg.ETA.APIKey)
	str("ETA_BASE_URL", &cfg.ETA.BaseURL)
	boolean("ETA_FALLBACK", &cfg.ETA.Fallback)
	num("GEOFENCE_RADIUS_M", &cfg.Tracking.GeofenceRadiusM)
	num("MAX_ACCURACY_M", &cfg.Tracking.MaxAccuracyM)
	duration("RECONCILE_DEADLINE", &cfg.Reconcile.Deadline)
	integer("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	str("LOG_LEVEL", &cfg.Log.Level)
	num("RATE_RPS", &cfg.RateLimit.RPS)
	integer("RATE_BURST", &cfg.RateLimit.Burst)
	return errors.Join(errs...)
}

func splitAndTrim(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Tracking.GeofenceRadiusM <= 0 {
		errs = append(errs, errors.New("tracking.geofenceRadiusM must be positive"))
	}
	if c.Tracking.MaxAccuracyM < 0 {
		errs = append(errs, errors.New("tracking.maxAccuracyM must not be negative"))
	}
	if c.Tracking.DeviationToleranceM < 0 {
		errs = append(errs, errors.New("tracking.deviationToleranceM must not be negative"))
	}
	if c.Tracking.Profile != ProfileDefault && c.Tracking.Profile != ProfilePrecise {
		errs = append(errs, fmt.Errorf("tracking.profile %q is not one of default, precise", c.Tracking.Profile))
	}
	if c.Reconcile.Deadline <= 0 {
		errs = append(errs, errors.New("reconcile.deadline must be positive"))
	}
	if c.Reconcile.Parallelism < 1 {
		errs = append(errs, errors.New("reconcile.parallelism must be at least 1"))
	}
	if c.ETA.Timeout <= 0 {
		errs = append(errs, errors.New("eta.timeout must be positive"))
	}
	if c.ETA.Fallback && c.ETA.FallbackSpeedKmh <= 0 {
		errs = append(errs, errors.New("eta.fallbackSpeedKmh must be positive when fallback is enabled"))
	}
	if c.ETA.Workers < 1 || c.ETA.QueueSize < 1 {
		errs = append(errs, errors.New("eta.workers and eta.queueSize must be at least 1"))
	}
	if c.Webhooks.MaxAttempts < 1 {
		errs = append(errs, errors.New("webhooks.maxAttempts must be at least 1"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rateLimit values must not be negative"))
	}
	return errors.Join(errs...)
}
