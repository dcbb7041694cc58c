package api

import (
	"net/http"
	"time"

	"missiontrack/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":               cfg.Server.Port,
			"logLevel":           cfg.Log.Level,
			"rateRps":            cfg.RateLimit.RPS,
			"rateBurst":          cfg.RateLimit.Burst,
			"webhookMaxAttempts": cfg.Webhooks.MaxAttempts,
			"reconcileDeadline":  cfg.Reconcile.Deadline.String(),
			"etaFallback":        cfg.ETA.Fallback,
			"hasEtaApiKey":       cfg.ETA.APIKey != "",
			"hasDatabaseUrl":     cfg.Database.URL != "",
			"hasRedisUrl":        cfg.Redis.URL != "",
			"hasAmqpUrl":         cfg.AMQP.URL != "",
			"kafkaBrokers":       len(cfg.Kafka.Brokers),
		},
	})
}
