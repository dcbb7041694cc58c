package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"missiontrack/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends events to a topic keyed by mission id, so one
// mission's events stay ordered within a partition.
type KafkaSink struct {
	w   messageWriter
	log *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, log *slog.Logger) *KafkaSink {
	if log == nil {
		log = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaSink{w: w, log: log.With(slog.String("component", "kafka-sink"))}
}

func (k *KafkaSink) Notify(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg := kafka.Message{
		Key:     []byte(evt.MissionID),
		Value:   body,
		Time:    evt.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		metrics.Notifications.WithLabelValues("kafka", "error").Inc()
		k.log.Warn("kafka write failed", slog.String("type", evt.Type), slog.String("missionId", evt.MissionID), slog.Any("err", err))
		return
	}
	metrics.Notifications.WithLabelValues("kafka", "ok").Inc()
}

func (k *KafkaSink) Close() error { return k.w.Close() }
