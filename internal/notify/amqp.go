package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"missiontrack/internal/metrics"
)

// AMQPSink publishes events to a topic exchange with publisher confirms.
// The routing key is the event type, e.g. "mission.status_changed".
type AMQPSink struct {
	url      string
	exchange string
	log      *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

func NewAMQPSink(url, exchange string, log *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = "missions"
	}
	if log == nil {
		log = slog.Default()
	}
	s := &AMQPSink{url: url, exchange: exchange, log: log.With(slog.String("component", "amqp-sink"))}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connectLocked() error {
	conn, err := amqp.DialConfig(s.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", s.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp confirm mode: %w", err)
	}
	s.conn, s.ch = conn, ch
	s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	s.log.Info("amqp connected", slog.String("exchange", s.exchange))
	return nil
}

func (s *AMQPSink) Notify(ctx context.Context, evt Event) {
	if err := s.Publish(ctx, evt); err != nil {
		metrics.Notifications.WithLabelValues("amqp", "error").Inc()
		s.log.Warn("amqp publish failed", slog.String("type", evt.Type), slog.String("missionId", evt.MissionID), slog.Any("err", err))
		return
	}
	metrics.Notifications.WithLabelValues("amqp", "ok").Inc()
}

// Publish sends one persistent message and waits for the broker confirm.
func (s *AMQPSink) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() || s.ch == nil || s.ch.IsClosed() {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, evt.Type, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Timestamp:    evt.At,
		Headers:      amqp.Table{"missionId": evt.MissionID},
		Body:         body,
	}); err != nil {
		return err
	}
	select {
	case c, ok := <-s.confirms:
		if !ok {
			return errors.New("amqp: confirm stream closed")
		}
		if !c.Ack {
			return errors.New("amqp: publish not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.ch = nil, nil
	return err
}
