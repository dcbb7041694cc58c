package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every API
// instance sees events committed by any other instance.
type RedisBroker struct {
	rdb *redis.Client
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedisBroker(url string, log *slog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{rdb: redis.NewClient(opt), log: log, subs: map[chan Event]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Subscribe(missionID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(missionID))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", slog.String("missionId", missionID), slog.Any("err", err))
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer b.release(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the PubSub; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(missionID string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) release(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *RedisBroker) Publish(missionID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := b.rdb.Publish(ctx, b.chanName(missionID), data).Err(); err != nil {
		b.log.Warn("redis publish failed", slog.String("missionId", missionID), slog.Any("err", err))
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(missionID string) string { return "mission:" + missionID }
