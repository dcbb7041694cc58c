package notify

import (
	"context"
	"sync"
)

// EventBroker fans events out to live stream subscribers of one mission.
type EventBroker interface {
	Subscribe(missionID string) chan Event
	Unsubscribe(missionID string, ch chan Event)
	Publish(missionID string, evt Event)
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // missionId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(missionID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[missionID] == nil {
		b.subs[missionID] = map[chan Event]struct{}{}
	}
	b.subs[missionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(missionID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[missionID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, missionID)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(missionID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[missionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports how many live streams are open for a mission.
func (b *Broker) Subscribers(missionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[missionID])
}

// BrokerNotifier adapts an EventBroker to Notifier.
type BrokerNotifier struct{ Broker EventBroker }

func (n BrokerNotifier) Notify(ctx context.Context, evt Event) {
	n.Broker.Publish(evt.MissionID, evt)
}
