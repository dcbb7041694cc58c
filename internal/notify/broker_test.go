package notify

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	mid := "m1"
	ch := b.Subscribe(mid)

	evt := Event{Type: TypeStatusChanged, MissionID: mid, Data: map[string]any{"x": 1}}
	b.Publish(mid, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(mid, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.Subscribers(mid); n != 0 {
		t.Fatalf("subscriber set leaked: %d", n)
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(mid, ch)
}

func TestBrokerIsolatesMissions(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe("a")
	defer b.Unsubscribe("a", a)
	b.Publish("b", Event{Type: TypeDeviation, MissionID: "b"})
	select {
	case evt := <-a:
		t.Fatalf("mission a received %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBrokerNotifierPublishesByMission(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("m9")
	defer b.Unsubscribe("m9", ch)
	BrokerNotifier{Broker: b}.Notify(t.Context(), Event{Type: TypeETAUpdated, MissionID: "m9"})
	select {
	case evt := <-ch:
		if evt.Type != TypeETAUpdated {
			t.Fatalf("type %s", evt.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout")
	}
}
