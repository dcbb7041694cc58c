package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"missiontrack/internal/model"
	"missiontrack/internal/notify"
	"missiontrack/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 3, nil)
	w.HTTP = srv.Client()
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "", notify.TypeStatusChanged, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce(context.Background())

	if gotSig == "" || gotType != notify.TypeStatusChanged {
		t.Fatalf("missing signature/type headers: sig=%q type=%q", gotSig, gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature does not verify")
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_Fail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 1, nil)
	w.HTTP = srv.Client()
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "", notify.TypeDeviation, srv.URL, "", []byte(`{}`))
	w.processOnce(context.Background())
	if len(rs.fails) == 0 || rs.fails[0].Code != 500 {
		t.Fatalf("expected fail recorded, got %+v", rs.fails)
	}
	dlq, _, _ := rs.ListWebhookDLQ(context.Background(), "", 10)
	if len(dlq) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlq))
	}
}

func TestWorkerRetriesBeforeDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 3, nil)
	w.HTTP = srv.Client()
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "", notify.TypeDeviation, srv.URL, "", []byte(`{}`))
	w.processOnce(context.Background())
	if len(rs.marks) != 1 || rs.marks[0].Success || len(rs.fails) != 0 {
		t.Fatalf("expected a retry mark, got marks=%+v fails=%+v", rs.marks, rs.fails)
	}
}

func TestPublisherEnqueuesMatchingSubscriptions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a", Events: []string{notify.TypeStatusChanged}})
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b", Events: []string{notify.TypeDeviation}})
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://c", Events: []string{"*"}})
	p := NewPublisher(mem, nil)
	evt := notify.NewEvent(notify.TypeStatusChanged, "m1", time.Now(), map[string]any{"to": "LOADED"})
	p.Notify(ctx, evt)
	items, err := mem.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil || len(items) != 2 {
		t.Fatalf("want 2 deliveries, got %d (%v)", len(items), err)
	}
	var decoded notify.Event
	if err := json.Unmarshal(items[0].Payload, &decoded); err != nil || decoded.ID != evt.ID {
		t.Fatalf("payload mismatch: %s", items[0].Payload)
	}
}

func TestNextBackoff(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatalf("unexpected backoff sequence")
	}
	if nextBackoff(50) != 1024*time.Second {
		t.Fatalf("backoff should cap at 2^10 s, got %v", nextBackoff(50))
	}
}
