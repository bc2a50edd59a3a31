package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/priorauth/browseragent/internal/dedup"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
)

// fakeSource lets a test hand-feed a fixed set of IncomingMessages to the
// Consumer's handler without a real broker connection.
type fakeSource struct {
	messages []pubsubtopic.IncomingMessage
}

func (f *fakeSource) Receive(ctx context.Context, handler func(pubsubtopic.IncomingMessage)) error {
	for _, m := range f.messages {
		handler(m)
	}
	return nil
}

type fakeProgress struct {
	mu       sync.Mutex
	statuses map[string]domain.RequestStatus
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{statuses: make(map[string]domain.RequestStatus)}
}

func (f *fakeProgress) UpdateStatus(_ context.Context, requestID string, status domain.RequestStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[requestID] = status
	return nil
}

func ackTrackingMessage(requestID string, body []byte) (pubsubtopic.IncomingMessage, *int32, *int32) {
	var acked, nacked int32
	return pubsubtopic.IncomingMessage{
		RequestID: requestID,
		Data:      body,
		Ack:       func() { atomic.AddInt32(&acked, 1) },
		Nack:      func() { atomic.AddInt32(&nacked, 1) },
	}, &acked, &nacked
}

func TestDuplicateDeliveryProducesOnePlannerPOST(t *testing.T) {
	var postCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&postCount, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	body, _ := json.Marshal(domain.WorkMessage{RequestID: "r1", BatchID: "b1", Payload: map[string]any{"x": 1}})
	msg1, acked1, _ := ackTrackingMessage("r1", body)
	msg2, acked2, _ := ackTrackingMessage("r1", body)

	cfg := Config{ProcessorURL: server.URL, InflightTTL: time.Minute, ProcessedTTL: time.Hour, PlannerTimeout: 5 * time.Second, AckOnPlannerFailure: true}
	c := New(cfg, &fakeSource{}, dedup.NewMemory(context.Background(), time.Hour), newFakeProgress())

	ctx := context.Background()
	c.handle(ctx, msg1)
	c.handle(ctx, msg2)

	if postCount != 1 {
		t.Errorf("expected exactly one planner POST, got %d", postCount)
	}
	if *acked1 != 1 || *acked2 != 1 {
		t.Error("expected both deliveries to be acked")
	}
}

func TestMalformedMessageIsAckedAndDropped(t *testing.T) {
	msg, acked, _ := ackTrackingMessage("", []byte("not json"))
	cfg := Config{InflightTTL: time.Minute, ProcessedTTL: time.Hour, PlannerTimeout: time.Second}
	c := New(cfg, &fakeSource{}, dedup.NewMemory(context.Background(), time.Hour), newFakeProgress())

	c.handle(context.Background(), msg)

	if *acked != 1 {
		t.Error("expected malformed message to be acked")
	}
}

func TestPlannerNon2xxAcksByDefaultPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	body, _ := json.Marshal(domain.WorkMessage{RequestID: "r2", BatchID: "b1"})
	msg, acked, nacked := ackTrackingMessage("r2", body)

	cfg := Config{ProcessorURL: server.URL, InflightTTL: time.Minute, ProcessedTTL: time.Hour, PlannerTimeout: 5 * time.Second, AckOnPlannerFailure: true}
	c := New(cfg, &fakeSource{}, dedup.NewMemory(context.Background(), time.Hour), newFakeProgress())

	c.handle(context.Background(), msg)

	if *acked != 1 || *nacked != 0 {
		t.Errorf("expected ack on planner failure with AckOnPlannerFailure=true, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestPlannerNon2xxNacksWhenConfigured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	body, _ := json.Marshal(domain.WorkMessage{RequestID: "r3", BatchID: "b1"})
	msg, acked, nacked := ackTrackingMessage("r3", body)

	cfg := Config{ProcessorURL: server.URL, InflightTTL: time.Minute, ProcessedTTL: time.Hour, PlannerTimeout: 5 * time.Second, AckOnPlannerFailure: false}
	c := New(cfg, &fakeSource{}, dedup.NewMemory(context.Background(), time.Hour), newFakeProgress())

	c.handle(context.Background(), msg)

	if *nacked != 1 || *acked != 0 {
		t.Errorf("expected nack when AckOnPlannerFailure=false, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestSuccessfulPlannerPOSTSetsRunningStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	body, _ := json.Marshal(domain.WorkMessage{RequestID: "r4", BatchID: "b1"})
	msg, _, _ := ackTrackingMessage("r4", body)

	progress := newFakeProgress()
	cfg := Config{ProcessorURL: server.URL, InflightTTL: time.Minute, ProcessedTTL: time.Hour, PlannerTimeout: 5 * time.Second, AckOnPlannerFailure: true}
	c := New(cfg, &fakeSource{}, dedup.NewMemory(context.Background(), time.Hour), progress)

	c.handle(context.Background(), msg)

	if progress.statuses["r4"] != domain.RequestRunning {
		t.Errorf("expected Running status, got %v", progress.statuses["r4"])
	}
}
