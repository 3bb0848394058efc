package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wideobs/widewatch/internal/models"
)

type recordingSink struct {
	name string
	fail bool

	mu     sync.Mutex
	events []models.NotificationEvent
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, ev models.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) recorded() []models.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NotificationEvent{}, s.events...)
}

func event(id string, kind models.TransitionKind) models.NotificationEvent {
	return models.NotificationEvent{
		ID:       id,
		SeriesID: "s1",
		Kind:     kind,
		Message:  models.FormatTransitionMessage("s1", kind, 110, 100, 4.2),
	}
}

func TestDispatchDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := New([]Sink{a, b}, 8)
	d.Start(context.Background())

	d.Dispatch(event("e1", models.TransitionOpened))
	d.Dispatch(event("e2", models.TransitionResolved))
	d.Close()

	for _, s := range []*recordingSink{a, b} {
		got := s.recorded()
		if len(got) != 2 {
			t.Fatalf("Sink %s: expected 2 events, got %d", s.name, len(got))
		}
		if got[0].ID != "e1" || got[1].ID != "e2" {
			t.Errorf("Sink %s: events out of order: %s, %s", s.name, got[0].ID, got[1].ID)
		}
	}
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: true}
	good := &recordingSink{name: "good"}
	d := New([]Sink{bad, good}, 8)
	d.Start(context.Background())

	d.Dispatch(event("e1", models.TransitionOpened))
	d.Close()

	if len(good.recorded()) != 1 {
		t.Errorf("Healthy sink missed the event after the failing sink errored")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	s := &recordingSink{name: "slow"}
	d := New([]Sink{s}, 64)
	d.Start(context.Background())

	for i := 0; i < 50; i++ {
		d.Dispatch(event(fmt.Sprintf("e%d", i), models.TransitionOpened))
	}
	d.Close()

	if got := len(s.recorded()); got != 50 {
		t.Errorf("Expected 50 delivered events after Close, got %d", got)
	}
}

func TestCloseReleasesBlockedDispatch(t *testing.T) {
	// No worker running: the size-1 queue fills and the second Dispatch
	// blocks. Close must release it without a send-on-closed-channel panic.
	d := New([]Sink{&recordingSink{name: "a"}}, 1)
	d.Dispatch(event("e1", models.TransitionOpened))

	released := make(chan struct{})
	go func() {
		d.Dispatch(event("e2", models.TransitionOpened))
		close(released)
	}()

	time.Sleep(10 * time.Millisecond)
	d.Close()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch still blocked after Close")
	}
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	s := &recordingSink{name: "a"}
	d := New([]Sink{s}, 4)
	d.Start(context.Background())
	d.Close()

	// Must neither panic nor block.
	d.Dispatch(event("late", models.TransitionResolved))
	if len(s.recorded()) != 0 {
		t.Errorf("Event delivered after close: %v", s.recorded())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := New([]Sink{&recordingSink{name: "a"}}, 1)
	d.Start(context.Background())
	d.Close()
	d.Close()
}

func TestWebhookSinkPayload(t *testing.T) {
	var got webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode payload: %v", err)
		}
	}))
	defer ts.Close()

	sink := NewWebhookSink(ts.URL, 5*time.Second, 1, time.Millisecond)
	ev := models.NotificationEvent{
		ID:            "ev-1",
		SeriesID:      "api_latency",
		IncidentID:    "inc-1",
		DedupKey:      "key-1",
		Kind:          models.TransitionOpened,
		Timestamp:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Severity:      models.SeverityCritical,
		PeakDeviation: 6.5,
		Value:         512.5,
		Expected:      100,
		Message:       models.FormatTransitionMessage("api_latency", models.TransitionOpened, 512.5, 100, 6.5),
	}
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Series != "api_latency" || got.IncidentID != "inc-1" || got.Transition != "opened" {
		t.Errorf("Payload identity fields diverged: %+v", got)
	}
	if got.Severity != "critical" || got.PeakDeviation != 6.5 {
		t.Errorf("Payload severity fields diverged: %+v", got)
	}
	if got.Timestamp != "2026-03-02T12:00:00Z" {
		t.Errorf("Expected RFC3339 timestamp, got %s", got.Timestamp)
	}
}

func TestWebhookSinkRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	sink := NewWebhookSink(ts.URL, 5*time.Second, 3, time.Millisecond)
	if err := sink.Send(context.Background(), event("e1", models.TransitionOpened)); err != nil {
		t.Fatalf("Expected recovery after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestWebhookSinkExhaustsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := NewWebhookSink(ts.URL, 5*time.Second, 2, time.Millisecond)
	if err := sink.Send(context.Background(), event("e1", models.TransitionOpened)); err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
}

func TestLogSinkNeverFails(t *testing.T) {
	var s LogSink
	if err := s.Send(context.Background(), event("e1", models.TransitionEscalated)); err != nil {
		t.Errorf("LogSink returned error: %v", err)
	}
}
