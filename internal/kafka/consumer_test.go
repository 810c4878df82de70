package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (f *fakeRecorder) RecordEvent(_ context.Context, event domain.SessionEvent) (bool, error) {
	if !event.Kind.Valid() {
		return false, domain.ErrInvalidEvent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return event.SessionID == "live", nil
}

func (f *fakeRecorder) recorded() []domain.SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionEvent(nil), f.events...)
}

// fakeSession and fakeClaim embed the sarama interfaces and override only what ConsumeClaim uses.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestConsumer(rec EventRecorder) *Consumer {
	cfg := &config.KafkaConfig{EventsTopic: "kaboom-game-events", GroupID: "test"}
	return newConsumer(cfg, rec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func message(t *testing.T, offset int64, v any) *sarama.ConsumerMessage {
	t.Helper()
	var raw []byte
	switch body := v.(type) {
	case string:
		raw = []byte(body)
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return &sarama.ConsumerMessage{Topic: "kaboom-game-events", Offset: offset, Value: raw}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name  string
		value any
		ok    bool
	}{
		{"applied", EventMessage{SessionID: "live", Kind: domain.EventScore, Amount: 10}, true},
		{"inactive session", EventMessage{SessionID: "gone", Kind: domain.EventScore, Amount: 10}, true},
		{"malformed json", "{not json", false},
		{"unknown kind", EventMessage{SessionID: "live", Kind: "teleport", Amount: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(&fakeRecorder{})
			if got := c.handle(context.Background(), message(t, 1, tt.value)); got != tt.ok {
				t.Fatalf("expected %v, got %v", tt.ok, got)
			}
		})
	}
}

func TestConsumeClaimMarksEveryMessage(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestConsumer(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}

	claim.messages <- message(t, 0, EventMessage{SessionID: "live", Kind: domain.EventEnemyKilled, Amount: 1})
	claim.messages <- message(t, 1, "garbage")
	claim.messages <- message(t, 2, EventMessage{SessionID: "live", Kind: domain.EventBombUsed, Amount: 2})
	close(claim.messages)

	handler := &groupHandler{consumer: c, ready: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- handler.ConsumeClaim(session, claim) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume claim: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume claim did not return")
	}

	if len(session.marked) != 3 {
		t.Fatalf("expected all 3 offsets marked, got %v", session.marked)
	}
	events := rec.recorded()
	if len(events) != 2 || events[0].Kind != domain.EventEnemyKilled || events[1].Amount != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSetupClosesReadyOnce(t *testing.T) {
	h := &groupHandler{ready: make(chan struct{})}
	if err := h.Setup(nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.Setup(nil); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	select {
	case <-h.ready:
	default:
		t.Fatal("expected ready closed")
	}
}
