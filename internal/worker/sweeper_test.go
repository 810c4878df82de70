package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) Sweep(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestRechargeSweeperRunsAtStartAndOnInterval(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewRechargeSweeper(sweeper, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !w.IsRunning() {
		t.Fatal("expected running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 sweeps, got %d", sweeper.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.IsRunning() {
		t.Fatal("expected stopped")
	}
	after := sweeper.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if sweeper.calls.Load() != after {
		t.Fatal("sweeper ran after stop")
	}
}

func TestRechargeSweeperStopWithoutStart(t *testing.T) {
	w := NewRechargeSweeper(&countingSweeper{}, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
