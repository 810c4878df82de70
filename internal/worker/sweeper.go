package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper completes expired recharges
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RechargeSweeper runs the recharge sweep on a fixed interval
type RechargeSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewRechargeSweeper creates a new sweep worker
func NewRechargeSweeper(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *RechargeSweeper {
	return &RechargeSweeper{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one sweep immediately, then one per interval
func (w *RechargeSweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("recharge sweeper started", "interval", w.interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sweep and waits for an in-flight sweep
func (w *RechargeSweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("recharge sweeper stopped")
	return nil
}

// run is the main worker loop
func (w *RechargeSweeper) run(ctx context.Context) {
	defer close(w.doneCh)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single sweep cycle
func (w *RechargeSweeper) RunOnce(ctx context.Context) {
	startTime := time.Now()
	completed, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.logger.Error("recharge sweep failed",
			"completed", completed,
			"error", err,
		)
		return
	}
	if completed > 0 {
		w.logger.Info("recharge sweep completed",
			"duration", time.Since(startTime),
			"completed", completed,
		)
	}
}

// IsRunning returns whether the worker is currently running
func (w *RechargeSweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
