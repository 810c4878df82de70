// Package syncqueue is the in-memory retrying queue that mirrors facts to the ledger.
//
// Tasks live only in process memory; losing them on a crash is acceptable
// because the store, not the ledger, is the source of truth.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kaboom-backend/internal/syncqueue"

var errMissingPayload = errors.New("task has no payload")

// Options configures a Queue
type Options struct {
	BatchSize     int
	MaxRetries    int
	RetryBackoff  time.Duration
	RearmDelay    time.Duration
	LedgerTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Minute
	}
	if o.RearmDelay <= 0 {
		o.RearmDelay = time.Second
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = 30 * time.Second
	}
}

// Queue accepts tasks from many producers and delivers them from one consumer loop
type Queue struct {
	mu         sync.Mutex
	tasks      []*domain.SyncTask
	processing bool
	dropped    int64
	delivered  int64

	// drainMu serializes the consumer loop with ForceDrain.
	drainMu sync.Mutex

	client ledger.Client
	clock  clock.Clock
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a queue delivering to client
func New(client ledger.Client, clk clock.Clock, opts Options, logger *slog.Logger) *Queue {
	opts.applyDefaults()
	return &Queue{
		client: client,
		clock:  clk,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue adds a task and wakes the consumer if it is idle
func (q *Queue) Enqueue(task domain.SyncTask) {
	now := q.clock.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.EnqueuedAt = now
	if task.NotBefore.IsZero() {
		task.NotBefore = now
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, &task)
	q.mu.Unlock()

	q.logger.Debug("sync task enqueued", "task_id", task.ID, "kind", task.Kind, "identity", task.Identity)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the consumer loop
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info("sync queue started", "batch_size", q.opts.BatchSize, "max_retries", q.opts.MaxRetries)

	go q.run(ctx)
	return nil
}

// Stop stops the consumer loop and waits for the current batch
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh

	q.mu.Lock()
	q.running = false
	remaining := len(q.tasks)
	q.mu.Unlock()

	q.logger.Info("sync queue stopped", "remaining", remaining)
	return nil
}

// run is the consumer loop. After each batch it re-arms after RearmDelay while
// ready tasks remain, sleeps until the earliest retry when only delayed tasks
// remain, and idles until Enqueue wakes it otherwise.
func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)

	for {
		wait := q.drainBatch(ctx)

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-q.stopCh:
			stopTimer(timer)
			return
		case <-q.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// drainBatch delivers up to BatchSize ready tasks and returns how long to wait
// before the next batch, or a negative duration when the queue is empty.
func (q *Queue) drainBatch(ctx context.Context) time.Duration {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	batch := q.take(q.opts.BatchSize, true)
	q.process(ctx, batch)
	return q.nextWait()
}

// ForceDrain attempts every queued task once, ignoring retry delays.
// It returns how many were delivered and how many failed.
func (q *Queue) ForceDrain(ctx context.Context) (delivered, failed int) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	batch := q.take(0, false)
	delivered = q.process(ctx, batch)
	q.signal()
	return delivered, len(batch) - delivered
}

// take removes up to limit tasks (all when limit is 0) and marks the queue as processing
func (q *Queue) take(limit int, readyOnly bool) []*domain.SyncTask {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*domain.SyncTask
	kept := q.tasks[:0]
	for _, task := range q.tasks {
		if (limit > 0 && len(batch) >= limit) || (readyOnly && task.NotBefore.After(now)) {
			kept = append(kept, task)
			continue
		}
		batch = append(batch, task)
	}
	clear(q.tasks[len(kept):])
	q.tasks = kept
	q.processing = len(batch) > 0
	return batch
}

// process delivers a batch, requeueing or dropping failures. No lock is held during ledger calls.
func (q *Queue) process(ctx context.Context, batch []*domain.SyncTask) int {
	delivered := 0
	for _, task := range batch {
		err := q.deliver(ctx, task)
		now := q.clock.Now()

		q.mu.Lock()
		switch {
		case err == nil:
			q.delivered++
			delivered++
		case task.Retries+1 >= q.opts.MaxRetries:
			task.Retries++
			task.LastError = err.Error()
			q.dropped++
		default:
			task.Retries++
			task.LastError = err.Error()
			task.NotBefore = now.Add(time.Duration(task.Retries) * q.opts.RetryBackoff)
			q.tasks = append(q.tasks, task)
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			q.logger.Debug("sync task delivered", "task_id", task.ID, "kind", task.Kind, "identity", task.Identity)
		case task.Retries >= q.opts.MaxRetries:
			q.logger.Error("sync task dropped after retries",
				"task_id", task.ID,
				"kind", task.Kind,
				"identity", task.Identity,
				"retries", task.Retries,
				"error", err,
			)
		default:
			q.logger.Warn("sync task failed, will retry",
				"task_id", task.ID,
				"kind", task.Kind,
				"identity", task.Identity,
				"retries", task.Retries,
				"not_before", task.NotBefore,
				"error", err,
			)
		}
	}

	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
	return delivered
}

func (q *Queue) deliver(ctx context.Context, task *domain.SyncTask) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.LedgerTimeout)
	defer cancel()

	ctx, span := q.tracer.Start(ctx, "ledger."+string(task.Kind),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("sync.task_id", task.ID),
			attribute.String("sync.kind", string(task.Kind)),
			attribute.String("player.identity", task.Identity),
			attribute.Int("sync.retries", task.Retries),
		),
	)
	defer span.End()

	err := q.dispatch(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (q *Queue) dispatch(ctx context.Context, task *domain.SyncTask) error {
	switch task.Kind {
	case domain.SyncProfileUpdate:
		if task.Profile == nil {
			return errMissingPayload
		}
		return q.client.StoreProfile(ctx, *task.Profile)
	case domain.SyncSessionResult:
		if task.Session == nil {
			return errMissingPayload
		}
		return q.client.StoreSession(ctx, *task.Session)
	case domain.SyncAchievement:
		if task.Achievement == nil {
			return errMissingPayload
		}
		return q.client.StoreAchievement(ctx, *task.Achievement)
	case domain.SyncTokenAward:
		if task.Award == nil {
			return errMissingPayload
		}
		return q.client.AwardTokens(ctx, *task.Award)
	default:
		return fmt.Errorf("unknown sync kind %q", task.Kind)
	}
}

// nextWait decides when the consumer loop runs again
func (q *Queue) nextWait() time.Duration {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return -1
	}
	earliest := q.tasks[0].NotBefore
	for _, task := range q.tasks[1:] {
		if task.NotBefore.Before(earliest) {
			earliest = task.NotBefore
		}
	}
	if !earliest.After(now) {
		return q.opts.RearmDelay
	}
	return earliest.Sub(now)
}

// Clear drops every queued task and returns how many were dropped
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	q.logger.Warn("sync queue cleared", "dropped", n)
	return n
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Status reports the queue's observable state
func (q *Queue) Status() domain.SyncQueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]domain.SyncTaskStatus, len(q.tasks))
	for i, task := range q.tasks {
		items[i] = domain.SyncTaskStatus{
			ID:        task.ID,
			Kind:      task.Kind,
			Identity:  task.Identity,
			Retries:   task.Retries,
			NotBefore: task.NotBefore,
			LastError: task.LastError,
		}
	}
	return domain.SyncQueueStatus{
		Length:     len(q.tasks),
		Processing: q.processing,
		Dropped:    q.dropped,
		Delivered:  q.delivered,
		Items:      items,
	}
}
