package syncqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/domain"
)

type fakeLedger struct {
	mu    sync.Mutex
	calls map[domain.SyncKind]int
	fail  bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{calls: make(map[domain.SyncKind]int)}
}

func (f *fakeLedger) record(kind domain.SyncKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if f.fail {
		return domain.ErrSyncFailure
	}
	return nil
}

func (f *fakeLedger) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeLedger) count(kind domain.SyncKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeLedger) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeLedger) StoreProfile(context.Context, domain.ProfileSnapshot) error {
	return f.record(domain.SyncProfileUpdate)
}

func (f *fakeLedger) StoreSession(context.Context, domain.SessionSnapshot) error {
	return f.record(domain.SyncSessionResult)
}

func (f *fakeLedger) StoreAchievement(context.Context, domain.AchievementSnapshot) error {
	return f.record(domain.SyncAchievement)
}

func (f *fakeLedger) AwardTokens(context.Context, domain.TokenAward) error {
	return f.record(domain.SyncTokenAward)
}

var epoch = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, clk clock.Clock) (*Queue, *fakeLedger) {
	t.Helper()
	l := newFakeLedger()
	q := New(l, clk, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return q, l
}

func profileTask(identity string) domain.SyncTask {
	return domain.SyncTask{
		Kind:     domain.SyncProfileUpdate,
		Identity: identity,
		Profile:  &domain.ProfileSnapshot{Identity: identity},
	}
}

func TestTaskDroppedAfterThreeFailures(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	q, l := newTestQueue(t, clk)
	l.setFail(true)

	q.Enqueue(profileTask("w1"))

	for attempt := 1; attempt <= 3; attempt++ {
		delivered, failed := q.ForceDrain(ctx)
		if delivered != 0 || failed != 1 {
			t.Fatalf("attempt %d: expected one failure, got delivered=%d failed=%d", attempt, delivered, failed)
		}
		if l.total() != attempt {
			t.Fatalf("attempt %d: expected %d ledger calls, got %d", attempt, attempt, l.total())
		}
	}

	status := q.Status()
	if status.Length != 0 {
		t.Fatalf("expected dropped task removed, length=%d", status.Length)
	}
	if status.Dropped != 1 {
		t.Fatalf("expected one dropped task, got %d", status.Dropped)
	}

	q.ForceDrain(ctx)
	if l.total() != 3 {
		t.Fatalf("dropped task must not be retried a 4th time, got %d calls", l.total())
	}
}

func TestRetryBackoffGrowsWithRetries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	q, l := newTestQueue(t, clk)
	l.setFail(true)

	q.Enqueue(profileTask("w1"))
	q.drainBatch(ctx)

	status := q.Status()
	if status.Length != 1 || status.Items[0].Retries != 1 {
		t.Fatalf("expected one requeued task with one retry: %+v", status)
	}
	if want := epoch.Add(time.Minute); !status.Items[0].NotBefore.Equal(want) {
		t.Fatalf("expected not-before %s, got %s", want, status.Items[0].NotBefore)
	}
	if status.Items[0].LastError == "" {
		t.Fatal("expected last error recorded")
	}

	// Not ready yet: the batch skips it.
	q.drainBatch(ctx)
	if l.total() != 1 {
		t.Fatalf("expected delayed task skipped, got %d calls", l.total())
	}

	clk.Advance(time.Minute)
	q.drainBatch(ctx)
	status = q.Status()
	if want := epoch.Add(3 * time.Minute); status.Length != 1 || !status.Items[0].NotBefore.Equal(want) {
		t.Fatalf("expected second backoff to %s: %+v", want, status)
	}
}

func TestDrainBatchRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	q, l := newTestQueue(t, clk)

	for i := 0; i < 7; i++ {
		q.Enqueue(profileTask("w1"))
	}

	wait := q.drainBatch(ctx)
	if l.total() != 5 {
		t.Fatalf("expected batch of 5, got %d", l.total())
	}
	if wait != time.Second {
		t.Fatalf("expected rearm delay while tasks remain, got %s", wait)
	}

	wait = q.drainBatch(ctx)
	if l.total() != 7 {
		t.Fatalf("expected remaining 2 delivered, got %d", l.total())
	}
	if wait >= 0 {
		t.Fatalf("expected idle once empty, got %s", wait)
	}
	if status := q.Status(); status.Delivered != 7 || status.Processing {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestNextWaitSleepsUntilEarliestRetry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	q, l := newTestQueue(t, clk)
	l.setFail(true)

	q.Enqueue(profileTask("w1"))
	wait := q.drainBatch(ctx)
	if wait != time.Minute {
		t.Fatalf("expected to sleep one minute, got %s", wait)
	}
}

func TestDispatchByKind(t *testing.T) {
	ctx := context.Background()
	q, l := newTestQueue(t, clock.NewFake(epoch))

	q.Enqueue(profileTask("w1"))
	q.Enqueue(domain.SyncTask{Kind: domain.SyncSessionResult, Identity: "w1", Session: &domain.SessionSnapshot{}})
	q.Enqueue(domain.SyncTask{Kind: domain.SyncAchievement, Identity: "w1", Achievement: &domain.AchievementSnapshot{}})
	q.Enqueue(domain.SyncTask{Kind: domain.SyncTokenAward, Identity: "w1", Award: &domain.TokenAward{Amount: 1}})

	if delivered, failed := q.ForceDrain(ctx); delivered != 4 || failed != 0 {
		t.Fatalf("expected 4 delivered, got %d/%d", delivered, failed)
	}
	for _, kind := range []domain.SyncKind{domain.SyncProfileUpdate, domain.SyncSessionResult, domain.SyncAchievement, domain.SyncTokenAward} {
		if l.count(kind) != 1 {
			t.Fatalf("expected one %s call, got %d", kind, l.count(kind))
		}
	}
}

func TestMissingPayloadFails(t *testing.T) {
	q, _ := newTestQueue(t, clock.NewFake(epoch))
	err := q.dispatch(context.Background(), &domain.SyncTask{Kind: domain.SyncAchievement})
	if !errors.Is(err, errMissingPayload) {
		t.Fatalf("expected missing payload, got %v", err)
	}
}

func TestClear(t *testing.T) {
	q, _ := newTestQueue(t, clock.NewFake(epoch))
	for i := 0; i < 3; i++ {
		q.Enqueue(profileTask("w1"))
	}
	if n := q.Clear(); n != 3 {
		t.Fatalf("expected 3 cleared, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestRunLoopDeliversEnqueuedTasks(t *testing.T) {
	q, l := newTestQueue(t, clock.Real{})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop() })

	for i := 0; i < 3; i++ {
		q.Enqueue(profileTask("w1"))
	}

	deadline := time.Now().Add(3 * time.Second)
	for l.total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 deliveries, got %d", l.total())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}
