package recharge

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
	"github.com/kaboom-backend/internal/keylock"
	"github.com/kaboom-backend/internal/memstore"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(identity, event string, _ any) {
	n.mu.Lock()
	n.events = append(n.events, identity+":"+event)
	n.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memstore.Store, *clock.Fake) {
	t.Helper()
	st := memstore.New()
	clk := clock.NewFake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, keylock.New(), clk, 45*time.Minute, logger), st, clk
}

func assertCanPlayInvariant(t *testing.T, s domain.RechargeStatus) {
	t.Helper()
	if s.CanPlay != (!s.IsRecharging && s.LivesRemaining > 0) {
		t.Fatalf("can_play invariant broken: %+v", s)
	}
	if s.IsRecharging && s.LivesRemaining != 0 {
		t.Fatalf("recharging with lives: %+v", s)
	}
	if s.LivesRemaining < 0 || s.LivesRemaining > domain.MaxLives {
		t.Fatalf("lives out of range: %+v", s)
	}
}

func TestGetDefaultsToFullLivesAndPersists(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	status, err := svc.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.LivesRemaining != 3 || status.IsRecharging || !status.CanPlay {
		t.Fatalf("unexpected default status: %+v", status)
	}
	if _, err := st.GetRecharge(ctx, "P1"); err != nil {
		t.Fatalf("expected default persisted, got %v", err)
	}
}

func TestConsumeLifeNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	want := []int{2, 1, 0, 0, 0}
	for i, lives := range want {
		status, err := svc.ConsumeLife(ctx, "P1")
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		assertCanPlayInvariant(t, status)
		if status.LivesRemaining != lives {
			t.Fatalf("consume %d: expected %d lives, got %d", i, lives, status.LivesRemaining)
		}
		if status.IsRecharging {
			t.Fatalf("consume %d: consume must not start a cooldown", i)
		}
	}
}

func TestConsumeLifeConcurrentCallsClamp(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ConsumeLife(ctx, "P1"); err != nil {
				t.Errorf("consume: %v", err)
			}
		}()
	}
	wg.Wait()

	status, err := svc.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.LivesRemaining != 0 {
		t.Fatalf("expected 0 lives, got %d", status.LivesRemaining)
	}
}

func TestCooldownExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t)

	if _, err := svc.StartCooldown(ctx, "P2", 0); err != nil {
		t.Fatalf("start cooldown: %v", err)
	}

	status, err := svc.Get(ctx, "P2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertCanPlayInvariant(t, status)
	if !status.IsRecharging || status.CanPlay {
		t.Fatalf("expected recharging before expiry: %+v", status)
	}
	if status.TimeRemaining != int64((45 * time.Minute).Seconds()) {
		t.Fatalf("expected full cooldown remaining, got %d", status.TimeRemaining)
	}

	clk.Advance(45*time.Minute + time.Second)
	status, err = svc.Get(ctx, "P2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertCanPlayInvariant(t, status)
	if status.IsRecharging || status.LivesRemaining != 3 || !status.CanPlay {
		t.Fatalf("expected full lives after expiry: %+v", status)
	}
	if status.TotalRecharges != 1 {
		t.Fatalf("expected one recharge, got %d", status.TotalRecharges)
	}
}

func TestGetReturnsHealedViewWhenStoreWriteFails(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newTestService(t)

	if _, err := svc.StartCooldown(ctx, "P2", time.Minute); err != nil {
		t.Fatalf("start cooldown: %v", err)
	}
	clk.Advance(2 * time.Minute)

	// Reads still work while writes fail.
	failing := &failingPuts{Store: st}
	svc.store = failing
	status, err := svc.Get(ctx, "P2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !status.CanPlay || status.LivesRemaining != 3 {
		t.Fatalf("expected healed view, got %+v", status)
	}
}

type failingPuts struct {
	*memstore.Store
}

func (f *failingPuts) PutRecharge(context.Context, *domain.RechargeState) error {
	return domain.ErrStoreUnavailable
}

func TestStartCooldownRejectsMalformedIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.StartCooldown(context.Background(), "bad id", 0)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected wrapped identity error, got %v", err)
	}
}

func TestSetLives(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, n := range []int{-1, 4} {
		if _, err := svc.SetLives(ctx, "P1", n); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("set lives %d: expected validation error, got %v", n, err)
		}
	}

	if _, err := svc.StartCooldown(ctx, "P1", 0); err != nil {
		t.Fatalf("start cooldown: %v", err)
	}
	status, err := svc.SetLives(ctx, "P1", 0)
	if err != nil {
		t.Fatalf("set lives 0: %v", err)
	}
	assertCanPlayInvariant(t, status)
	if !status.IsRecharging {
		t.Fatal("setting zero lives should keep the cooldown")
	}

	status, err = svc.SetLives(ctx, "P1", 2)
	if err != nil {
		t.Fatalf("set lives 2: %v", err)
	}
	assertCanPlayInvariant(t, status)
	if status.IsRecharging || status.LivesRemaining != 2 || !status.CanPlay {
		t.Fatalf("expected cooldown cleared: %+v", status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newTestService(t)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	for _, id := range []string{"A", "B"} {
		if _, err := svc.StartCooldown(ctx, id, 10*time.Minute); err != nil {
			t.Fatalf("start cooldown %s: %v", id, err)
		}
	}
	if _, err := svc.StartCooldown(ctx, "C", time.Hour); err != nil {
		t.Fatalf("start cooldown C: %v", err)
	}
	clk.Advance(11 * time.Minute)

	n, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recharges, got %d", n)
	}
	for _, id := range []string{"A", "B"} {
		state, err := st.GetRecharge(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if state.LivesRemaining != 3 || state.IsRecharging || state.CooldownEnd != nil {
			t.Fatalf("expected %s full: %+v", id, state)
		}
	}

	n, err = svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", n)
	}

	state, err := st.GetRecharge(ctx, "C")
	if err != nil {
		t.Fatalf("get C: %v", err)
	}
	if !state.IsRecharging {
		t.Fatal("unexpired cooldown must not be swept")
	}
	if state.TotalRecharges != 0 {
		t.Fatalf("expected no recharges for C, got %d", state.TotalRecharges)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) == 0 {
		t.Fatal("expected recharge notifications")
	}
}

func TestGetRejectsMalformedIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), ""); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
