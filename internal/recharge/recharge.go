// Package recharge implements the per-player lives and cooldown state machine.
package recharge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/keylock"
	"github.com/kaboom-backend/internal/store"
)

// EventRechargeUpdate is pushed to subscribers whenever lives change
const EventRechargeUpdate = "recharge_update"

// Notifier receives live updates for one identity
type Notifier interface {
	Notify(identity, event string, data any)
}

// Service mutates recharge states under a per-identity lock
type Service struct {
	store    store.RechargeStore
	locks    *keylock.Map
	clock    clock.Clock
	cooldown time.Duration
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a recharge service. cooldown is the default cooldown length.
func NewService(st store.RechargeStore, locks *keylock.Map, clk clock.Clock, cooldown time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		locks:    locks,
		clock:    clk,
		cooldown: cooldown,
		logger:   logger,
	}
}

// SetNotifier sets the live update sink
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// DefaultCooldown returns the configured cooldown length
func (s *Service) DefaultCooldown() time.Duration {
	return s.cooldown
}

func lockKey(identity string) string {
	return "recharge:" + identity
}

// load reads the stored state, or the default full state when absent.
// created reports whether the default was returned.
func (s *Service) load(ctx context.Context, identity string, now time.Time) (state *domain.RechargeState, created bool, err error) {
	state, err = s.store.GetRecharge(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewRechargeState(identity, now), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting recharge state: %w", err)
	}
	return state, false, nil
}

// Get returns the caller-facing recharge status, completing an expired cooldown first
func (s *Service) Get(ctx context.Context, identity string) (domain.RechargeStatus, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.RechargeStatus{}, err
	}
	unlock := s.locks.Lock(lockKey(identity))
	defer unlock()

	now := s.clock.Now()
	state, created, err := s.load(ctx, identity, now)
	if err != nil {
		return domain.RechargeStatus{}, err
	}

	healed := state.CooldownExpired(now)
	if healed {
		state.CompleteRecharge(now)
	}
	if healed || created {
		// The healed view is still correct for the caller; the sweep retries the write.
		if err := s.store.PutRecharge(ctx, state); err != nil {
			s.logger.Warn("persisting recharge state failed",
				"identity", identity,
				"healed", healed,
				"error", err,
			)
		}
	}
	if healed {
		s.notify(identity, state, now)
	}
	return state.Status(now), nil
}

// ConsumeLife removes one life, never going below zero
func (s *Service) ConsumeLife(ctx context.Context, identity string) (domain.RechargeStatus, error) {
	return s.mutate(ctx, identity, func(state *domain.RechargeState, now time.Time) error {
		if state.CooldownExpired(now) {
			state.CompleteRecharge(now)
		}
		if state.LivesRemaining > 0 {
			state.LivesRemaining--
		}
		return nil
	})
}

// StartCooldown empties lives and starts a cooldown of d, or the default when d <= 0
func (s *Service) StartCooldown(ctx context.Context, identity string, d time.Duration) (domain.RechargeStatus, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.RechargeStatus{}, fmt.Errorf("%w: %w", domain.ErrInvalidState, err)
	}
	if d <= 0 {
		d = s.cooldown
	}
	return s.mutate(ctx, identity, func(state *domain.RechargeState, now time.Time) error {
		end := now.Add(d)
		state.LivesRemaining = 0
		state.IsRecharging = true
		state.CooldownEnd = &end
		return nil
	})
}

// SetLives overrides the life count. A positive count cancels any cooldown.
func (s *Service) SetLives(ctx context.Context, identity string, lives int) (domain.RechargeStatus, error) {
	if lives < 0 || lives > domain.MaxLives {
		return domain.RechargeStatus{}, fmt.Errorf("%w: got %d, want 0..%d", domain.ErrInvalidLives, lives, domain.MaxLives)
	}
	return s.mutate(ctx, identity, func(state *domain.RechargeState, now time.Time) error {
		state.LivesRemaining = lives
		if lives > 0 {
			state.IsRecharging = false
			state.CooldownEnd = nil
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, identity string, fn func(*domain.RechargeState, time.Time) error) (domain.RechargeStatus, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.RechargeStatus{}, err
	}
	unlock := s.locks.Lock(lockKey(identity))
	defer unlock()

	now := s.clock.Now()
	state, _, err := s.load(ctx, identity, now)
	if err != nil {
		return domain.RechargeStatus{}, err
	}
	if err := fn(state, now); err != nil {
		return domain.RechargeStatus{}, err
	}
	state.UpdatedAt = now
	if err := s.store.PutRecharge(ctx, state); err != nil {
		return domain.RechargeStatus{}, fmt.Errorf("saving recharge state: %w", err)
	}
	s.notify(identity, state, now)
	return state.Status(now), nil
}

// Sweep completes every expired cooldown and returns how many it completed.
// Each candidate is re-read under its lock, so running twice completes nothing the second time.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.store.ListExpiredRecharges(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired recharges: %w", err)
	}

	completed := 0
	var errs []error
	for _, identity := range ids {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		ok, err := s.completeOne(ctx, identity, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			completed++
		}
	}
	return completed, errors.Join(errs...)
}

func (s *Service) completeOne(ctx context.Context, identity string, now time.Time) (bool, error) {
	unlock := s.locks.Lock(lockKey(identity))
	defer unlock()

	state, err := s.store.GetRecharge(ctx, identity)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("getting recharge state for %s: %w", identity, err)
	}
	if !state.CooldownExpired(now) {
		return false, nil
	}
	state.CompleteRecharge(now)
	if err := s.store.PutRecharge(ctx, state); err != nil {
		return false, fmt.Errorf("saving recharge state for %s: %w", identity, err)
	}
	s.notify(identity, state, now)
	return true, nil
}

func (s *Service) notify(identity string, state *domain.RechargeState, now time.Time) {
	if s.notifier != nil {
		s.notifier.Notify(identity, EventRechargeUpdate, state.Status(now))
	}
}
