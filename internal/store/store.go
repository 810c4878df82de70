// Package store defines the persistence contract the game core consumes.
//
// Reads of an absent record return domain.ErrNotFound; connectivity failures
// are wrapped with domain.ErrStoreUnavailable so callers can surface them.
package store

import (
	"context"
	"time"

	"github.com/kaboom-backend/internal/domain"
)

// PlayerStore persists player records
type PlayerStore interface {
	GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error)
	PutPlayer(ctx context.Context, player *domain.PlayerRecord) error
	ListPlayers(ctx context.Context, search string, limit, offset int) ([]domain.PlayerRecord, int64, error)
	TopPlayers(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error)
}

// RechargeStore persists recharge states
type RechargeStore interface {
	GetRecharge(ctx context.Context, identity string) (*domain.RechargeState, error)
	PutRecharge(ctx context.Context, state *domain.RechargeState) error
	// ListExpiredRecharges returns identities still recharging whose cooldown ended at or before now.
	ListExpiredRecharges(ctx context.Context, now time.Time) ([]string, error)
}

// AchievementStore persists per-player achievement unlocks
type AchievementStore interface {
	ListAchievements(ctx context.Context, identity string) ([]domain.PlayerAchievement, error)
	// UnlockAchievement reports whether the row was newly inserted.
	UnlockAchievement(ctx context.Context, unlock domain.PlayerAchievement) (bool, error)
	// RevokeAchievement deletes an unlock row; a missing row is not an error.
	RevokeAchievement(ctx context.Context, identity, achievementID string) error
}

// SessionLog persists session audit records
type SessionLog interface {
	RecordSession(ctx context.Context, result domain.SessionResult) error
	ListSessions(ctx context.Context, identity string, limit int, validOnly bool) ([]domain.SessionResult, error)
}

// Store is the full persistence surface of the game backend
type Store interface {
	PlayerStore
	RechargeStore
	AchievementStore
	SessionLog
	Ping(ctx context.Context) error
	Close() error
}
