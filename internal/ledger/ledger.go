// Package ledger mirrors player facts to the external ledger.
//
// The ledger is slow and unreliable; callers reach it only through the sync
// queue, never from a gameplay request.
package ledger

import (
	"context"

	"github.com/kaboom-backend/internal/domain"
)

// Client is the outbound ledger contract
type Client interface {
	StoreProfile(ctx context.Context, profile domain.ProfileSnapshot) error
	StoreSession(ctx context.Context, session domain.SessionSnapshot) error
	StoreAchievement(ctx context.Context, achievement domain.AchievementSnapshot) error
	AwardTokens(ctx context.Context, award domain.TokenAward) error
}

// Nop accepts every call without doing anything
type Nop struct{}

// StoreProfile does nothing
func (Nop) StoreProfile(context.Context, domain.ProfileSnapshot) error { return nil }

// StoreSession does nothing
func (Nop) StoreSession(context.Context, domain.SessionSnapshot) error { return nil }

// StoreAchievement does nothing
func (Nop) StoreAchievement(context.Context, domain.AchievementSnapshot) error { return nil }

// AwardTokens does nothing
func (Nop) AwardTokens(context.Context, domain.TokenAward) error { return nil }

var _ Client = Nop{}
