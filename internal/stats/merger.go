// Package stats folds session progress into durable player records.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/keylock"
	"github.com/kaboom-backend/internal/store"
)

// EventProfileUpdate is pushed to subscribers after every record write
const EventProfileUpdate = "profile_update"

// Enqueuer accepts facts to mirror to the ledger
type Enqueuer interface {
	Enqueue(task domain.SyncTask)
}

// Notifier receives live updates for one identity
type Notifier interface {
	Notify(identity, event string, data any)
}

// Store is the persistence the merger needs
type Store interface {
	store.PlayerStore
	store.AchievementStore
	store.SessionLog
}

// Merger is the only writer of player records.
// All writes for one identity happen under that identity's lock.
type Merger struct {
	store    Store
	locks    *keylock.Map
	clock    clock.Clock
	queue    Enqueuer
	notifier Notifier
	logger   *slog.Logger
}

// NewMerger creates a merger. queue may be nil when ledger mirroring is off.
func NewMerger(st Store, locks *keylock.Map, clk clock.Clock, queue Enqueuer, logger *slog.Logger) *Merger {
	return &Merger{
		store:  st,
		locks:  locks,
		clock:  clk,
		queue:  queue,
		logger: logger,
	}
}

// SetNotifier sets the live update sink
func (m *Merger) SetNotifier(n Notifier) {
	m.notifier = n
}

func lockKey(identity string) string {
	return "player:" + identity
}

// load returns the stored record or a fresh default. Callers hold the identity lock.
func (m *Merger) load(ctx context.Context, identity string) (*domain.PlayerRecord, bool, error) {
	p, err := m.store.GetPlayer(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewPlayerRecord(identity, m.clock.Now()), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting player: %w", err)
	}
	return p, false, nil
}

func (m *Merger) save(ctx context.Context, p *domain.PlayerRecord) error {
	p.UpdatedAt = m.clock.Now()
	if err := m.store.PutPlayer(ctx, p); err != nil {
		return fmt.Errorf("saving player: %w", err)
	}
	return nil
}

// Get returns the player record, or the default record for an unknown identity
func (m *Merger) Get(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	p, _, err := m.load(ctx, identity)
	return p, err
}

// Ensure creates the default record when absent and returns the current record
func (m *Merger) Ensure(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(lockKey(identity))
	defer unlock()

	p, created, err := m.load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if created {
		if err := m.save(ctx, p); err != nil {
			return nil, err
		}
		m.logger.Info("player created", "identity", identity)
	}
	return p, nil
}

// Merge folds one flush into the player's record and evaluates achievements.
// Additive counters are summed; level reached and survival time are max-merged.
// A game is counted only on the final flush of a session that scored.
//
// Unlocks are persisted but not mirrored: the caller holds them until the
// session passes anti-cheat and then hands them to ReleaseUnlocks.
func (m *Merger) Merge(ctx context.Context, identity string, d domain.FlushDeltas, isFinal bool) (*domain.PlayerRecord, []domain.Unlock, error) {
	unlock := m.locks.Lock(lockKey(identity))

	p, _, err := m.load(ctx, identity)
	if err != nil {
		unlock()
		return nil, nil, err
	}

	p.TotalScore += d.ScoreEarned
	p.TokenBalance += d.TokensEarned
	p.TotalEnemiesKilled += d.EnemiesKilled
	p.TotalBombsUsed += d.BombsUsed
	p.HighestLevelReached = max(p.HighestLevelReached, d.LevelReached)
	p.Level = max(p.Level, d.LevelReached)
	p.LongestSurvivalTime = max(p.LongestSurvivalTime, d.SurvivalSeconds)
	if isFinal && d.SessionScore > 0 {
		p.GamesPlayed++
	}

	unlocked, err := m.unlockAchievements(ctx, p)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if err := m.save(ctx, p); err != nil {
		unlock()
		return nil, nil, err
	}
	unlock()

	snapshot := p.Snapshot()
	m.enqueue(domain.SyncTask{Kind: domain.SyncProfileUpdate, Identity: identity, Profile: &snapshot})
	for _, u := range unlocked {
		m.logger.Info("achievement unlocked",
			"identity", identity,
			"achievement_id", u.Achievement.ID,
			"session_id", d.SessionID,
		)
	}
	m.notify(p)
	return p, unlocked, nil
}

// ReleaseUnlocks mirrors achievements earned by an accepted session, with
// their token rewards.
func (m *Merger) ReleaseUnlocks(identity, sessionID string, unlocks []domain.Unlock) {
	for _, u := range unlocks {
		a := u.Achievement
		m.enqueue(domain.SyncTask{
			Kind:     domain.SyncAchievement,
			Identity: identity,
			Achievement: &domain.AchievementSnapshot{
				AchievementID: a.ID,
				Identity:      identity,
				Name:          a.Name,
				Description:   a.Description,
				SessionID:     sessionID,
				UnlockedAt:    u.UnlockedAt,
			},
		})
		if a.TokenReward > 0 {
			m.enqueue(domain.SyncTask{
				Kind:     domain.SyncTokenAward,
				Identity: identity,
				Award: &domain.TokenAward{
					Identity: identity,
					Amount:   a.TokenReward,
					Reason:   "achievement:" + a.ID,
					AwardAt:  u.UnlockedAt,
				},
			})
		}
	}
}

// unlockAchievements persists unlock rows for every newly satisfied achievement
// and refreshes the record's unlock count. Callers hold the identity lock.
func (m *Merger) unlockAchievements(ctx context.Context, p *domain.PlayerRecord) ([]domain.Unlock, error) {
	existing, err := m.store.ListAchievements(ctx, p.Identity)
	if err != nil {
		return nil, fmt.Errorf("listing achievements: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		have[a.AchievementID] = true
	}

	var unlocked []domain.Unlock
	now := m.clock.Now()
	for _, a := range domain.Achievements {
		if have[a.ID] || !a.Unlocked(p) {
			continue
		}
		created, err := m.store.UnlockAchievement(ctx, domain.PlayerAchievement{
			Identity:      p.Identity,
			AchievementID: a.ID,
			UnlockedAt:    now,
		})
		if err != nil {
			return nil, fmt.Errorf("unlocking achievement %s: %w", a.ID, err)
		}
		have[a.ID] = true
		if created {
			unlocked = append(unlocked, domain.Unlock{Achievement: a, UnlockedAt: now})
		}
	}
	p.AchievementsUnlocked = len(have)
	return unlocked, nil
}

// Rollback undoes what earlier flushes of a rejected session committed.
// Additive counters are reduced by committed (floor 0); level and survival maxima
// return to the baseline taken when the session started. Unlocks the session
// earned are revoked unless the restored record still satisfies them, and a
// corrective profile snapshot replaces the ones already mirrored.
func (m *Merger) Rollback(ctx context.Context, identity string, committed domain.SessionDeltas, baseline *domain.PlayerRecord, unlocks []domain.Unlock) (*domain.PlayerRecord, error) {
	unlock := m.locks.Lock(lockKey(identity))

	p, _, err := m.load(ctx, identity)
	if err != nil {
		unlock()
		return nil, err
	}
	if committed == (domain.SessionDeltas{}) && len(unlocks) == 0 {
		unlock()
		return p, nil
	}

	p.TotalScore = max(p.TotalScore-committed.ScoreEarned, 0)
	p.TokenBalance = max(p.TokenBalance-committed.TokensEarned, 0)
	p.TotalEnemiesKilled = max(p.TotalEnemiesKilled-committed.EnemiesKilled, 0)
	p.TotalBombsUsed = max(p.TotalBombsUsed-committed.BombsUsed, 0)
	if baseline != nil {
		p.HighestLevelReached = baseline.HighestLevelReached
		p.Level = baseline.Level
		p.LongestSurvivalTime = baseline.LongestSurvivalTime
	}

	revoked := 0
	for _, u := range unlocks {
		if u.Achievement.Unlocked(p) {
			continue
		}
		if err := m.store.RevokeAchievement(ctx, identity, u.Achievement.ID); err != nil {
			unlock()
			return nil, fmt.Errorf("revoking achievement %s: %w", u.Achievement.ID, err)
		}
		revoked++
	}
	p.AchievementsUnlocked = max(p.AchievementsUnlocked-revoked, 0)

	if err := m.save(ctx, p); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	m.logger.Warn("rolled back session progress",
		"identity", identity,
		"score", committed.ScoreEarned,
		"tokens", committed.TokensEarned,
		"achievements_revoked", revoked,
	)
	snapshot := p.Snapshot()
	m.enqueue(domain.SyncTask{Kind: domain.SyncProfileUpdate, Identity: identity, Profile: &snapshot})
	m.notify(p)
	return p, nil
}

// RecordSession writes the audit row, stores the latest cheat score and
// mirrors valid sessions to the ledger.
func (m *Merger) RecordSession(ctx context.Context, result domain.SessionResult) error {
	if err := m.store.RecordSession(ctx, result); err != nil {
		return fmt.Errorf("recording session: %w", err)
	}

	unlock := m.locks.Lock(lockKey(result.Identity))
	p, _, err := m.load(ctx, result.Identity)
	if err != nil {
		unlock()
		return err
	}
	p.CheatScore = result.CheatScore
	err = m.save(ctx, p)
	unlock()
	if err != nil {
		return err
	}

	if result.Valid {
		snapshot := result.Snapshot()
		m.enqueue(domain.SyncTask{Kind: domain.SyncSessionResult, Identity: result.Identity, Session: &snapshot})
	}
	return nil
}

// SaveProfile updates display fields, creating the record if needed. Counters are untouched.
func (m *Merger) SaveProfile(ctx context.Context, identity, username string, level int) (*domain.PlayerRecord, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if level < 0 {
		return nil, fmt.Errorf("%w: level must not be negative", domain.ErrValidation)
	}

	unlock := m.locks.Lock(lockKey(identity))
	p, _, err := m.load(ctx, identity)
	if err != nil {
		unlock()
		return nil, err
	}
	if name := strings.TrimSpace(username); name != "" {
		p.Username = name
	}
	if level > 0 {
		p.Level = level
	}
	err = m.save(ctx, p)
	unlock()
	if err != nil {
		return nil, err
	}

	snapshot := p.Snapshot()
	m.enqueue(domain.SyncTask{Kind: domain.SyncProfileUpdate, Identity: identity, Profile: &snapshot})
	m.notify(p)
	return p, nil
}

// Award credits tokens to a player and mirrors the award to the ledger
func (m *Merger) Award(ctx context.Context, identity string, amount int64, reason string) (*domain.PlayerRecord, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: award must be positive", domain.ErrInvalidAmount)
	}

	unlock := m.locks.Lock(lockKey(identity))
	p, _, err := m.load(ctx, identity)
	if err != nil {
		unlock()
		return nil, err
	}
	p.TokenBalance += amount
	err = m.save(ctx, p)
	unlock()
	if err != nil {
		return nil, err
	}

	m.enqueue(domain.SyncTask{
		Kind:     domain.SyncTokenAward,
		Identity: identity,
		Award: &domain.TokenAward{
			Identity: identity,
			Amount:   amount,
			Reason:   reason,
			AwardAt:  m.clock.Now(),
		},
	})
	m.notify(p)
	return p, nil
}

// SetBan bans or unbans an existing player
func (m *Merger) SetBan(ctx context.Context, identity string, banned bool, reason string) (*domain.PlayerRecord, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(lockKey(identity))
	p, err := m.store.GetPlayer(ctx, identity)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("getting player: %w", err)
	}
	p.IsBanned = banned
	p.BanReason = ""
	if banned {
		p.BanReason = reason
	}
	err = m.save(ctx, p)
	unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("player ban updated", "identity", identity, "banned", banned, "reason", reason)
	snapshot := p.Snapshot()
	m.enqueue(domain.SyncTask{Kind: domain.SyncProfileUpdate, Identity: identity, Profile: &snapshot})
	m.notify(p)
	return p, nil
}

func (m *Merger) enqueue(task domain.SyncTask) {
	if m.queue != nil {
		m.queue.Enqueue(task)
	}
}

func (m *Merger) notify(p *domain.PlayerRecord) {
	if m.notifier != nil {
		m.notifier.Notify(p.Identity, EventProfileUpdate, p)
	}
}
