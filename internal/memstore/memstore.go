// Package memstore is an in-process store used for local development and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/store"
)

// Store keeps every record in memory
type Store struct {
	mu           sync.RWMutex
	players      map[string]domain.PlayerRecord
	recharges    map[string]domain.RechargeState
	achievements map[string][]domain.PlayerAchievement
	sessions     []domain.SessionResult

	// Unavailable makes every call fail with domain.ErrStoreUnavailable.
	Unavailable bool
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		players:      make(map[string]domain.PlayerRecord),
		recharges:    make(map[string]domain.RechargeState),
		achievements: make(map[string][]domain.PlayerAchievement),
	}
}

// SetUnavailable toggles simulated store outages
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	s.Unavailable = v
	s.mu.Unlock()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Unavailable {
		return domain.ErrStoreUnavailable
	}
	return nil
}

// GetPlayer returns a copy of the stored player record
func (s *Store) GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	p, ok := s.players[identity]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// PutPlayer stores a copy of the player record
func (s *Store) PutPlayer(ctx context.Context, player *domain.PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.players[player.Identity] = *player
	return nil
}

// ListPlayers returns players matching search ordered by total score
func (s *Store) ListPlayers(ctx context.Context, search string, limit, offset int) ([]domain.PlayerRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}

	search = strings.ToLower(search)
	var matched []domain.PlayerRecord
	for _, p := range s.players {
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Username), search) &&
			!strings.Contains(strings.ToLower(p.Identity), search) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TotalScore != matched[j].TotalScore {
			return matched[i].TotalScore > matched[j].TotalScore
		}
		return matched[i].Identity < matched[j].Identity
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []domain.PlayerRecord{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// TopPlayers ranks unbanned players by the given stat
func (s *Store) TopPlayers(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ranked := make([]domain.PlayerRecord, 0, len(s.players))
	for _, p := range s.players {
		if !p.IsBanned {
			ranked = append(ranked, p)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		vi, vj := kind.Value(&ranked[i]), kind.Value(&ranked[j])
		if vi != vj {
			return vi > vj
		}
		return ranked[i].Identity < ranked[j].Identity
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	entries := make([]domain.LeaderboardEntry, len(ranked))
	for i := range ranked {
		entries[i] = domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			Identity: ranked[i].Identity,
			Value:    kind.Value(&ranked[i]),
			Username: ranked[i].Username,
		}
	}
	return entries, nil
}

// GetRecharge returns a copy of the stored recharge state
func (s *Store) GetRecharge(ctx context.Context, identity string) (*domain.RechargeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	r, ok := s.recharges[identity]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

// PutRecharge stores a copy of the recharge state
func (s *Store) PutRecharge(ctx context.Context, state *domain.RechargeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.recharges[state.Identity] = *state
	return nil
}

// ListExpiredRecharges returns identities whose cooldown has passed
func (s *Store) ListExpiredRecharges(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for id, r := range s.recharges {
		if r.CooldownExpired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAchievements returns the player's unlocks in unlock order
func (s *Store) ListAchievements(ctx context.Context, identity string) ([]domain.PlayerAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return append([]domain.PlayerAchievement(nil), s.achievements[identity]...), nil
}

// UnlockAchievement inserts the unlock unless it already exists
func (s *Store) UnlockAchievement(ctx context.Context, unlock domain.PlayerAchievement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	for _, a := range s.achievements[unlock.Identity] {
		if a.AchievementID == unlock.AchievementID {
			return false, nil
		}
	}
	s.achievements[unlock.Identity] = append(s.achievements[unlock.Identity], unlock)
	return true, nil
}

// RevokeAchievement removes an unlock if present
func (s *Store) RevokeAchievement(ctx context.Context, identity, achievementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	unlocks := s.achievements[identity]
	for i, a := range unlocks {
		if a.AchievementID == achievementID {
			s.achievements[identity] = append(unlocks[:i:i], unlocks[i+1:]...)
			return nil
		}
	}
	return nil
}

// RecordSession appends a session audit record
func (s *Store) RecordSession(ctx context.Context, result domain.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.sessions = append(s.sessions, result)
	return nil
}

// ListSessions returns the player's most recent sessions first
func (s *Store) ListSessions(ctx context.Context, identity string, limit int, validOnly bool) ([]domain.SessionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []domain.SessionResult
	for i := len(s.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.sessions[i]
		if r.Identity != identity || (validOnly && !r.Valid) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping reports simulated availability
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

var _ store.Store = (*Store)(nil)
