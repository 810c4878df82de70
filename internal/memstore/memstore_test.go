package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kaboom-backend/internal/domain"
)

func TestGetPlayerReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.GetPlayer(ctx, "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	p := domain.NewPlayerRecord("p1", now)
	p.TotalScore = 10
	if err := s.PutPlayer(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	p.TotalScore = 99

	got, err := s.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalScore != 10 {
		t.Fatalf("stored record was aliased: %d", got.TotalScore)
	}
}

func TestTopPlayersSkipsBanned(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	for id, score := range map[string]int64{"a": 30, "b": 10, "c": 20} {
		p := domain.NewPlayerRecord(id, now)
		p.TotalScore = score
		p.IsBanned = id == "a"
		if err := s.PutPlayer(ctx, p); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	entries, err := s.TopPlayers(ctx, domain.LeaderboardScore, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(entries) != 2 || entries[0].Identity != "c" || entries[0].Rank != 1 || entries[1].Identity != "b" {
		t.Fatalf("unexpected leaderboard: %+v", entries)
	}
}

func TestListExpiredRecharges(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	past, future := now.Add(-time.Minute), now.Add(time.Minute)
	for id, end := range map[string]time.Time{"expired": past, "waiting": future} {
		end := end
		state := domain.NewRechargeState(id, now)
		state.LivesRemaining = 0
		state.IsRecharging = true
		state.CooldownEnd = &end
		if err := s.PutRecharge(ctx, state); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	ids, err := s.ListExpiredRecharges(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "expired" {
		t.Fatalf("expected only the expired identity, got %v", ids)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, valid := range []bool{true, false, true} {
		r := domain.SessionResult{SessionID: string(rune('a' + i)), Identity: "p1", Valid: valid}
		if err := s.RecordSession(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := s.ListSessions(ctx, "p1", 2, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].SessionID != "c" || all[1].SessionID != "b" {
		t.Fatalf("unexpected sessions: %+v", all)
	}

	valid, err := s.ListSessions(ctx, "p1", 10, true)
	if err != nil {
		t.Fatalf("list valid: %v", err)
	}
	if len(valid) != 2 || valid[0].SessionID != "c" || valid[1].SessionID != "a" {
		t.Fatalf("unexpected valid sessions: %+v", valid)
	}
}

func TestRevokeAchievementKeepsOthers(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"first_game", "first_blood", "score_10k"} {
		if _, err := s.UnlockAchievement(ctx, domain.PlayerAchievement{Identity: "p1", AchievementID: id, UnlockedAt: now}); err != nil {
			t.Fatalf("unlock %s: %v", id, err)
		}
	}
	if err := s.RevokeAchievement(ctx, "p1", "first_blood"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.RevokeAchievement(ctx, "p1", "missing"); err != nil {
		t.Fatalf("revoke missing: %v", err)
	}

	list, err := s.ListAchievements(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].AchievementID != "first_game" || list[1].AchievementID != "score_10k" {
		t.Fatalf("unexpected unlocks after revoke: %+v", list)
	}
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetUnavailable(true)

	if err := s.Ping(ctx); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := s.GetRecharge(ctx, "p1"); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	s.SetUnavailable(false)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("expected available, got %v", err)
	}
}
