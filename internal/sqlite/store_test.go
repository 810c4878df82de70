package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaboom-backend/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kaboom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPlayerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := s.GetPlayer(ctx, "w1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	p := domain.NewPlayerRecord("w1", now)
	p.TotalScore = 500
	p.TokenBalance = 12
	p.CheatScore = 0.3
	p.IsBanned = true
	p.BanReason = "speedhack"
	if err := s.PutPlayer(ctx, p); err != nil {
		t.Fatalf("put player: %v", err)
	}

	got, err := s.GetPlayer(ctx, "w1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got.TotalScore != 500 || got.TokenBalance != 12 || !got.IsBanned || got.BanReason != "speedhack" {
		t.Fatalf("unexpected player: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("expected created at %s, got %s", now, got.CreatedAt)
	}

	p.TotalScore = 900
	if err := s.PutPlayer(ctx, p); err != nil {
		t.Fatalf("update player: %v", err)
	}
	got, err = s.GetPlayer(ctx, "w1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if got.TotalScore != 900 {
		t.Fatalf("expected score 900, got %d", got.TotalScore)
	}
}

func TestListAndTopPlayers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	for i, id := range []string{"alpha", "bravo", "charlie"} {
		p := domain.NewPlayerRecord(id, now)
		p.Username = id
		p.TotalScore = int64((i + 1) * 100)
		p.TokenBalance = int64(10 - i)
		p.IsBanned = id == "charlie"
		if err := s.PutPlayer(ctx, p); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	players, total, err := s.ListPlayers(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if total != 3 || len(players) != 2 || players[0].Identity != "charlie" {
		t.Fatalf("unexpected list: total=%d players=%+v", total, players)
	}

	players, total, err = s.ListPlayers(ctx, "BRA", 10, 0)
	if err != nil {
		t.Fatalf("search players: %v", err)
	}
	if total != 1 || players[0].Identity != "bravo" {
		t.Fatalf("unexpected search result: total=%d players=%+v", total, players)
	}

	top, err := s.TopPlayers(ctx, domain.LeaderboardTokens, 10)
	if err != nil {
		t.Fatalf("top players: %v", err)
	}
	if len(top) != 2 || top[0].Identity != "alpha" || top[0].Rank != 1 || top[1].Rank != 2 {
		t.Fatalf("unexpected leaderboard: %+v", top)
	}
}

func TestRechargeExpiry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	end := now.Add(45 * time.Minute)
	state := domain.NewRechargeState("w1", now)
	state.LivesRemaining = 0
	state.IsRecharging = true
	state.CooldownEnd = &end
	if err := s.PutRecharge(ctx, state); err != nil {
		t.Fatalf("put recharge: %v", err)
	}
	if err := s.PutRecharge(ctx, domain.NewRechargeState("w2", now)); err != nil {
		t.Fatalf("put recharge: %v", err)
	}

	ids, err := s.ListExpiredRecharges(ctx, now.Add(44*time.Minute))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected none expired, got %v", ids)
	}
	ids, err = s.ListExpiredRecharges(ctx, end)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "w1" {
		t.Fatalf("expected [w1], got %v", ids)
	}

	got, err := s.GetRecharge(ctx, "w1")
	if err != nil {
		t.Fatalf("get recharge: %v", err)
	}
	if got.CooldownEnd == nil || !got.CooldownEnd.Equal(end) || got.LastRechargeTime != nil {
		t.Fatalf("unexpected recharge state: %+v", got)
	}
}

func TestAchievementsAndSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	unlock := domain.PlayerAchievement{Identity: "w1", AchievementID: "first_game", UnlockedAt: now}
	created, err := s.UnlockAchievement(ctx, unlock)
	if err != nil || !created {
		t.Fatalf("expected new unlock, got %v %v", created, err)
	}
	created, err = s.UnlockAchievement(ctx, unlock)
	if err != nil || created {
		t.Fatalf("expected duplicate unlock ignored, got %v %v", created, err)
	}
	list, err := s.ListAchievements(ctx, "w1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one achievement, got %v %v", list, err)
	}

	if err := s.RevokeAchievement(ctx, "w1", "first_game"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.RevokeAchievement(ctx, "w1", "first_game"); err != nil {
		t.Fatalf("revoke missing row: %v", err)
	}
	if list, err := s.ListAchievements(ctx, "w1"); err != nil || len(list) != 0 {
		t.Fatalf("expected no achievements after revoke, got %v %v", list, err)
	}
	if created, err := s.UnlockAchievement(ctx, unlock); err != nil || !created {
		t.Fatalf("expected unlock after revoke, got %v %v", created, err)
	}

	for i, valid := range []bool{true, false} {
		r := domain.SessionResult{
			SessionID: []string{"s1", "s2"}[i],
			Identity:  "w1",
			StartedAt: now.Add(time.Duration(i) * time.Minute),
			EndedAt:   now.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Valid:     valid,
		}
		r.Deltas.ScoreEarned = 100
		r.Hash = r.ComputeHash()
		if err := s.RecordSession(ctx, r); err != nil {
			t.Fatalf("record session: %v", err)
		}
	}

	all, err := s.ListSessions(ctx, "w1", 10, false)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 2 || all[0].SessionID != "s2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	valid, err := s.ListSessions(ctx, "w1", 10, true)
	if err != nil {
		t.Fatalf("list valid sessions: %v", err)
	}
	if len(valid) != 1 || valid[0].SessionID != "s1" || valid[0].Hash == "" {
		t.Fatalf("unexpected valid sessions: %+v", valid)
	}
}
