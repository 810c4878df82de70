package stats

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

type fakeQueue struct {
	mu    sync.Mutex
	tasks []domain.SyncTask
}

func (q *fakeQueue) Enqueue(task domain.SyncTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *fakeQueue) kinds() map[domain.SyncKind]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.SyncKind]int)
	for _, t := range q.tasks {
		out[t.Kind]++
	}
	return out
}

func newTestMerger(t *testing.T) (*Merger, *memstore.Store, *fakeQueue) {
	t.Helper()
	st := memstore.New()
	q := &fakeQueue{}
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return NewMerger(st, keylock.New(), clk, q, slog.New(slog.NewTextHandler(io.Discard, nil))), st, q
}

func flush(score, tokens, enemies int64, level int, survival, sessionScore int64) domain.FlushDeltas {
	return domain.FlushDeltas{
		SessionDeltas: domain.SessionDeltas{
			ScoreEarned:     score,
			TokensEarned:    tokens,
			EnemiesKilled:   enemies,
			LevelReached:    level,
			SurvivalSeconds: survival,
		},
		SessionID:    "s1",
		SessionScore: sessionScore,
	}
}

func TestMergeAddsCountersAndCountsGameOnFinal(t *testing.T) {
	ctx := context.Background()
	m, _, q := newTestMerger(t)

	if _, err := m.Ensure(ctx, "P1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p, _, err := m.Merge(ctx, "P1", flush(60, 2, 1, 2, 30, 60), false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if p.GamesPlayed != 0 {
		t.Fatalf("non-final merge must not count a game, got %d", p.GamesPlayed)
	}

	p, _, err = m.Merge(ctx, "P1", flush(40, 0, 0, 1, 45, 100), true)
	if err != nil {
		t.Fatalf("final merge: %v", err)
	}
	if p.TotalScore != 100 || p.TokenBalance != 2 || p.TotalEnemiesKilled != 1 {
		t.Fatalf("unexpected counters: %+v", p)
	}
	if p.HighestLevelReached != 2 || p.LongestSurvivalTime != 45 {
		t.Fatalf("expected max-merged level/survival: %+v", p)
	}
	if p.GamesPlayed != 1 {
		t.Fatalf("expected one game, got %d", p.GamesPlayed)
	}
	if q.kinds()[domain.SyncProfileUpdate] != 2 {
		t.Fatalf("expected two profile updates, got %v", q.kinds())
	}
}

func TestMergeDoesNotCountScorelessGame(t *testing.T) {
	m, _, _ := newTestMerger(t)
	p, _, err := m.Merge(context.Background(), "P1", flush(0, 0, 0, 0, 20, 0), true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if p.GamesPlayed != 0 {
		t.Fatalf("expected no game counted, got %d", p.GamesPlayed)
	}
}

func TestMergeUnlocksAchievementsOnce(t *testing.T) {
	ctx := context.Background()
	m, st, q := newTestMerger(t)

	_, unlocked, err := m.Merge(ctx, "P1", flush(100, 0, 1, 1, 30, 100), true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(unlocked) != 2 {
		t.Fatalf("expected first_game and first_blood, got %+v", unlocked)
	}
	_, again, err := m.Merge(ctx, "P1", flush(100, 0, 1, 1, 30, 100), true)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no repeat unlocks, got %+v", again)
	}

	unlocks, err := st.ListAchievements(ctx, "P1")
	if err != nil {
		t.Fatalf("list achievements: %v", err)
	}
	if len(unlocks) != 2 {
		t.Fatalf("expected two unlock rows, got %+v", unlocks)
	}
	p, err := st.GetPlayer(ctx, "P1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if p.AchievementsUnlocked != 2 {
		t.Fatalf("expected count 2, got %d", p.AchievementsUnlocked)
	}
	if p.TokenBalance != 0 {
		t.Fatalf("achievement rewards are mirrored, not credited locally; got %d", p.TokenBalance)
	}
	if kinds := q.kinds(); kinds[domain.SyncAchievement] != 0 || kinds[domain.SyncTokenAward] != 0 {
		t.Fatalf("unlocks must wait for release, got %v", kinds)
	}

	m.ReleaseUnlocks("P1", "s1", unlocked)
	kinds := q.kinds()
	if kinds[domain.SyncAchievement] != 2 || kinds[domain.SyncTokenAward] != 2 {
		t.Fatalf("unexpected ledger tasks: %v", kinds)
	}
}

func TestRollbackRestoresPreSessionCounters(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMerger(t)

	if _, _, err := m.Merge(ctx, "P1", flush(500, 5, 3, 3, 200, 500), true); err != nil {
		t.Fatalf("seed merge: %v", err)
	}
	baseline, err := m.Ensure(ctx, "P1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	committed := flush(20_000, 50, 60, 9, 30, 20_000)
	_, unlocked, err := m.Merge(ctx, "P1", committed, false)
	if err != nil {
		t.Fatalf("session merge: %v", err)
	}
	p, err := m.Rollback(ctx, "P1", committed.SessionDeltas, baseline, unlocked)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if p.TotalScore != baseline.TotalScore || p.TokenBalance != baseline.TokenBalance ||
		p.TotalEnemiesKilled != baseline.TotalEnemiesKilled || p.TotalBombsUsed != baseline.TotalBombsUsed ||
		p.GamesPlayed != baseline.GamesPlayed || p.HighestLevelReached != baseline.HighestLevelReached ||
		p.LongestSurvivalTime != baseline.LongestSurvivalTime {
		t.Fatalf("expected counters restored\nbaseline: %+v\ngot:      %+v", baseline, p)
	}
}

func TestRollbackRevokesSessionUnlocks(t *testing.T) {
	ctx := context.Background()
	m, st, q := newTestMerger(t)

	if _, _, err := m.Merge(ctx, "P1", flush(100, 0, 1, 1, 30, 100), true); err != nil {
		t.Fatalf("seed merge: %v", err)
	}
	baseline, err := m.Ensure(ctx, "P1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	committed := flush(200_000, 0, 500, 10, 10, 200_000)
	_, unlocked, err := m.Merge(ctx, "P1", committed, false)
	if err != nil {
		t.Fatalf("session merge: %v", err)
	}
	if len(unlocked) == 0 {
		t.Fatal("expected the session to unlock achievements")
	}

	p, err := m.Rollback(ctx, "P1", committed.SessionDeltas, baseline, unlocked)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if p.AchievementsUnlocked != baseline.AchievementsUnlocked {
		t.Fatalf("expected %d unlocks after rollback, got %d", baseline.AchievementsUnlocked, p.AchievementsUnlocked)
	}
	rows, err := st.ListAchievements(ctx, "P1")
	if err != nil {
		t.Fatalf("list achievements: %v", err)
	}
	if len(rows) != baseline.AchievementsUnlocked {
		t.Fatalf("expected session unlock rows revoked, got %+v", rows)
	}

	q.mu.Lock()
	last := q.tasks[len(q.tasks)-1]
	q.mu.Unlock()
	if last.Kind != domain.SyncProfileUpdate || last.Profile.TotalScore != baseline.TotalScore ||
		last.Profile.AchievementsUnlocked != baseline.AchievementsUnlocked {
		t.Fatalf("expected corrective profile snapshot, got %+v", last)
	}
}

func TestRecordSessionMirrorsOnlyValidSessions(t *testing.T) {
	ctx := context.Background()
	m, st, q := newTestMerger(t)

	invalid := domain.SessionResult{SessionID: "bad", Identity: "P1", CheatScore: 0.9, Valid: false, Flagged: true}
	if err := m.RecordSession(ctx, invalid); err != nil {
		t.Fatalf("record invalid: %v", err)
	}
	if q.kinds()[domain.SyncSessionResult] != 0 {
		t.Fatal("invalid sessions must not be mirrored")
	}
	p, err := st.GetPlayer(ctx, "P1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if p.CheatScore != 0.9 {
		t.Fatalf("expected cheat score 0.9, got %v", p.CheatScore)
	}

	valid := domain.SessionResult{SessionID: "good", Identity: "P1", CheatScore: 0, Valid: true}
	if err := m.RecordSession(ctx, valid); err != nil {
		t.Fatalf("record valid: %v", err)
	}
	if q.kinds()[domain.SyncSessionResult] != 1 {
		t.Fatal("expected one session-result task")
	}
	sessions, err := st.ListSessions(ctx, "P1", 10, false)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected two audit rows, got %v %v", sessions, err)
	}
}

func TestSaveProfileKeepsCounters(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMerger(t)

	if _, _, err := m.Merge(ctx, "P1", flush(70, 0, 0, 0, 0, 70), true); err != nil {
		t.Fatalf("merge: %v", err)
	}
	p, err := m.SaveProfile(ctx, "P1", "  Bomber ", 4)
	if err != nil {
		t.Fatalf("save profile: %v", err)
	}
	if p.Username != "Bomber" || p.Level != 4 || p.TotalScore != 70 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if _, err := m.SaveProfile(ctx, "", "x", 1); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestAward(t *testing.T) {
	ctx := context.Background()
	m, _, q := newTestMerger(t)

	if _, err := m.Award(ctx, "P1", 0, "nothing"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	p, err := m.Award(ctx, "P1", 25, "tournament")
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if p.TokenBalance != 25 {
		t.Fatalf("expected balance 25, got %d", p.TokenBalance)
	}
	if q.kinds()[domain.SyncTokenAward] != 1 {
		t.Fatal("expected one token-award task")
	}
}

func TestSetBan(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMerger(t)

	if _, err := m.SetBan(ctx, "ghost", true, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Ensure(ctx, "P1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p, err := m.SetBan(ctx, "P1", true, "aimbot")
	if err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !p.IsBanned || p.BanReason != "aimbot" {
		t.Fatalf("unexpected ban state: %+v", p)
	}
	p, err = m.SetBan(ctx, "P1", false, "")
	if err != nil {
		t.Fatalf("unban: %v", err)
	}
	if p.IsBanned || p.BanReason != "" {
		t.Fatalf("unexpected unban state: %+v", p)
	}
}

func TestMergeSurfacesStoreUnavailable(t *testing.T) {
	m, st, _ := newTestMerger(t)
	st.SetUnavailable(true)
	_, _, err := m.Merge(context.Background(), "P1", flush(1, 0, 0, 0, 0, 1), false)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
