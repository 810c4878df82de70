package anticheat

import (
	"testing"
	"time"

	"github.com/kaboom-backend/internal/domain"
)

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(0.7, 0.3)

	cases := []struct {
		name    string
		snap    Snapshot
		score   float64
		valid   bool
		flagged bool
	}{
		{
			name:  "ordinary session",
			snap:  Snapshot{ScoreEarned: 2_000, EnemiesKilled: 12, LevelsCompleted: 2, Survival: 8 * time.Minute},
			score: 0, valid: true, flagged: false,
		},
		{
			name:  "50000 score in 10 seconds scores exactly 0.5 and stays valid",
			snap:  Snapshot{ScoreEarned: 50_000, Survival: 10 * time.Second},
			score: 0.5, valid: true, flagged: true,
		},
		{
			name:  "score boundary is exclusive",
			snap:  Snapshot{ScoreEarned: 10_000, Survival: 10 * time.Second},
			score: 0, valid: true, flagged: false,
		},
		{
			name:  "survival boundary is exclusive",
			snap:  Snapshot{ScoreEarned: 50_000, Survival: time.Minute},
			score: 0, valid: true, flagged: false,
		},
		{
			name:  "levels too fast",
			snap:  Snapshot{LevelsCompleted: 6, Survival: 4 * time.Minute},
			score: 0.3, valid: true, flagged: true,
		},
		{
			name:  "kills too fast",
			snap:  Snapshot{EnemiesKilled: 51, Survival: 90 * time.Second},
			score: 0.4, valid: true, flagged: true,
		},
		{
			name:  "score and kills cross the threshold",
			snap:  Snapshot{ScoreEarned: 20_000, EnemiesKilled: 60, Survival: 30 * time.Second},
			score: 0.9, valid: false, flagged: true,
		},
		{
			name:  "all rules cap at one",
			snap:  Snapshot{ScoreEarned: 20_000, EnemiesKilled: 60, LevelsCompleted: 10, Survival: 30 * time.Second},
			score: 1.0, valid: false, flagged: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := e.Evaluate(tc.snap)
			if !almostEqual(v.Score, tc.score) {
				t.Fatalf("expected score %.2f, got %.2f", tc.score, v.Score)
			}
			if v.Valid != tc.valid {
				t.Fatalf("expected valid=%v, got %v", tc.valid, v.Valid)
			}
			if v.Flagged != tc.flagged {
				t.Fatalf("expected flagged=%v, got %v", tc.flagged, v.Flagged)
			}
		})
	}
}

func TestEvaluateExactThresholdIsInvalid(t *testing.T) {
	e := NewEvaluator(0.7, 0.3, func(Snapshot) float64 { return 0.7 })
	if v := e.Evaluate(Snapshot{}); v.Valid {
		t.Fatalf("expected score at threshold to be invalid: %+v", v)
	}
}

func TestSnapshotOf(t *testing.T) {
	s := SnapshotOf(domain.SessionDeltas{ScoreEarned: 5, EnemiesKilled: 2, LevelsCompleted: 1, SurvivalSeconds: 90})
	if s.Survival != 90*time.Second || s.ScoreEarned != 5 || s.EnemiesKilled != 2 || s.LevelsCompleted != 1 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
