// Package anticheat scores finished sessions against plausibility heuristics.
package anticheat

import (
	"time"

	"github.com/kaboom-backend/internal/domain"
)

// Snapshot is the session view the rules evaluate
type Snapshot struct {
	ScoreEarned     int64
	EnemiesKilled   int64
	LevelsCompleted int64
	Survival        time.Duration
}

// SnapshotOf builds a snapshot from session deltas
func SnapshotOf(d domain.SessionDeltas) Snapshot {
	return Snapshot{
		ScoreEarned:     d.ScoreEarned,
		EnemiesKilled:   d.EnemiesKilled,
		LevelsCompleted: d.LevelsCompleted,
		Survival:        time.Duration(d.SurvivalSeconds) * time.Second,
	}
}

// Rule returns the suspicion it adds for a snapshot, or 0
type Rule func(Snapshot) float64

// ScoreTooFast fires when more than 10,000 points are earned in under a minute.
func ScoreTooFast(s Snapshot) float64 {
	if s.ScoreEarned > 10_000 && s.Survival < time.Minute {
		return 0.5
	}
	return 0
}

// LevelsTooFast fires when more than 5 levels are completed in under 5 minutes.
func LevelsTooFast(s Snapshot) float64 {
	if s.LevelsCompleted > 5 && s.Survival < 5*time.Minute {
		return 0.3
	}
	return 0
}

// KillsTooFast fires when more than 50 enemies die in under 2 minutes.
func KillsTooFast(s Snapshot) float64 {
	if s.EnemiesKilled > 50 && s.Survival < 2*time.Minute {
		return 0.4
	}
	return 0
}

// DefaultRules are the heuristics applied to every session
var DefaultRules = []Rule{ScoreTooFast, LevelsTooFast, KillsTooFast}

// Verdict is the outcome of evaluating one session
type Verdict struct {
	Score   float64
	Valid   bool
	Flagged bool
}

// Evaluator sums rule scores and compares them to thresholds
type Evaluator struct {
	rules         []Rule
	threshold     float64
	flagThreshold float64
}

// NewEvaluator creates an evaluator. Sessions scoring at or above threshold
// are invalid; at or above flagThreshold they are flagged for review.
func NewEvaluator(threshold, flagThreshold float64, rules ...Rule) *Evaluator {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Evaluator{
		rules:         rules,
		threshold:     threshold,
		flagThreshold: flagThreshold,
	}
}

// Evaluate scores a snapshot, capping the sum at 1
func (e *Evaluator) Evaluate(s Snapshot) Verdict {
	var score float64
	for _, rule := range e.rules {
		score += rule(s)
	}
	score = min(score, 1.0)
	return Verdict{
		Score:   score,
		Valid:   score < e.threshold,
		Flagged: score >= e.flagThreshold,
	}
}
