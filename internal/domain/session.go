package domain

import (
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// EventKind identifies which session counter an event updates
type EventKind string

const (
	EventScore          EventKind = "score"
	EventTokens         EventKind = "tokens"
	EventEnemyKilled    EventKind = "enemy_killed"
	EventBombUsed       EventKind = "bomb_used"
	EventLevelCompleted EventKind = "level_completed"
	EventLevelReached   EventKind = "level_reached"
)

// Valid reports whether the kind is a known event kind
func (k EventKind) Valid() bool {
	switch k {
	case EventScore, EventTokens, EventEnemyKilled, EventBombUsed, EventLevelCompleted, EventLevelReached:
		return true
	}
	return false
}

// SessionDeltas holds the progress accumulated during a session.
//
// Score, tokens, enemies, bombs and levels completed are additive. LevelReached
// and SurvivalSeconds are absolute session values merged with max().
type SessionDeltas struct {
	ScoreEarned     int64 `json:"score_earned"`
	TokensEarned    int64 `json:"tokens_earned"`
	EnemiesKilled   int64 `json:"enemies_killed"`
	BombsUsed       int64 `json:"bombs_used"`
	LevelsCompleted int64 `json:"levels_completed"`
	LevelReached    int   `json:"level_reached"`
	SurvivalSeconds int64 `json:"survival_time_seconds"`
}

// Apply records one event into the deltas
func (d *SessionDeltas) Apply(kind EventKind, amount int64) {
	switch kind {
	case EventScore:
		d.ScoreEarned += amount
	case EventTokens:
		d.TokensEarned += amount
	case EventEnemyKilled:
		d.EnemiesKilled += amount
	case EventBombUsed:
		d.BombsUsed += amount
	case EventLevelCompleted:
		d.LevelsCompleted += amount
	case EventLevelReached:
		if int(amount) > d.LevelReached {
			d.LevelReached = int(amount)
		}
	}
}

// Add folds other into d: sums for additive counters, max for absolute ones
func (d *SessionDeltas) Add(other SessionDeltas) {
	d.ScoreEarned += other.ScoreEarned
	d.TokensEarned += other.TokensEarned
	d.EnemiesKilled += other.EnemiesKilled
	d.BombsUsed += other.BombsUsed
	d.LevelsCompleted += other.LevelsCompleted
	d.LevelReached = max(d.LevelReached, other.LevelReached)
	d.SurvivalSeconds = max(d.SurvivalSeconds, other.SurvivalSeconds)
}

// IsZero reports whether no additive progress is present
func (d SessionDeltas) IsZero() bool {
	return d.ScoreEarned == 0 && d.TokensEarned == 0 && d.EnemiesKilled == 0 &&
		d.BombsUsed == 0 && d.LevelsCompleted == 0
}

// SessionState is the in-memory state of one active session
type SessionState struct {
	SessionID     string        `json:"session_id"`
	Identity      string        `json:"identity"`
	StartedAt     time.Time     `json:"session_start"`
	Deltas        SessionDeltas `json:"deltas"`
	LastFlushedAt time.Time     `json:"last_flushed_at"`
}

// FlushDeltas is what the tracker hands to the stat merger on each flush
type FlushDeltas struct {
	SessionDeltas
	SessionID string `json:"session_id"`
	// SessionScore is the score earned over the whole session so far.
	SessionScore int64 `json:"session_score"`
}

// SessionResult is the audit record written when a session ends
type SessionResult struct {
	SessionID  string        `json:"session_id"`
	Identity   string        `json:"wallet_address"`
	StartedAt  time.Time     `json:"session_start"`
	EndedAt    time.Time     `json:"session_end"`
	Deltas     SessionDeltas `json:"deltas"`
	CheatScore float64       `json:"cheat_score"`
	Valid      bool          `json:"is_valid"`
	Flagged    bool          `json:"is_flagged"`
	Hash       string        `json:"session_hash"`
}

// ComputeHash returns the blake3 digest binding the session's identity, timing and deltas
func (r *SessionResult) ComputeHash() string {
	d := r.Deltas
	payload := fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d|%d|%d|%d|%d",
		r.SessionID, r.Identity, r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
		d.ScoreEarned, d.TokensEarned, d.EnemiesKilled, d.BombsUsed,
		d.LevelsCompleted, d.LevelReached, d.SurvivalSeconds)
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SessionSnapshot is the session fact mirrored to the ledger
type SessionSnapshot struct {
	SessionID     string    `json:"session_id"`
	Identity      string    `json:"wallet_address"`
	StartedAt     time.Time `json:"session_start"`
	EndedAt       time.Time `json:"session_end"`
	FinalScore    int64     `json:"final_score"`
	EnemiesKilled int64     `json:"enemies_killed"`
	BombsUsed     int64     `json:"bombs_used"`
	LevelReached  int       `json:"level_reached"`
	SurvivalTime  int64     `json:"survival_time"`
	Hash          string    `json:"session_hash"`
}

// Snapshot copies the mirrored fields of the result
func (r *SessionResult) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:     r.SessionID,
		Identity:      r.Identity,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		FinalScore:    r.Deltas.ScoreEarned,
		EnemiesKilled: r.Deltas.EnemiesKilled,
		BombsUsed:     r.Deltas.BombsUsed,
		LevelReached:  r.Deltas.LevelReached,
		SurvivalTime:  r.Deltas.SurvivalSeconds,
		Hash:          r.Hash,
	}
}

// EndResult is returned to the caller when a session ends
type EndResult struct {
	SessionID  string        `json:"session_id"`
	Valid      bool          `json:"valid"`
	CheatScore float64       `json:"cheat_score"`
	Flagged    bool          `json:"flagged"`
	Deltas     SessionDeltas `json:"deltas"`
}

// StartSessionRequest represents a request to start a session
type StartSessionRequest struct {
	Identity string `json:"wallet_address"`
}

// SessionEvent represents a single gameplay event reported by a client
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Amount    int64     `json:"amount"`
}
