package domain

// LeaderboardKind names the cumulative stat a leaderboard ranks by
type LeaderboardKind string

const (
	LeaderboardScore  LeaderboardKind = "score"
	LeaderboardTokens LeaderboardKind = "tokens"
)

// Valid reports whether the kind is one the stores can rank by
func (k LeaderboardKind) Valid() bool {
	return k == LeaderboardScore || k == LeaderboardTokens
}

// Value returns the stat of the record the leaderboard ranks by
func (k LeaderboardKind) Value(p *PlayerRecord) int64 {
	if k == LeaderboardTokens {
		return p.TokenBalance
	}
	return p.TotalScore
}

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	Rank     int64  `json:"rank"`
	Identity string `json:"identity"`
	Value    int64  `json:"value"`
	Username string `json:"username,omitempty"`
}
