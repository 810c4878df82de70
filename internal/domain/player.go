package domain

import "time"

// PlayerRecord holds a player's durable cumulative stats
type PlayerRecord struct {
	Identity             string    `json:"identity"`
	Username             string    `json:"username"`
	Level                int       `json:"level"`
	TotalScore           int64     `json:"total_score"`
	TokenBalance         int64     `json:"token_balance"`
	GamesPlayed          int64     `json:"games_played"`
	GamesWon             int64     `json:"games_won"`
	TotalEnemiesKilled   int64     `json:"total_enemies_killed"`
	TotalBombsUsed       int64     `json:"total_bombs_used"`
	HighestLevelReached  int       `json:"highest_level_reached"`
	LongestSurvivalTime  int64     `json:"longest_survival_time"`
	AchievementsUnlocked int       `json:"achievements_unlocked"`
	IsBanned             bool      `json:"is_banned"`
	BanReason            string    `json:"ban_reason,omitempty"`
	CheatScore           float64   `json:"cheat_score"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NewPlayerRecord returns the zero-valued default record for a first-time player
func NewPlayerRecord(identity string, now time.Time) *PlayerRecord {
	return &PlayerRecord{
		Identity:            identity,
		Username:            "Player",
		Level:               1,
		HighestLevelReached: 1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// ProfileSnapshot is the subset of a player record mirrored to the ledger
type ProfileSnapshot struct {
	Identity             string    `json:"wallet_address"`
	Username             string    `json:"username"`
	Level                int       `json:"level"`
	TotalScore           int64     `json:"total_score"`
	TokenBalance         int64     `json:"boom_tokens"`
	GamesPlayed          int64     `json:"games_played"`
	GamesWon             int64     `json:"games_won"`
	HighestLevelReached  int       `json:"highest_level_reached"`
	TotalEnemiesKilled   int64     `json:"total_enemies_killed"`
	TotalBombsUsed       int64     `json:"total_bombs_used"`
	AchievementsUnlocked int       `json:"achievements_unlocked"`
	UpdatedAt            time.Time `json:"last_updated"`
}

// Snapshot copies the mirrored fields of the record
func (p *PlayerRecord) Snapshot() ProfileSnapshot {
	return ProfileSnapshot{
		Identity:             p.Identity,
		Username:             p.Username,
		Level:                p.Level,
		TotalScore:           p.TotalScore,
		TokenBalance:         p.TokenBalance,
		GamesPlayed:          p.GamesPlayed,
		GamesWon:             p.GamesWon,
		HighestLevelReached:  p.HighestLevelReached,
		TotalEnemiesKilled:   p.TotalEnemiesKilled,
		TotalBombsUsed:       p.TotalBombsUsed,
		AchievementsUnlocked: p.AchievementsUnlocked,
		UpdatedAt:            p.UpdatedAt,
	}
}

// SaveProfileRequest represents an explicit profile save from a client
type SaveProfileRequest struct {
	Identity string `json:"wallet_address"`
	Username string `json:"username"`
	Level    int    `json:"level,omitempty"`
}

// PlayerPage is a page of players returned by a listing query
type PlayerPage struct {
	Players []PlayerRecord `json:"players"`
	Page    int            `json:"page"`
	Limit   int            `json:"limit"`
	Total   int64          `json:"total"`
	Pages   int64          `json:"pages"`
}

// BanRequest represents an administrative ban
type BanRequest struct {
	Reason string `json:"reason"`
}

// AwardRequest represents an explicit token award
type AwardRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}
