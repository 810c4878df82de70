package domain

import "time"

// Achievement is a threshold-based unlock evaluated against a player record
type Achievement struct {
	ID          string                   `json:"achievement_id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	TokenReward int64                    `json:"token_reward"`
	Unlocked    func(*PlayerRecord) bool `json:"-"`
}

// Achievements is the fixed unlock table
var Achievements = []Achievement{
	{
		ID: "first_game", Name: "First Game", Description: "Finish a game with a score",
		TokenReward: 5,
		Unlocked:    func(p *PlayerRecord) bool { return p.GamesPlayed >= 1 },
	},
	{
		ID: "first_blood", Name: "First Blood", Description: "Defeat your first enemy",
		TokenReward: 10,
		Unlocked:    func(p *PlayerRecord) bool { return p.TotalEnemiesKilled >= 1 },
	},
	{
		ID: "score_10k", Name: "High Scorer", Description: "Reach 10,000 total score",
		TokenReward: 50,
		Unlocked:    func(p *PlayerRecord) bool { return p.TotalScore >= 10_000 },
	},
	{
		ID: "score_100k", Name: "Score Legend", Description: "Reach 100,000 total score",
		TokenReward: 200,
		Unlocked:    func(p *PlayerRecord) bool { return p.TotalScore >= 100_000 },
	},
	{
		ID: "exterminator", Name: "Exterminator", Description: "Defeat 100 enemies",
		TokenReward: 50,
		Unlocked:    func(p *PlayerRecord) bool { return p.TotalEnemiesKilled >= 100 },
	},
	{
		ID: "demolition", Name: "Demolition Expert", Description: "Use 500 bombs",
		TokenReward: 25,
		Unlocked:    func(p *PlayerRecord) bool { return p.TotalBombsUsed >= 500 },
	},
	{
		ID: "level_10", Name: "Explorer", Description: "Reach level 10",
		TokenReward: 100,
		Unlocked:    func(p *PlayerRecord) bool { return p.HighestLevelReached >= 10 },
	},
	{
		ID: "survivor", Name: "Survivor", Description: "Survive 10 minutes in one game",
		TokenReward: 75,
		Unlocked:    func(p *PlayerRecord) bool { return p.LongestSurvivalTime >= 600 },
	},
	{
		ID: "veteran", Name: "Veteran", Description: "Play 50 games",
		TokenReward: 100,
		Unlocked:    func(p *PlayerRecord) bool { return p.GamesPlayed >= 50 },
	},
}

// PlayerAchievement records an unlock for one player
type PlayerAchievement struct {
	Identity      string    `json:"wallet_address"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// Unlock is an achievement newly unlocked by a merge
type Unlock struct {
	Achievement Achievement
	UnlockedAt  time.Time
}

// AchievementSnapshot is the unlock fact mirrored to the ledger
type AchievementSnapshot struct {
	AchievementID string    `json:"achievement_id"`
	Identity      string    `json:"wallet_address"`
	Name          string    `json:"achievement_name"`
	Description   string    `json:"achievement_description"`
	SessionID     string    `json:"game_session_id,omitempty"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}
