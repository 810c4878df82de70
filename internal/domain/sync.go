package domain

import "time"

// SyncKind identifies which ledger call a sync task maps to
type SyncKind string

const (
	SyncProfileUpdate SyncKind = "profile-update"
	SyncSessionResult SyncKind = "session-result"
	SyncAchievement   SyncKind = "achievement"
	SyncTokenAward    SyncKind = "token-award"
)

// SyncTask is one fact waiting to be mirrored to the ledger
type SyncTask struct {
	ID          string               `json:"id"`
	Kind        SyncKind             `json:"kind"`
	Identity    string               `json:"identity"`
	Profile     *ProfileSnapshot     `json:"profile,omitempty"`
	Session     *SessionSnapshot     `json:"session,omitempty"`
	Achievement *AchievementSnapshot `json:"achievement,omitempty"`
	Award       *TokenAward          `json:"award,omitempty"`
	EnqueuedAt  time.Time            `json:"enqueued_at"`
	NotBefore   time.Time            `json:"not_before"`
	Retries     int                  `json:"retry_count"`
	LastError   string               `json:"last_error,omitempty"`
}

// TokenAward is an explicit reward of tokens to a player
type TokenAward struct {
	Identity string    `json:"wallet_address"`
	Amount   int64     `json:"amount"`
	Reason   string    `json:"reason"`
	AwardAt  time.Time `json:"timestamp"`
}

// SyncTaskStatus describes one queued task for observability
type SyncTaskStatus struct {
	ID        string    `json:"id"`
	Kind      SyncKind  `json:"type"`
	Identity  string    `json:"identity"`
	Retries   int       `json:"retry_count"`
	NotBefore time.Time `json:"not_before"`
	LastError string    `json:"last_error,omitempty"`
}

// SyncQueueStatus is the observable state of the sync queue
type SyncQueueStatus struct {
	Length     int              `json:"length"`
	Processing bool             `json:"processing"`
	Dropped    int64            `json:"dropped"`
	Delivered  int64            `json:"delivered"`
	Items      []SyncTaskStatus `json:"items"`
}
