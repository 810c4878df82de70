package domain

import "time"

// MaxLives is the number of lives a fully recharged player holds
const MaxLives = 3

// RechargeState tracks a player's lives and cooldown
type RechargeState struct {
	Identity         string     `json:"identity"`
	LivesRemaining   int        `json:"lives_remaining"`
	CooldownEnd      *time.Time `json:"recharge_cooldown_end,omitempty"`
	IsRecharging     bool       `json:"is_recharging"`
	TotalRecharges   int64      `json:"total_recharges"`
	LastRechargeTime *time.Time `json:"last_recharge_time,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewRechargeState returns the default full-lives state
func NewRechargeState(identity string, now time.Time) *RechargeState {
	return &RechargeState{
		Identity:       identity,
		LivesRemaining: MaxLives,
		UpdatedAt:      now,
	}
}

// CooldownExpired reports whether a stored cooldown has passed but not been completed yet
func (r *RechargeState) CooldownExpired(now time.Time) bool {
	return r.IsRecharging && r.CooldownEnd != nil && !now.Before(*r.CooldownEnd)
}

// CompleteRecharge moves an expired cooldown back to full lives
func (r *RechargeState) CompleteRecharge(now time.Time) {
	r.LivesRemaining = MaxLives
	r.IsRecharging = false
	r.CooldownEnd = nil
	r.TotalRecharges++
	t := now
	r.LastRechargeTime = &t
	r.UpdatedAt = now
}

// RechargeStatus is the caller-facing view of a recharge state
type RechargeStatus struct {
	Identity       string     `json:"identity"`
	LivesRemaining int        `json:"lives_remaining"`
	MaxLives       int        `json:"max_lives"`
	IsRecharging   bool       `json:"is_recharging"`
	CooldownEnd    *time.Time `json:"cooldown_end,omitempty"`
	TimeRemaining  int64      `json:"time_remaining_seconds"`
	CanPlay        bool       `json:"can_play"`
	TotalRecharges int64      `json:"total_recharges"`
}

// Status derives the caller-facing view at the given time
func (r *RechargeState) Status(now time.Time) RechargeStatus {
	status := RechargeStatus{
		Identity:       r.Identity,
		LivesRemaining: r.LivesRemaining,
		MaxLives:       MaxLives,
		IsRecharging:   r.IsRecharging,
		CooldownEnd:    r.CooldownEnd,
		TotalRecharges: r.TotalRecharges,
	}
	if r.IsRecharging && r.CooldownEnd != nil {
		if remaining := r.CooldownEnd.Sub(now); remaining > 0 {
			status.TimeRemaining = int64((remaining + time.Second - 1) / time.Second)
		}
	}
	status.CanPlay = !status.IsRecharging && status.LivesRemaining > 0
	return status
}

// CooldownRequest starts a cooldown; zero minutes means the configured default
type CooldownRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

// SetLivesRequest overrides a player's life count
type SetLivesRequest struct {
	Lives *int `json:"lives"`
}
