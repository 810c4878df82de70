// Package session tracks active game sessions in memory and flushes their
// progress to the stat merger on a timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaboom-backend/internal/anticheat"
	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"golang.org/x/sync/errgroup"
)

// EventSessionEnded is pushed to subscribers when a session finishes
const EventSessionEnded = "session_ended"

// Merger persists session progress
type Merger interface {
	Ensure(ctx context.Context, identity string) (*domain.PlayerRecord, error)
	Merge(ctx context.Context, identity string, d domain.FlushDeltas, isFinal bool) (*domain.PlayerRecord, []domain.Unlock, error)
	Rollback(ctx context.Context, identity string, committed domain.SessionDeltas, baseline *domain.PlayerRecord, unlocks []domain.Unlock) (*domain.PlayerRecord, error)
	ReleaseUnlocks(identity, sessionID string, unlocks []domain.Unlock)
	RecordSession(ctx context.Context, result domain.SessionResult) error
}

// Notifier receives live updates for one identity
type Notifier interface {
	Notify(identity, event string, data any)
}

// Options configures a Tracker
type Options struct {
	FlushInterval time.Duration
	Supersede     string
	// IdleTimeout closes sessions that saw no event for this long. Zero disables it.
	IdleTimeout time.Duration
}

type session struct {
	id        string
	identity  string
	startedAt time.Time
	baseline  domain.PlayerRecord

	// mu guards the counters and flusher handles below.
	mu            sync.Mutex
	total         domain.SessionDeltas
	pending       domain.SessionDeltas
	committed     domain.SessionDeltas
	lastFlushedAt time.Time
	lastEventAt   time.Time
	closed        bool
	stop          chan struct{}
	done          chan struct{}

	// flushMu serializes flushes with End; the fields below are guarded by it.
	flushMu     sync.Mutex
	ended       bool
	finalMerged bool
	// unlocks earned by flushes, mirrored only once the session is accepted
	unlocks []domain.Unlock
}

// Tracker owns every active session, at most one per identity
type Tracker struct {
	mu         sync.Mutex
	byID       map[string]*session
	byIdentity map[string]*session

	merger    Merger
	evaluator *anticheat.Evaluator
	clock     clock.Clock
	interval  time.Duration
	idle      time.Duration
	supersede string
	notifier  Notifier
	logger    *slog.Logger
}

// NewTracker creates a session tracker
func NewTracker(merger Merger, evaluator *anticheat.Evaluator, clk clock.Clock, opts Options, logger *slog.Logger) *Tracker {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Supersede == "" {
		opts.Supersede = config.SupersedeReplace
	}
	return &Tracker{
		byID:       make(map[string]*session),
		byIdentity: make(map[string]*session),
		merger:     merger,
		evaluator:  evaluator,
		clock:      clk,
		interval:   opts.FlushInterval,
		idle:       opts.IdleTimeout,
		supersede:  opts.Supersede,
		logger:     logger,
	}
}

// SetNotifier sets the live update sink
func (t *Tracker) SetNotifier(n Notifier) {
	t.notifier = n
}

// Start opens a session for identity. An already open session is either
// closed and replaced or returned as is, depending on the supersede policy.
func (t *Tracker) Start(ctx context.Context, identity string) (domain.SessionState, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.SessionState{}, err
	}
	baseline, err := t.merger.Ensure(ctx, identity)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("loading player: %w", err)
	}
	if baseline.IsBanned {
		return domain.SessionState{}, domain.ErrPlayerBanned
	}

	t.mu.Lock()
	existing := t.byIdentity[identity]
	if existing != nil && t.supersede == config.SupersedeResume {
		t.mu.Unlock()
		return t.snapshot(existing), nil
	}
	if existing != nil {
		t.detachLocked(existing)
	}
	t.mu.Unlock()

	if existing != nil {
		t.retire(ctx, existing)
		// The old session's last flush may have moved the record.
		if baseline, err = t.merger.Ensure(ctx, identity); err != nil {
			return domain.SessionState{}, fmt.Errorf("loading player: %w", err)
		}
	}

	now := t.clock.Now()
	s := &session{
		id:            uuid.NewString(),
		identity:      identity,
		startedAt:     now,
		baseline:      *baseline,
		lastFlushedAt: now,
		lastEventAt:   now,
	}

	t.mu.Lock()
	raced := t.byIdentity[identity]
	if raced != nil {
		t.detachLocked(raced)
	}
	t.byID[s.id] = s
	t.byIdentity[identity] = s
	t.mu.Unlock()

	if raced != nil {
		t.retire(ctx, raced)
	}
	t.startFlusher(s)

	t.logger.Info("session started", "identity", identity, "session_id", s.id)
	return t.snapshot(s), nil
}

// RecordEvent applies one gameplay event. Events for unknown or superseded
// sessions are logged and ignored, reporting applied=false.
func (t *Tracker) RecordEvent(ctx context.Context, sessionID string, kind domain.EventKind, amount int64) (bool, error) {
	if sessionID == "" {
		return false, domain.ErrMissingSessionID
	}
	if !kind.Valid() {
		return false, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidEvent, kind)
	}
	if amount < 0 {
		return false, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}

	s := t.lookup(sessionID)
	if s == nil {
		t.logger.Warn("event for inactive session ignored", "session_id", sessionID, "kind", kind)
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.logger.Warn("event for closed session ignored", "session_id", sessionID, "kind", kind)
		return false, nil
	}
	s.total.Apply(kind, amount)
	s.pending.Apply(kind, amount)
	s.lastEventAt = t.clock.Now()
	return true, nil
}

// Get returns a snapshot of an active session
func (t *Tracker) Get(sessionID string) (domain.SessionState, error) {
	s := t.lookup(sessionID)
	if s == nil {
		return domain.SessionState{}, domain.ErrStaleSession
	}
	return t.snapshot(s), nil
}

// ActiveCount returns the number of open sessions
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// End finishes a session: it evaluates anti-cheat over the whole session, then
// either merges the remaining progress or rolls back everything flushed so far.
// The session stays open when persistence fails so the caller can retry.
func (t *Tracker) End(ctx context.Context, sessionID string) (domain.EndResult, error) {
	if sessionID == "" {
		return domain.EndResult{}, domain.ErrMissingSessionID
	}
	s := t.lookup(sessionID)
	if s == nil {
		return domain.EndResult{}, domain.ErrStaleSession
	}

	s.stopFlusher()
	s.flushMu.Lock()
	result, err := t.endLocked(ctx, s)
	s.flushMu.Unlock()
	if err != nil {
		if !errors.Is(err, domain.ErrStaleSession) {
			t.startFlusher(s)
		}
		return domain.EndResult{}, err
	}
	// A concurrent End that failed may have re-armed the flusher.
	s.stopFlusher()

	t.mu.Lock()
	if t.byID[s.id] == s {
		t.detachLocked(s)
	}
	t.mu.Unlock()

	t.logger.Info("session ended",
		"identity", s.identity,
		"session_id", s.id,
		"valid", result.Valid,
		"cheat_score", result.CheatScore,
		"flagged", result.Flagged,
	)
	t.notify(s.identity, EventSessionEnded, result)
	return result, nil
}

// endLocked runs with s.flushMu held
func (t *Tracker) endLocked(ctx context.Context, s *session) (domain.EndResult, error) {
	if s.ended {
		return domain.EndResult{}, domain.ErrStaleSession
	}

	now := t.clock.Now()
	total := t.totalAt(s, now)
	verdict := t.evaluator.Evaluate(anticheat.SnapshotOf(total))
	if verdict.Valid {
		if !s.finalMerged {
			if err := t.flushLocked(ctx, s, true); err != nil {
				return domain.EndResult{}, err
			}
			s.finalMerged = true
		}
	} else if err := t.rejectLocked(ctx, s, verdict); err != nil {
		return domain.EndResult{}, err
	}

	if err := t.recordLocked(ctx, s, now, total, verdict); err != nil {
		return domain.EndResult{}, err
	}
	if verdict.Valid {
		t.merger.ReleaseUnlocks(s.identity, s.id, s.unlocks)
	}
	s.unlocks = nil

	s.ended = true
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return domain.EndResult{
		SessionID:  s.id,
		Valid:      verdict.Valid,
		CheatScore: verdict.Score,
		Flagged:    verdict.Flagged,
		Deltas:     total,
	}, nil
}

// rejectLocked rolls back everything the session committed. It runs with s.flushMu held.
func (t *Tracker) rejectLocked(ctx context.Context, s *session, verdict anticheat.Verdict) error {
	s.mu.Lock()
	committed := s.committed
	s.mu.Unlock()
	if _, err := t.merger.Rollback(ctx, s.identity, committed, &s.baseline, s.unlocks); err != nil {
		return fmt.Errorf("rolling back session: %w", err)
	}
	s.unlocks = nil
	s.mu.Lock()
	s.committed = domain.SessionDeltas{}
	s.pending = domain.SessionDeltas{}
	s.mu.Unlock()
	t.logger.Warn("session rejected by anti-cheat",
		"identity", s.identity,
		"session_id", s.id,
		"cheat_score", verdict.Score,
		"error", domain.ErrAntiCheatRejected,
	)
	return nil
}

// recordLocked writes the hashed audit row. It runs with s.flushMu held.
func (t *Tracker) recordLocked(ctx context.Context, s *session, now time.Time, total domain.SessionDeltas, verdict anticheat.Verdict) error {
	record := domain.SessionResult{
		SessionID:  s.id,
		Identity:   s.identity,
		StartedAt:  s.startedAt,
		EndedAt:    now,
		Deltas:     total,
		CheatScore: verdict.Score,
		Valid:      verdict.Valid,
		Flagged:    verdict.Flagged,
	}
	record.Hash = record.ComputeHash()
	return t.merger.RecordSession(ctx, record)
}

// abandon closes a session that will never see End. Its progress passes the
// same anti-cheat gate as End: accepted progress is flushed without counting
// a game, rejected progress is rolled back and audited.
func (t *Tracker) abandon(ctx context.Context, s *session, reason string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	now := t.clock.Now()
	total := t.totalAt(s, now)
	verdict := t.evaluator.Evaluate(anticheat.SnapshotOf(total))
	if verdict.Valid {
		if err := t.flushLocked(ctx, s, false); err != nil {
			return fmt.Errorf("flushing session %s: %w", s.id, err)
		}
		t.merger.ReleaseUnlocks(s.identity, s.id, s.unlocks)
		s.unlocks = nil
	} else {
		if err := t.rejectLocked(ctx, s, verdict); err != nil {
			return fmt.Errorf("rejecting session %s: %w", s.id, err)
		}
		if err := t.recordLocked(ctx, s, now, total, verdict); err != nil {
			return fmt.Errorf("recording session %s: %w", s.id, err)
		}
	}

	t.logger.Info("session closed",
		"identity", s.identity,
		"session_id", s.id,
		"reason", reason,
		"valid", verdict.Valid,
	)
	return nil
}

// Shutdown settles every open session concurrently and drops them.
// It returns when all of them finish or ctx is done.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.byID))
	for _, s := range t.byID {
		sessions = append(sessions, s)
	}
	t.byID = make(map[string]*session)
	t.byIdentity = make(map[string]*session)
	t.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.stopFlusher()
			return t.abandon(ctx, s, "shutdown")
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		t.logger.Info("sessions flushed on shutdown", "count", len(sessions), "error", err)
		return err
	case <-ctx.Done():
		return fmt.Errorf("flushing sessions: %w", ctx.Err())
	}
}

// flushLocked merges progress since the last flush. It runs with s.flushMu held.
// On failure the progress is put back so the next flush retries it.
func (t *Tracker) flushLocked(ctx context.Context, s *session, final bool) error {
	now := t.clock.Now()

	s.mu.Lock()
	d := domain.FlushDeltas{
		SessionDeltas: s.pending,
		SessionID:     s.id,
		SessionScore:  s.total.ScoreEarned,
	}
	d.LevelReached = s.total.LevelReached
	d.SurvivalSeconds = survivalSeconds(s.startedAt, now)
	skip := !final && s.pending.IsZero() && d.LevelReached <= s.committed.LevelReached
	if !skip {
		s.pending = domain.SessionDeltas{}
	}
	s.mu.Unlock()

	if skip {
		return nil
	}

	_, unlocked, err := t.merger.Merge(ctx, s.identity, d, final)
	if err != nil {
		s.mu.Lock()
		s.pending.Add(d.SessionDeltas)
		s.mu.Unlock()
		return fmt.Errorf("merging session progress: %w", err)
	}
	s.unlocks = append(s.unlocks, unlocked...)

	s.mu.Lock()
	s.committed.Add(d.SessionDeltas)
	s.lastFlushedAt = now
	s.mu.Unlock()
	return nil
}

func (t *Tracker) startFlusher(s *session) {
	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.stop, s.done = stop, done
	s.mu.Unlock()
	go t.runFlusher(s, stop, done)
}

func (t *Tracker) runFlusher(s *session, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.idle > 0 && t.idleSince(s) >= t.idle {
				t.expire(s)
				return
			}
			t.periodicFlush(s)
		}
	}
}

func (t *Tracker) periodicFlush(s *session) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.ended {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()
	if err := t.flushLocked(ctx, s, false); err != nil {
		t.logger.Error("periodic session flush failed",
			"identity", s.identity,
			"session_id", s.id,
			"error", err,
		)
	}
}

func (t *Tracker) idleSince(s *session) time.Duration {
	now := t.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastEventAt)
}

// expire closes an idle session from its own flusher goroutine.
// The session stays registered until it is settled.
func (t *Tracker) expire(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), max(t.interval, 5*time.Second))
	defer cancel()
	if err := t.abandon(ctx, s, "idle"); err != nil {
		t.logger.Error("closing idle session failed",
			"identity", s.identity,
			"session_id", s.id,
			"error", err,
		)
	}

	t.mu.Lock()
	if t.byID[s.id] == s {
		t.detachLocked(s)
	}
	t.mu.Unlock()
}

// stopFlusher stops the periodic flush and waits for an in-flight one
func (s *session) stopFlusher() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// retire closes a session that was superseded
func (t *Tracker) retire(ctx context.Context, s *session) {
	s.stopFlusher()
	if err := t.abandon(ctx, s, "superseded"); err != nil {
		t.logger.Error("closing superseded session failed",
			"identity", s.identity,
			"session_id", s.id,
			"error", err,
		)
	}
}

func (t *Tracker) lookup(sessionID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[sessionID]
}

// detachLocked runs with t.mu held
func (t *Tracker) detachLocked(s *session) {
	delete(t.byID, s.id)
	if t.byIdentity[s.identity] == s {
		delete(t.byIdentity, s.identity)
	}
}

func (t *Tracker) snapshot(s *session) domain.SessionState {
	now := t.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	deltas := s.total
	deltas.SurvivalSeconds = survivalSeconds(s.startedAt, now)
	return domain.SessionState{
		SessionID:     s.id,
		Identity:      s.identity,
		StartedAt:     s.startedAt,
		Deltas:        deltas,
		LastFlushedAt: s.lastFlushedAt,
	}
}

func (t *Tracker) notify(identity, event string, data any) {
	if t.notifier != nil {
		t.notifier.Notify(identity, event, data)
	}
}

func (t *Tracker) totalAt(s *session, now time.Time) domain.SessionDeltas {
	s.mu.Lock()
	total := s.total
	s.mu.Unlock()
	total.SurvivalSeconds = survivalSeconds(s.startedAt, now)
	return total
}

func survivalSeconds(start, now time.Time) int64 {
	if now.Before(start) {
		return 0
	}
	return int64(now.Sub(start) / time.Second)
}
