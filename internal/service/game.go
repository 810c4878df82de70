// Package service is the explicitly constructed game backend: it owns the
// store, ledger client and clock and exposes every caller-facing operation.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaboom-backend/internal/anticheat"
	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/keylock"
	"github.com/kaboom-backend/internal/ledger"
	"github.com/kaboom-backend/internal/recharge"
	"github.com/kaboom-backend/internal/session"
	"github.com/kaboom-backend/internal/stats"
	"github.com/kaboom-backend/internal/store"
	"github.com/kaboom-backend/internal/syncqueue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/kaboom-backend/internal/service"

	defaultPageSize = 20
	maxPageSize     = 100
	defaultHistory  = 10
	maxHistory      = 100
)

// Notifier receives live updates for one identity
type Notifier interface {
	Notify(identity, event string, data any)
}

// GameService provides the game backend's operations
type GameService struct {
	store    store.Store
	recharge *recharge.Service
	sessions *session.Tracker
	stats    *stats.Merger
	queue    *syncqueue.Queue
	clock    clock.Clock
	config   *config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewGameService wires the game components around a store and a ledger client
func NewGameService(st store.Store, client ledger.Client, clk clock.Clock, cfg *config.Config, logger *slog.Logger) *GameService {
	locks := keylock.New()

	queue := syncqueue.New(client, clk, syncqueue.Options{
		BatchSize:     cfg.Sync.BatchSize,
		MaxRetries:    cfg.Sync.MaxRetries,
		RetryBackoff:  cfg.Sync.RetryBackoff,
		RearmDelay:    cfg.Sync.RearmDelay,
		LedgerTimeout: cfg.Sync.LedgerTimeout,
	}, logger.With("component", "syncqueue"))

	var enqueuer stats.Enqueuer
	if cfg.Sync.Enabled {
		enqueuer = queue
	}
	merger := stats.NewMerger(st, locks, clk, enqueuer, logger.With("component", "stats"))

	evaluator := anticheat.NewEvaluator(cfg.AntiCheat.Threshold, cfg.AntiCheat.FlagThreshold)
	tracker := session.NewTracker(merger, evaluator, clk, session.Options{
		FlushInterval: cfg.Session.FlushInterval,
		Supersede:     cfg.Session.Supersede,
		IdleTimeout:   cfg.Session.IdleTimeout,
	}, logger.With("component", "session"))

	return &GameService{
		store:    st,
		recharge: recharge.NewService(st, locks, clk, cfg.Recharge.CooldownDuration, logger.With("component", "recharge")),
		sessions: tracker,
		stats:    merger,
		queue:    queue,
		clock:    clk,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// SetNotifier routes live updates from every component to n
func (s *GameService) SetNotifier(n Notifier) {
	s.recharge.SetNotifier(n)
	s.stats.SetNotifier(n)
	s.sessions.SetNotifier(n)
}

// Recharge returns the recharge state machine, used by the sweep worker
func (s *GameService) Recharge() *recharge.Service {
	return s.recharge
}

// Start launches the sync queue consumer when ledger mirroring is enabled
func (s *GameService) Start(ctx context.Context) error {
	if !s.config.Sync.Enabled {
		s.logger.Info("ledger sync disabled")
		return nil
	}
	return s.queue.Start(ctx)
}

// Shutdown flushes open sessions within ctx, then stops the sync queue
func (s *GameService) Shutdown(ctx context.Context) error {
	err := s.sessions.Shutdown(ctx)
	if stopErr := s.queue.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func (s *GameService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func identityAttr(identity string) attribute.KeyValue {
	return attribute.String("player.identity", identity)
}

func sessionAttr(sessionID string) attribute.KeyValue {
	return attribute.String("session.id", sessionID)
}

// StartSession opens a session for a player
func (s *GameService) StartSession(ctx context.Context, identity string) (state domain.SessionState, err error) {
	ctx, span := s.startSpan(ctx, "session.start", identityAttr(identity))
	defer func() { endSpan(span, err) }()

	return s.sessions.Start(ctx, identity)
}

// RecordEvent applies a gameplay event to an active session
func (s *GameService) RecordEvent(ctx context.Context, event domain.SessionEvent) (bool, error) {
	return s.sessions.RecordEvent(ctx, event.SessionID, event.Kind, event.Amount)
}

// GetSession returns an active session
func (s *GameService) GetSession(ctx context.Context, sessionID string) (domain.SessionState, error) {
	return s.sessions.Get(sessionID)
}

// EndSession finishes a session
func (s *GameService) EndSession(ctx context.Context, sessionID string) (result domain.EndResult, err error) {
	ctx, span := s.startSpan(ctx, "session.end", sessionAttr(sessionID))
	defer func() {
		span.SetAttributes(
			attribute.Bool("session.valid", result.Valid),
			attribute.Float64("session.cheat_score", result.CheatScore),
		)
		endSpan(span, err)
	}()

	return s.sessions.End(ctx, sessionID)
}

// ActiveSessions returns the number of open sessions
func (s *GameService) ActiveSessions() int {
	return s.sessions.ActiveCount()
}

// GetPlayer returns a player's record, or the default record for a new identity
func (s *GameService) GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	return s.stats.Get(ctx, identity)
}

// SavePlayer explicitly saves a player's profile fields
func (s *GameService) SavePlayer(ctx context.Context, req domain.SaveProfileRequest) (p *domain.PlayerRecord, err error) {
	ctx, span := s.startSpan(ctx, "player.save", identityAttr(req.Identity))
	defer func() { endSpan(span, err) }()

	return s.stats.SaveProfile(ctx, req.Identity, req.Username, req.Level)
}

// ListPlayers returns a page of players, optionally filtered by search
func (s *GameService) ListPlayers(ctx context.Context, search string, page, limit int) (*domain.PlayerPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	players, total, err := s.store.ListPlayers(ctx, search, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	return &domain.PlayerPage{
		Players: players,
		Page:    page,
		Limit:   limit,
		Total:   total,
		Pages:   (total + int64(limit) - 1) / int64(limit),
	}, nil
}

// PlayerSessions returns a player's recent session audit rows
func (s *GameService) PlayerSessions(ctx context.Context, identity string, limit int, validOnly bool) ([]domain.SessionResult, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	sessions, err := s.store.ListSessions(ctx, identity, limit, validOnly)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// PlayerAchievements returns a player's unlocked achievements
func (s *GameService) PlayerAchievements(ctx context.Context, identity string) ([]domain.PlayerAchievement, error) {
	if err := domain.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	unlocks, err := s.store.ListAchievements(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("listing achievements: %w", err)
	}
	return unlocks, nil
}

// RechargeStatus returns a player's lives and cooldown
func (s *GameService) RechargeStatus(ctx context.Context, identity string) (domain.RechargeStatus, error) {
	return s.recharge.Get(ctx, identity)
}

// ConsumeLife removes one life
func (s *GameService) ConsumeLife(ctx context.Context, identity string) (status domain.RechargeStatus, err error) {
	ctx, span := s.startSpan(ctx, "recharge.consume", identityAttr(identity))
	defer func() { endSpan(span, err) }()

	return s.recharge.ConsumeLife(ctx, identity)
}

// StartCooldown starts a cooldown of the given minutes, or the default when zero
func (s *GameService) StartCooldown(ctx context.Context, identity string, minutes int) (status domain.RechargeStatus, err error) {
	ctx, span := s.startSpan(ctx, "recharge.cooldown", identityAttr(identity))
	defer func() { endSpan(span, err) }()

	if minutes < 0 {
		return domain.RechargeStatus{}, fmt.Errorf("%w: duration must not be negative", domain.ErrValidation)
	}
	return s.recharge.StartCooldown(ctx, identity, time.Duration(minutes)*time.Minute)
}

// SetLives overrides a player's life count
func (s *GameService) SetLives(ctx context.Context, identity string, lives int) (status domain.RechargeStatus, err error) {
	ctx, span := s.startSpan(ctx, "recharge.set_lives", identityAttr(identity))
	defer func() { endSpan(span, err) }()

	return s.recharge.SetLives(ctx, identity, lives)
}

// Leaderboard returns the top players by score or tokens
func (s *GameService) Leaderboard(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown leaderboard %q", domain.ErrValidation, kind)
	}
	// Validate limit
	if limit <= 0 {
		limit = s.config.Leaderboard.DefaultLimit
	}
	if limit > s.config.Leaderboard.MaxLimit {
		limit = s.config.Leaderboard.MaxLimit
	}

	entries, err := s.store.TopPlayers(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}
	return entries, nil
}

// SyncStatus reports the ledger sync queue
func (s *GameService) SyncStatus() domain.SyncQueueStatus {
	return s.queue.Status()
}

// ForceDrain attempts every queued ledger task now
func (s *GameService) ForceDrain(ctx context.Context) (delivered, failed int) {
	ctx, span := s.startSpan(ctx, "sync.force_drain")
	defer span.End()

	delivered, failed = s.queue.ForceDrain(ctx)
	span.SetAttributes(attribute.Int("sync.delivered", delivered), attribute.Int("sync.failed", failed))
	return delivered, failed
}

// ClearSync drops every queued ledger task
func (s *GameService) ClearSync() int {
	return s.queue.Clear()
}

// SetBan bans or unbans a player
func (s *GameService) SetBan(ctx context.Context, identity string, banned bool, reason string) (p *domain.PlayerRecord, err error) {
	ctx, span := s.startSpan(ctx, "player.ban", identityAttr(identity), attribute.Bool("player.banned", banned))
	defer func() { endSpan(span, err) }()

	return s.stats.SetBan(ctx, identity, banned, reason)
}

// Award credits tokens to a player
func (s *GameService) Award(ctx context.Context, identity string, req domain.AwardRequest) (p *domain.PlayerRecord, err error) {
	ctx, span := s.startSpan(ctx, "player.award", identityAttr(identity), attribute.Int64("award.amount", req.Amount))
	defer func() { endSpan(span, err) }()

	return s.stats.Award(ctx, identity, req.Amount, req.Reason)
}

// Ready reports whether the store is reachable
func (s *GameService) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
