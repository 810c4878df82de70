package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/store"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return unavailable("pinging database", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id SERIAL PRIMARY KEY,
			wallet_address VARCHAR(255) UNIQUE NOT NULL,
			username VARCHAR(100),
			level INTEGER DEFAULT 1,
			total_score BIGINT DEFAULT 0,
			boom_tokens BIGINT DEFAULT 0,
			games_played BIGINT DEFAULT 0,
			games_won BIGINT DEFAULT 0,
			highest_level_reached INTEGER DEFAULT 1,
			longest_survival_time BIGINT DEFAULT 0,
			total_enemies_killed BIGINT DEFAULT 0,
			total_bombs_used BIGINT DEFAULT 0,
			achievements_unlocked INTEGER DEFAULT 0,
			is_banned BOOLEAN DEFAULT FALSE,
			ban_reason TEXT,
			cheat_score REAL DEFAULT 0.0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			last_updated TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS game_sessions (
			id SERIAL PRIMARY KEY,
			wallet_address VARCHAR(255) NOT NULL,
			session_id VARCHAR(255) UNIQUE NOT NULL,
			session_start TIMESTAMPTZ NOT NULL,
			session_end TIMESTAMPTZ NOT NULL,
			score_earned BIGINT DEFAULT 0,
			tokens_earned BIGINT DEFAULT 0,
			enemies_killed BIGINT DEFAULT 0,
			levels_completed BIGINT DEFAULT 0,
			bombs_used BIGINT DEFAULT 0,
			survival_time_seconds BIGINT DEFAULT 0,
			level_reached INTEGER DEFAULT 1,
			cheat_score REAL DEFAULT 0.0,
			is_flagged BOOLEAN DEFAULT FALSE,
			session_hash VARCHAR(255),
			is_valid BOOLEAN DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS player_achievements (
			id SERIAL PRIMARY KEY,
			wallet_address VARCHAR(255) NOT NULL,
			achievement_id VARCHAR(100) NOT NULL,
			unlocked_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(wallet_address, achievement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS recharge_tracking (
			id SERIAL PRIMARY KEY,
			wallet_address VARCHAR(255) UNIQUE NOT NULL,
			lives_remaining INTEGER DEFAULT 3,
			last_recharge_time TIMESTAMPTZ,
			recharge_cooldown_end TIMESTAMPTZ,
			is_recharging BOOLEAN DEFAULT FALSE,
			total_recharges BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_players_total_score ON players(total_score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_players_boom_tokens ON players(boom_tokens DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_player ON game_sessions(wallet_address, session_start DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_recharge_expired ON recharge_tracking(recharge_cooldown_end) WHERE is_recharging`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const playerColumns = `wallet_address, COALESCE(username, ''), level, total_score, boom_tokens,
	games_played, games_won, highest_level_reached, longest_survival_time,
	total_enemies_killed, total_bombs_used, achievements_unlocked,
	is_banned, COALESCE(ban_reason, ''), cheat_score, created_at, last_updated`

func scanPlayer(row pgx.Row) (*domain.PlayerRecord, error) {
	var p domain.PlayerRecord
	err := row.Scan(
		&p.Identity,
		&p.Username,
		&p.Level,
		&p.TotalScore,
		&p.TokenBalance,
		&p.GamesPlayed,
		&p.GamesWon,
		&p.HighestLevelReached,
		&p.LongestSurvivalTime,
		&p.TotalEnemiesKilled,
		&p.TotalBombsUsed,
		&p.AchievementsUnlocked,
		&p.IsBanned,
		&p.BanReason,
		&p.CheatScore,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlayer retrieves a player record by identity
func (r *Repository) GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE wallet_address = $1`
	p, err := scanPlayer(r.pool.QueryRow(ctx, query, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("getting player", err)
	}
	return p, nil
}

// PutPlayer inserts or replaces a player record
func (r *Repository) PutPlayer(ctx context.Context, p *domain.PlayerRecord) error {
	query := `
		INSERT INTO players (
			wallet_address, username, level, total_score, boom_tokens,
			games_played, games_won, highest_level_reached, longest_survival_time,
			total_enemies_killed, total_bombs_used, achievements_unlocked,
			is_banned, ban_reason, cheat_score, created_at, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, $16, $17)
		ON CONFLICT (wallet_address)
		DO UPDATE SET
			username = EXCLUDED.username,
			level = EXCLUDED.level,
			total_score = EXCLUDED.total_score,
			boom_tokens = EXCLUDED.boom_tokens,
			games_played = EXCLUDED.games_played,
			games_won = EXCLUDED.games_won,
			highest_level_reached = EXCLUDED.highest_level_reached,
			longest_survival_time = EXCLUDED.longest_survival_time,
			total_enemies_killed = EXCLUDED.total_enemies_killed,
			total_bombs_used = EXCLUDED.total_bombs_used,
			achievements_unlocked = EXCLUDED.achievements_unlocked,
			is_banned = EXCLUDED.is_banned,
			ban_reason = EXCLUDED.ban_reason,
			cheat_score = EXCLUDED.cheat_score,
			last_updated = EXCLUDED.last_updated
	`
	_, err := r.pool.Exec(ctx, query,
		p.Identity,
		p.Username,
		p.Level,
		p.TotalScore,
		p.TokenBalance,
		p.GamesPlayed,
		p.GamesWon,
		p.HighestLevelReached,
		p.LongestSurvivalTime,
		p.TotalEnemiesKilled,
		p.TotalBombsUsed,
		p.AchievementsUnlocked,
		p.IsBanned,
		p.BanReason,
		p.CheatScore,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return unavailable("upserting player", err)
	}
	return nil
}

// ListPlayers retrieves players with pagination and optional search
func (r *Repository) ListPlayers(ctx context.Context, search string, limit, offset int) ([]domain.PlayerRecord, int64, error) {
	pattern := "%" + search + "%"
	where := `WHERE ($1 = '' OR username ILIKE $2 OR wallet_address ILIKE $2)`

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM players `+where, search, pattern).Scan(&total); err != nil {
		return nil, 0, unavailable("counting players", err)
	}

	query := `SELECT ` + playerColumns + ` FROM players ` + where + `
		ORDER BY total_score DESC, wallet_address
		LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, search, pattern, limit, offset)
	if err != nil {
		return nil, 0, unavailable("listing players", err)
	}
	defer rows.Close()

	players := []domain.PlayerRecord{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("listing players", err)
	}
	return players, total, nil
}

// TopPlayers ranks unbanned players by score or tokens
func (r *Repository) TopPlayers(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error) {
	column := "total_score"
	if kind == domain.LeaderboardTokens {
		column = "boom_tokens"
	}
	query := `
		SELECT wallet_address, ` + column + `, COALESCE(username, ''),
			   ROW_NUMBER() OVER (ORDER BY ` + column + ` DESC, wallet_address) as rank
		FROM players
		WHERE is_banned = FALSE
		ORDER BY ` + column + ` DESC, wallet_address
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, unavailable("getting top players", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.Identity, &entry.Value, &entry.Username, &entry.Rank); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetRecharge retrieves a player's recharge state
func (r *Repository) GetRecharge(ctx context.Context, identity string) (*domain.RechargeState, error) {
	query := `
		SELECT wallet_address, lives_remaining, recharge_cooldown_end, is_recharging,
			   total_recharges, last_recharge_time, updated_at
		FROM recharge_tracking
		WHERE wallet_address = $1
	`
	var state domain.RechargeState
	err := r.pool.QueryRow(ctx, query, identity).Scan(
		&state.Identity,
		&state.LivesRemaining,
		&state.CooldownEnd,
		&state.IsRecharging,
		&state.TotalRecharges,
		&state.LastRechargeTime,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("getting recharge state", err)
	}
	return &state, nil
}

// PutRecharge inserts or replaces a player's recharge state
func (r *Repository) PutRecharge(ctx context.Context, state *domain.RechargeState) error {
	query := `
		INSERT INTO recharge_tracking (
			wallet_address, lives_remaining, recharge_cooldown_end, is_recharging,
			total_recharges, last_recharge_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet_address)
		DO UPDATE SET
			lives_remaining = EXCLUDED.lives_remaining,
			recharge_cooldown_end = EXCLUDED.recharge_cooldown_end,
			is_recharging = EXCLUDED.is_recharging,
			total_recharges = EXCLUDED.total_recharges,
			last_recharge_time = EXCLUDED.last_recharge_time,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		state.Identity,
		state.LivesRemaining,
		state.CooldownEnd,
		state.IsRecharging,
		state.TotalRecharges,
		state.LastRechargeTime,
		state.UpdatedAt,
	)
	if err != nil {
		return unavailable("upserting recharge state", err)
	}
	return nil
}

// ListExpiredRecharges returns identities whose cooldown has passed
func (r *Repository) ListExpiredRecharges(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT wallet_address FROM recharge_tracking
		WHERE is_recharging = true
		AND recharge_cooldown_end IS NOT NULL
		AND recharge_cooldown_end <= $1
		ORDER BY recharge_cooldown_end
	`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, unavailable("listing expired recharges", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAchievements returns a player's unlocked achievements
func (r *Repository) ListAchievements(ctx context.Context, identity string) ([]domain.PlayerAchievement, error) {
	query := `
		SELECT wallet_address, achievement_id, unlocked_at
		FROM player_achievements
		WHERE wallet_address = $1
		ORDER BY unlocked_at, achievement_id
	`
	rows, err := r.pool.Query(ctx, query, identity)
	if err != nil {
		return nil, unavailable("listing achievements", err)
	}
	defer rows.Close()

	var unlocks []domain.PlayerAchievement
	for rows.Next() {
		var a domain.PlayerAchievement
		if err := rows.Scan(&a.Identity, &a.AchievementID, &a.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scanning achievement: %w", err)
		}
		unlocks = append(unlocks, a)
	}
	return unlocks, rows.Err()
}

// UnlockAchievement records an unlock, reporting whether it was new
func (r *Repository) UnlockAchievement(ctx context.Context, unlock domain.PlayerAchievement) (bool, error) {
	query := `
		INSERT INTO player_achievements (wallet_address, achievement_id, unlocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address, achievement_id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, unlock.Identity, unlock.AchievementID, unlock.UnlockedAt)
	if err != nil {
		return false, unavailable("unlocking achievement", err)
	}
	return result.RowsAffected() > 0, nil
}

// RevokeAchievement deletes an unlock row
func (r *Repository) RevokeAchievement(ctx context.Context, identity, achievementID string) error {
	query := `DELETE FROM player_achievements WHERE wallet_address = $1 AND achievement_id = $2`
	if _, err := r.pool.Exec(ctx, query, identity, achievementID); err != nil {
		return unavailable("revoking achievement", err)
	}
	return nil
}

// RecordSession records a session audit row
func (r *Repository) RecordSession(ctx context.Context, s domain.SessionResult) error {
	query := `
		INSERT INTO game_sessions (
			wallet_address, session_id, session_start, session_end,
			score_earned, tokens_earned, enemies_killed, levels_completed, bombs_used,
			survival_time_seconds, level_reached, cheat_score, is_flagged, session_hash, is_valid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO NOTHING
	`
	d := s.Deltas
	_, err := r.pool.Exec(ctx, query,
		s.Identity, s.SessionID, s.StartedAt, s.EndedAt,
		d.ScoreEarned, d.TokensEarned, d.EnemiesKilled, d.LevelsCompleted, d.BombsUsed,
		d.SurvivalSeconds, d.LevelReached, s.CheatScore, s.Flagged, s.Hash, s.Valid,
	)
	if err != nil {
		return unavailable("recording session", err)
	}
	return nil
}

// ListSessions returns a player's most recent sessions
func (r *Repository) ListSessions(ctx context.Context, identity string, limit int, validOnly bool) ([]domain.SessionResult, error) {
	query := `
		SELECT session_id, wallet_address, session_start, session_end,
			   score_earned, tokens_earned, enemies_killed, levels_completed, bombs_used,
			   survival_time_seconds, level_reached, cheat_score, is_flagged,
			   COALESCE(session_hash, ''), is_valid
		FROM game_sessions
		WHERE wallet_address = $1 AND ($2 = false OR is_valid = true)
		ORDER BY session_start DESC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, identity, validOnly, limit)
	if err != nil {
		return nil, unavailable("listing sessions", err)
	}
	defer rows.Close()

	var sessions []domain.SessionResult
	for rows.Next() {
		var s domain.SessionResult
		d := &s.Deltas
		err := rows.Scan(
			&s.SessionID, &s.Identity, &s.StartedAt, &s.EndedAt,
			&d.ScoreEarned, &d.TokensEarned, &d.EnemiesKilled, &d.LevelsCompleted, &d.BombsUsed,
			&d.SurvivalSeconds, &d.LevelReached, &s.CheatScore, &s.Flagged,
			&s.Hash, &s.Valid,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

var _ store.Store = (*Repository)(nil)
