// Package sqlite is the single-node fallback store backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/store"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// Store provides a SQLite-backed implementation of store.Store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{sqlDB: sqlDB}
	if err := s.runMigrations(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping sqlite db", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (s *Store) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			wallet_address TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			level INTEGER NOT NULL DEFAULT 1,
			total_score INTEGER NOT NULL DEFAULT 0,
			boom_tokens INTEGER NOT NULL DEFAULT 0,
			games_played INTEGER NOT NULL DEFAULT 0,
			games_won INTEGER NOT NULL DEFAULT 0,
			highest_level_reached INTEGER NOT NULL DEFAULT 1,
			longest_survival_time INTEGER NOT NULL DEFAULT 0,
			total_enemies_killed INTEGER NOT NULL DEFAULT 0,
			total_bombs_used INTEGER NOT NULL DEFAULT 0,
			achievements_unlocked INTEGER NOT NULL DEFAULT 0,
			is_banned INTEGER NOT NULL DEFAULT 0,
			ban_reason TEXT NOT NULL DEFAULT '',
			cheat_score REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_updated TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recharge_tracking (
			wallet_address TEXT PRIMARY KEY,
			lives_remaining INTEGER NOT NULL DEFAULT 3,
			recharge_cooldown_end TEXT,
			is_recharging INTEGER NOT NULL DEFAULT 0,
			total_recharges INTEGER NOT NULL DEFAULT 0,
			last_recharge_time TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS player_achievements (
			wallet_address TEXT NOT NULL,
			achievement_id TEXT NOT NULL,
			unlocked_at TEXT NOT NULL,
			PRIMARY KEY (wallet_address, achievement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS game_sessions (
			session_id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			session_start TEXT NOT NULL,
			session_end TEXT NOT NULL,
			score_earned INTEGER NOT NULL DEFAULT 0,
			tokens_earned INTEGER NOT NULL DEFAULT 0,
			enemies_killed INTEGER NOT NULL DEFAULT 0,
			levels_completed INTEGER NOT NULL DEFAULT 0,
			bombs_used INTEGER NOT NULL DEFAULT 0,
			survival_time_seconds INTEGER NOT NULL DEFAULT 0,
			level_reached INTEGER NOT NULL DEFAULT 1,
			cheat_score REAL NOT NULL DEFAULT 0,
			is_flagged INTEGER NOT NULL DEFAULT 0,
			session_hash TEXT NOT NULL DEFAULT '',
			is_valid INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_player ON game_sessions(wallet_address, session_start)`,
		`CREATE INDEX IF NOT EXISTS idx_recharge_cooldown ON recharge_tracking(is_recharging, recharge_cooldown_end)`,
	}
	for _, migration := range migrations {
		if _, err := s.sqlDB.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const playerColumns = `wallet_address, username, level, total_score, boom_tokens,
	games_played, games_won, highest_level_reached, longest_survival_time,
	total_enemies_killed, total_bombs_used, achievements_unlocked,
	is_banned, ban_reason, cheat_score, created_at, last_updated`

func scanPlayer(row rowScanner) (*domain.PlayerRecord, error) {
	var p domain.PlayerRecord
	var createdAt, updatedAt string
	err := row.Scan(
		&p.Identity, &p.Username, &p.Level, &p.TotalScore, &p.TokenBalance,
		&p.GamesPlayed, &p.GamesWon, &p.HighestLevelReached, &p.LongestSurvivalTime,
		&p.TotalEnemiesKilled, &p.TotalBombsUsed, &p.AchievementsUnlocked,
		&p.IsBanned, &p.BanReason, &p.CheatScore, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlayer retrieves a player record by identity.
func (s *Store) GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE wallet_address = ?`, identity)
	p, err := scanPlayer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get player", err)
	}
	return p, nil
}

// PutPlayer inserts or replaces a player record.
func (s *Store) PutPlayer(ctx context.Context, p *domain.PlayerRecord) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO players (`+playerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			username = excluded.username,
			level = excluded.level,
			total_score = excluded.total_score,
			boom_tokens = excluded.boom_tokens,
			games_played = excluded.games_played,
			games_won = excluded.games_won,
			highest_level_reached = excluded.highest_level_reached,
			longest_survival_time = excluded.longest_survival_time,
			total_enemies_killed = excluded.total_enemies_killed,
			total_bombs_used = excluded.total_bombs_used,
			achievements_unlocked = excluded.achievements_unlocked,
			is_banned = excluded.is_banned,
			ban_reason = excluded.ban_reason,
			cheat_score = excluded.cheat_score,
			last_updated = excluded.last_updated`,
		p.Identity, p.Username, p.Level, p.TotalScore, p.TokenBalance,
		p.GamesPlayed, p.GamesWon, p.HighestLevelReached, p.LongestSurvivalTime,
		p.TotalEnemiesKilled, p.TotalBombsUsed, p.AchievementsUnlocked,
		p.IsBanned, p.BanReason, p.CheatScore, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return unavailable("put player", err)
	}
	return nil
}

// ListPlayers retrieves players with pagination and optional search.
func (s *Store) ListPlayers(ctx context.Context, search string, limit, offset int) ([]domain.PlayerRecord, int64, error) {
	pattern := "%" + strings.ToLower(search) + "%"
	where := `WHERE (? = '' OR lower(username) LIKE ? OR lower(wallet_address) LIKE ?)`

	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM players `+where, search, pattern, pattern).Scan(&total); err != nil {
		return nil, 0, unavailable("count players", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+playerColumns+` FROM players `+where+`
		ORDER BY total_score DESC, wallet_address LIMIT ? OFFSET ?`,
		search, pattern, pattern, limit, offset)
	if err != nil {
		return nil, 0, unavailable("list players", err)
	}
	defer rows.Close()

	players := []domain.PlayerRecord{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, *p)
	}
	return players, total, rows.Err()
}

// TopPlayers ranks unbanned players by score or tokens.
func (s *Store) TopPlayers(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error) {
	column := "total_score"
	if kind == domain.LeaderboardTokens {
		column = "boom_tokens"
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT wallet_address, `+column+`, username
		FROM players WHERE is_banned = 0
		ORDER BY `+column+` DESC, wallet_address LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("top players", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		entry := domain.LeaderboardEntry{Rank: int64(len(entries) + 1)}
		if err := rows.Scan(&entry.Identity, &entry.Value, &entry.Username); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetRecharge retrieves a player's recharge state.
func (s *Store) GetRecharge(ctx context.Context, identity string) (*domain.RechargeState, error) {
	var state domain.RechargeState
	var cooldownEnd, lastRecharge sql.NullString
	var updatedAt string
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT wallet_address, lives_remaining, recharge_cooldown_end, is_recharging,
			   total_recharges, last_recharge_time, updated_at
		FROM recharge_tracking WHERE wallet_address = ?`, identity).Scan(
		&state.Identity, &state.LivesRemaining, &cooldownEnd, &state.IsRecharging,
		&state.TotalRecharges, &lastRecharge, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, unavailable("get recharge", err)
	}
	if state.CooldownEnd, err = parseNullTime(cooldownEnd); err != nil {
		return nil, err
	}
	if state.LastRechargeTime, err = parseNullTime(lastRecharge); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &state, nil
}

// PutRecharge inserts or replaces a player's recharge state.
func (s *Store) PutRecharge(ctx context.Context, state *domain.RechargeState) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO recharge_tracking (
			wallet_address, lives_remaining, recharge_cooldown_end, is_recharging,
			total_recharges, last_recharge_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			lives_remaining = excluded.lives_remaining,
			recharge_cooldown_end = excluded.recharge_cooldown_end,
			is_recharging = excluded.is_recharging,
			total_recharges = excluded.total_recharges,
			last_recharge_time = excluded.last_recharge_time,
			updated_at = excluded.updated_at`,
		state.Identity, state.LivesRemaining, formatNullTime(state.CooldownEnd), state.IsRecharging,
		state.TotalRecharges, formatNullTime(state.LastRechargeTime), formatTime(state.UpdatedAt),
	)
	if err != nil {
		return unavailable("put recharge", err)
	}
	return nil
}

// ListExpiredRecharges returns identities whose cooldown has passed.
//
// Timestamps are compared after parsing because RFC3339Nano strings with
// trimmed fractional seconds do not sort lexically.
func (s *Store) ListExpiredRecharges(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT wallet_address, recharge_cooldown_end FROM recharge_tracking
		WHERE is_recharging = 1 AND recharge_cooldown_end IS NOT NULL
		ORDER BY wallet_address`)
	if err != nil {
		return nil, unavailable("list expired recharges", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, end string
		if err := rows.Scan(&id, &end); err != nil {
			return nil, fmt.Errorf("scan recharge: %w", err)
		}
		endAt, err := parseTime(end)
		if err != nil {
			return nil, err
		}
		if !now.Before(endAt) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// ListAchievements returns a player's unlocked achievements.
func (s *Store) ListAchievements(ctx context.Context, identity string) ([]domain.PlayerAchievement, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT wallet_address, achievement_id, unlocked_at FROM player_achievements
		WHERE wallet_address = ? ORDER BY unlocked_at, achievement_id`, identity)
	if err != nil {
		return nil, unavailable("list achievements", err)
	}
	defer rows.Close()

	var unlocks []domain.PlayerAchievement
	for rows.Next() {
		var a domain.PlayerAchievement
		var unlockedAt string
		if err := rows.Scan(&a.Identity, &a.AchievementID, &unlockedAt); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		if a.UnlockedAt, err = parseTime(unlockedAt); err != nil {
			return nil, err
		}
		unlocks = append(unlocks, a)
	}
	return unlocks, rows.Err()
}

// UnlockAchievement records an unlock, reporting whether it was new.
func (s *Store) UnlockAchievement(ctx context.Context, unlock domain.PlayerAchievement) (bool, error) {
	result, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO player_achievements (wallet_address, achievement_id, unlocked_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		unlock.Identity, unlock.AchievementID, formatTime(unlock.UnlockedAt))
	if err != nil {
		return false, unavailable("unlock achievement", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RevokeAchievement deletes an unlock row.
func (s *Store) RevokeAchievement(ctx context.Context, identity, achievementID string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		DELETE FROM player_achievements WHERE wallet_address = ? AND achievement_id = ?`,
		identity, achievementID)
	if err != nil {
		return unavailable("revoke achievement", err)
	}
	return nil
}

// RecordSession records a session audit row.
func (s *Store) RecordSession(ctx context.Context, r domain.SessionResult) error {
	d := r.Deltas
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO game_sessions (
			session_id, wallet_address, session_start, session_end,
			score_earned, tokens_earned, enemies_killed, levels_completed, bombs_used,
			survival_time_seconds, level_reached, cheat_score, is_flagged, session_hash, is_valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		r.SessionID, r.Identity, formatTime(r.StartedAt), formatTime(r.EndedAt),
		d.ScoreEarned, d.TokensEarned, d.EnemiesKilled, d.LevelsCompleted, d.BombsUsed,
		d.SurvivalSeconds, d.LevelReached, r.CheatScore, r.Flagged, r.Hash, r.Valid,
	)
	if err != nil {
		return unavailable("record session", err)
	}
	return nil
}

// ListSessions returns a player's most recent sessions.
func (s *Store) ListSessions(ctx context.Context, identity string, limit int, validOnly bool) ([]domain.SessionResult, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT session_id, wallet_address, session_start, session_end,
			   score_earned, tokens_earned, enemies_killed, levels_completed, bombs_used,
			   survival_time_seconds, level_reached, cheat_score, is_flagged, session_hash, is_valid
		FROM game_sessions
		WHERE wallet_address = ? AND (? = 0 OR is_valid = 1)
		ORDER BY session_start DESC LIMIT ?`, identity, validOnly, limit)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer rows.Close()

	var sessions []domain.SessionResult
	for rows.Next() {
		var r domain.SessionResult
		var start, end string
		d := &r.Deltas
		err := rows.Scan(
			&r.SessionID, &r.Identity, &start, &end,
			&d.ScoreEarned, &d.TokensEarned, &d.EnemiesKilled, &d.LevelsCompleted, &d.BombsUsed,
			&d.SurvivalSeconds, &d.LevelReached, &r.CheatScore, &r.Flagged, &r.Hash, &r.Valid,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if r.StartedAt, err = parseTime(start); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseTime(end); err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

var _ store.Store = (*Store)(nil)
