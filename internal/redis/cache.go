package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/store"
	"github.com/redis/go-redis/v9"
)

const warmPageSize = 500

// NewClient connects to Redis and verifies the connection
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// CachedStore wraps a store with a read-through player cache and
// Redis sorted-set leaderboards. Redis failures are logged and fall back
// to the wrapped store; they never fail a write that the store accepted.
type CachedStore struct {
	store.Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cache in front of inner
func NewCachedStore(inner store.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// leaderboardKey returns the Redis key for a leaderboard's sorted set
func leaderboardKey(kind domain.LeaderboardKind) string {
	return fmt.Sprintf("leaderboard:%s", kind)
}

// playerKey returns the Redis key for a cached player record
func playerKey(identity string) string {
	return fmt.Sprintf("player:%s:record", identity)
}

// playerInfoKey returns the Redis key for the display info used by leaderboards
func playerInfoKey(identity string) string {
	return fmt.Sprintf("player:%s:info", identity)
}

// GetPlayer serves from cache, falling back to the wrapped store on a miss
func (s *CachedStore) GetPlayer(ctx context.Context, identity string) (*domain.PlayerRecord, error) {
	data, err := s.client.Get(ctx, playerKey(identity)).Bytes()
	switch {
	case err == nil:
		var p domain.PlayerRecord
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		s.logger.Warn("discarding corrupt cached player", "identity", identity)
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("player cache read failed", "identity", identity, "error", err)
	}

	p, err := s.Store.GetPlayer(ctx, identity)
	if err != nil {
		return nil, err
	}
	s.cachePlayer(ctx, p)
	return p, nil
}

// PutPlayer writes through to the wrapped store, then refreshes the cache and leaderboards
func (s *CachedStore) PutPlayer(ctx context.Context, p *domain.PlayerRecord) error {
	if err := s.Store.PutPlayer(ctx, p); err != nil {
		return err
	}
	if err := s.indexPlayer(ctx, p); err != nil {
		s.logger.Warn("refreshing player cache failed", "identity", p.Identity, "error", err)
		if err := s.client.Del(ctx, playerKey(p.Identity)).Err(); err != nil {
			s.logger.Error("invalidating player cache failed", "identity", p.Identity, "error", err)
		}
	}
	return nil
}

func (s *CachedStore) cachePlayer(ctx context.Context, p *domain.PlayerRecord) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, playerKey(p.Identity), data, s.ttl).Err(); err != nil {
		s.logger.Warn("player cache write failed", "identity", p.Identity, "error", err)
	}
}

// indexPlayer refreshes the record cache, display info and both leaderboards in one pipeline
func (s *CachedStore) indexPlayer(ctx context.Context, p *domain.PlayerRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding player: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, playerKey(p.Identity), data, s.ttl)
	pipe.HSet(ctx, playerInfoKey(p.Identity), "username", p.Username)
	for _, kind := range []domain.LeaderboardKind{domain.LeaderboardScore, domain.LeaderboardTokens} {
		if p.IsBanned {
			pipe.ZRem(ctx, leaderboardKey(kind), p.Identity)
			continue
		}
		pipe.ZAdd(ctx, leaderboardKey(kind), redis.Z{
			Score:  float64(kind.Value(p)),
			Member: p.Identity,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("indexing player: %w", err)
	}
	return nil
}

// TopPlayers reads the sorted set, falling back to the wrapped store when Redis is unavailable or empty
func (s *CachedStore) TopPlayers(ctx context.Context, kind domain.LeaderboardKind, limit int) ([]domain.LeaderboardEntry, error) {
	entries, err := s.topN(ctx, kind, limit)
	if err != nil {
		s.logger.Warn("leaderboard read failed, using store", "leaderboard", kind, "error", err)
		return s.Store.TopPlayers(ctx, kind, limit)
	}
	if len(entries) == 0 {
		return s.Store.TopPlayers(ctx, kind, limit)
	}
	return entries, nil
}

func (s *CachedStore) topN(ctx context.Context, kind domain.LeaderboardKind, n int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey(kind), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	names := make([]*redis.StringCmd, len(results))
	for i, result := range results {
		names[i] = pipe.HGet(ctx, playerInfoKey(result.Member.(string)), "username")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting usernames: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			Identity: result.Member.(string),
			Value:    int64(result.Score),
			Username: names[i].Val(),
		}
	}
	return entries, nil
}

// Warm rebuilds both leaderboards from the wrapped store
func (s *CachedStore) Warm(ctx context.Context) (int, error) {
	indexed := 0
	for offset := 0; ; offset += warmPageSize {
		players, _, err := s.Store.ListPlayers(ctx, "", warmPageSize, offset)
		if err != nil {
			return indexed, fmt.Errorf("listing players: %w", err)
		}
		if len(players) == 0 {
			break
		}

		pipe := s.client.Pipeline()
		for i := range players {
			p := &players[i]
			pipe.HSet(ctx, playerInfoKey(p.Identity), "username", p.Username)
			for _, kind := range []domain.LeaderboardKind{domain.LeaderboardScore, domain.LeaderboardTokens} {
				if p.IsBanned {
					pipe.ZRem(ctx, leaderboardKey(kind), p.Identity)
					continue
				}
				pipe.ZAdd(ctx, leaderboardKey(kind), redis.Z{Score: float64(kind.Value(p)), Member: p.Identity})
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return indexed, fmt.Errorf("batch setting scores: %w", err)
		}
		indexed += len(players)
		if len(players) < warmPageSize {
			break
		}
	}
	return indexed, nil
}

// Ping checks both Redis and the wrapped store
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return s.Store.Ping(ctx)
}

// Close closes the Redis connection and the wrapped store
func (s *CachedStore) Close() error {
	return errors.Join(s.client.Close(), s.Store.Close())
}

var _ store.Store = (*CachedStore)(nil)
