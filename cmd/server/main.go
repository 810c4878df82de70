package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/handler"
	"github.com/kaboom-backend/internal/kafka"
	"github.com/kaboom-backend/internal/ledger"
	"github.com/kaboom-backend/internal/memstore"
	"github.com/kaboom-backend/internal/postgres"
	"github.com/kaboom-backend/internal/redis"
	"github.com/kaboom-backend/internal/service"
	"github.com/kaboom-backend/internal/sqlite"
	"github.com/kaboom-backend/internal/store"
	"github.com/kaboom-backend/internal/telemetry"
	"github.com/kaboom-backend/internal/websocket"
	"github.com/kaboom-backend/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("failed to flush telemetry", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.Real{}

	var client ledger.Client = ledger.Nop{}
	if cfg.Kafka.LedgerEnabled {
		producer, err := ledger.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			return fmt.Errorf("creating ledger producer: %w", err)
		}
		kafkaClient := ledger.NewKafkaClient(producer, cfg.Kafka.LedgerTopic, clk, logger.With("component", "ledger"))
		defer kafkaClient.Close()
		client = kafkaClient
		logger.Info("ledger mirroring to kafka", "topic", cfg.Kafka.LedgerTopic)
	}

	wsHub := websocket.NewHub(clk, logger.With("component", "websocket"))
	go wsHub.Run()

	svc := service.NewGameService(st, client, clk, cfg, logger)
	svc.SetNotifier(wsHub)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting game service: %w", err)
	}

	sweeper := worker.NewRechargeSweeper(svc.Recharge(), cfg.Recharge.SweepInterval, logger.With("component", "sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting recharge sweeper: %w", err)
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(&cfg.Kafka, svc, logger.With("component", "kafka"))
		if err != nil {
			logger.Warn("failed to create kafka consumer, continuing without kafka", "error", err)
		} else {
			startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
			err = consumer.Start(startCtx)
			startCancel()
			if err != nil {
				logger.Warn("failed to start kafka consumer, continuing without kafka", "error", err)
				_ = consumer.Stop()
				consumer = nil
			}
		}
	}

	httpHandler := handler.NewHandler(svc, wsHub, cfg.RateLimit, logger.With("component", "http"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Stop intake first so no event races the final session flush.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	httpCancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("failed to stop kafka consumer", "error", err)
		}
	}
	if err := sweeper.Stop(); err != nil {
		logger.Error("failed to stop recharge sweeper", "error", err)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	if err := svc.Shutdown(flushCtx); err != nil {
		logger.Error("failed to flush sessions", "error", err)
	}
	flushCancel()

	wsHub.Stop()
	logger.Info("server stopped")
	return runErr
}

// openStore builds the configured store and, when enabled, the redis cache in front of it
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger.With("component", "postgres"))
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		st = repo
	case config.DriverSQLite:
		logger.Info("opening SQLite store", "path", cfg.Store.SQLitePath)
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		st = db
	case config.DriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		st = memstore.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if !cfg.Redis.Enabled {
		return st, nil
	}

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	client, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, serving directly from store", "error", err)
		return st, nil
	}
	cached := redis.NewCachedStore(st, client, cfg.Redis.CacheTTL, logger.With("component", "redis"))
	if n, err := cached.Warm(ctx); err != nil {
		logger.Warn("failed to warm leaderboard cache", "error", err)
	} else {
		logger.Info("leaderboard cache warmed", "players", n)
	}
	return cached, nil
}
