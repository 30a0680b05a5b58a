// Operator CLI for a user's offline sync queue: inspect status, force a
// replay, or prune synced operations without going through the HTTP API.
// Usage: go run ./cmd/syncctl --owner 42 status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SebasMorneau/sport-app-sub001/internal/config"
	"github.com/SebasMorneau/sport-app-sub001/internal/postgres"
	"github.com/SebasMorneau/sport-app-sub001/resources"
	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(openEngine)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openEngine wires the engine the same way the API server does: Postgres
// store, configured appliers and, when REDIS_URL is set, the shared lock so
// a CLI replay never overlaps one started through the API.
func openEngine(ctx context.Context) (*session, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, err
	}
	closers := []func(){pool.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	registry, err := resources.NewRegistry().Enable(cfg.Sync.Resources)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("sync config: %w", err)
	}

	opts := cfg.Sync.EngineOptions()
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		closers = append(closers, func() { client.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		opts = append(opts, syncqueue.WithLocker(syncqueue.NewRedisLocker(client, "", cfg.Sync.LockTTL)))
	}

	return &session{
		engine:      syncqueue.NewEngine(syncqueue.NewPgStore(pool), registry, opts...),
		cleanupDays: cfg.Sync.CleanupOlderThanDays,
		close:       closeAll,
	}, nil
}
