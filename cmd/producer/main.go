package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/verifyq/internal/auth"
	"github.com/dontdude/verifyq/internal/benchmark"
	"github.com/dontdude/verifyq/internal/config"
	"github.com/dontdude/verifyq/internal/platform/store"
	"github.com/dontdude/verifyq/internal/queue"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize the shared store
	// REDIS_ADDR defaults to localhost:6379 since we usually run outside the container network
	st := store.NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
	defer st.Close()

	// 3. Authenticate as a benchmark user
	token, err := auth.NewIssuer(cfg.Secret, 0).UserToken("benchmark")
	if err != nil {
		slog.Error("Failed to issue token", "error", err)
		os.Exit(1)
	}
	identity, err := auth.NewAuthenticator(cfg.Secret).Authenticate(token)
	if err != nil {
		slog.Error("Failed to authenticate", "error", err)
		os.Exit(1)
	}

	// 4. Run the benchmark
	client := queue.NewClient(st, cfg.Queue.Name, identity, slog.Default())
	stats, err := benchmark.Run(ctx, client, benchmark.Options{
		Length: cfg.BenchmarkLength,
		Logger: slog.Default(),
	})
	if err != nil {
		slog.Error("Benchmark failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		slog.Error("Failed to print stats", "error", err)
		os.Exit(1)
	}
}
