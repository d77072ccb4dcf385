// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dontdude/verifyq/internal/queue"
	"github.com/dontdude/verifyq/internal/verifier"
)

var ErrMissing = errors.New("missing required variable")

// Config is the configuration shared by the binaries.
type Config struct {
	RedisAddr   string
	RedisPrefix string

	Queue queue.Config

	// Secret signs and validates tokens.
	Secret string
	// WorkerToken is a pre-issued worker token. Workers issue their own
	// from Secret when it is empty or no longer valid.
	WorkerToken string

	VerifierTag    string
	VerifierImages string
	PullImages     bool

	HTTPAddr        string
	LogLevel        slog.Level
	BenchmarkLength int
}

// Load reads the configuration from the environment, falling back to
// defaults for unset variables.
func Load() (Config, error) {
	cfg := Config{
		RedisAddr:       env("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:     env("REDIS_PREFIX", "verifyq"),
		Queue:           queue.DefaultConfig(),
		Secret:          env("QUEUE_SECRET", ""),
		WorkerToken:     env("WORKER_TOKEN", ""),
		VerifierTag:     env("VERIFIER_TAG", verifier.DefaultTag),
		VerifierImages:  env("VERIFIER_IMAGES", ""),
		HTTPAddr:        env("HTTP_ADDR", ":8080"),
		BenchmarkLength: 20,
	}
	cfg.Queue.Name = env("QUEUE_NAME", queue.DefaultQueue)
	cfg.Queue.Root = env("QUEUE_ROOT", queue.DefaultRoot)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(intVar("MAX_WORKERS", &cfg.Queue.MaxWorkers))
	collect(durationVar("PRESENCE_INTERVAL", &cfg.Queue.PresenceInterval))
	collect(durationVar("TASK_TIMEOUT", &cfg.Queue.TaskTimeout))
	collect(boolVar("PULL_IMAGES", &cfg.PullImages))
	collect(intVar("BENCHMARK_LENGTH", &cfg.BenchmarkLength))

	if s := env("LOG_LEVEL", ""); s != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(s)); err != nil {
			collect(fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if cfg.Secret == "" {
		collect(fmt.Errorf("%w: QUEUE_SECRET", ErrMissing))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger returns the text logger every binary installs as default.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func intVar(key string, dst *int) error {
	s := env(key, "")
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("%s: invalid positive integer %q", key, s)
	}
	*dst = n
	return nil
}

func durationVar(key string, dst *time.Duration) error {
	s := env(key, "")
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: invalid duration %q", key, s)
	}
	*dst = d
	return nil
}

func boolVar(key string, dst *bool) error {
	s := env(key, "")
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
