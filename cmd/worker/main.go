package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dontdude/verifyq/internal/auth"
	"github.com/dontdude/verifyq/internal/config"
	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/platform/docker"
	"github.com/dontdude/verifyq/internal/platform/store"
	"github.com/dontdude/verifyq/internal/queue"
	"github.com/dontdude/verifyq/internal/verifier"
)

const (
	minRetryDelay = time.Second
	maxRetryDelay = time.Minute
)

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minRetryDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	return b
}

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	slog.Info("Starting verifyq worker...", "queue", cfg.Queue.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Docker Client
	// This will panic if Docker is not available (Fail-Fast)
	dockerClient := docker.NewClient()
	defer dockerClient.Close()

	images := verifier.DefaultImages()
	if cfg.VerifierImages != "" {
		if images, err = verifier.LoadImages(cfg.VerifierImages); err != nil {
			slog.Error("Failed to load verifier images", "error", err)
			os.Exit(1)
		}
	}

	// 3. Warm up images so the first tasks do not time out on a cold pull
	if cfg.PullImages {
		for _, ref := range images.Refs(cfg.VerifierTag) {
			if err := dockerClient.PullImage(ctx, ref); err != nil {
				slog.Error("Failed to pull verifier image", "image", ref, "error", err)
				os.Exit(1)
			}
		}
	}

	v := verifier.New(dockerClient, verifier.Options{
		Images:  images,
		Tag:     cfg.VerifierTag,
		Timeout: cfg.Queue.TaskTimeout,
		Logger:  logger,
	})

	// 4. Initialize the shared store
	st := store.NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
	defer st.Close()

	issuer := auth.NewIssuer(cfg.Secret, 0)
	authn := auth.NewAuthenticator(cfg.Secret)

	// 5. Watch the queue until shutdown, starting over with a fresh
	// identity whenever the watch fails
	qcfg := cfg.Queue
	qcfg.Logger = logger

	token := cfg.WorkerToken
	retry := newRetryBackoff()
	var coordinators []*queue.Coordinator
	defer func() {
		slog.Info("Waiting for running tasks...")
		for _, c := range coordinators {
			c.Wait()
		}
		slog.Info("Worker stopped")
	}()

	for {
		identity, err := workerIdentity(issuer, authn, token, qcfg.Name)
		token = ""
		if err != nil {
			slog.Error("Failed to authenticate worker", "error", err)
			if !sleep(ctx, retry) {
				return
			}
			continue
		}

		coord := queue.NewCoordinator(st, v, identity, qcfg)
		coordinators = append(coordinators, coord)

		w, err := coord.Watch(ctx)
		if err != nil {
			slog.Error("Failed to watch queue", "error", err)
			if !sleep(ctx, retry) {
				return
			}
			continue
		}
		retry.Reset()

		select {
		case <-ctx.Done():
			if err := w.Cancel(context.Background()); err != nil {
				slog.Error("Failed to stop watching queue", "error", err)
			}
			return
		case <-w.Done():
			slog.Warn("Watch stopped, restarting", "error", w.Err())
		}
	}
}

// workerIdentity authenticates token, or a newly issued worker token when
// token is empty or rejected.
func workerIdentity(issuer *auth.Issuer, authn *auth.Authenticator, token, queueName string) (domain.Identity, error) {
	if token != "" {
		identity, err := authn.Authenticate(token)
		if err == nil {
			return identity, nil
		}
		slog.Warn("Worker token rejected, issuing a new one", "error", err)
	}

	token, err := issuer.WorkerToken(queueName)
	if err != nil {
		return domain.Identity{}, err
	}
	return authn.Authenticate(token)
}

// sleep waits for the next backoff delay. It returns false if ctx is done
// first.
func sleep(ctx context.Context, b backoff.BackOff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.NextBackOff()):
		return true
	}
}
