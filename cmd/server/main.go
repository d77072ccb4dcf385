package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/verifyq/internal/auth"
	"github.com/dontdude/verifyq/internal/config"
	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/platform/store"
	"github.com/dontdude/verifyq/internal/platform/web"
	"github.com/dontdude/verifyq/internal/queue"
)

func main() {
	// 1. Load configuration and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize the shared store
	st := store.NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
	defer st.Close()

	api := &api{
		store:  st,
		issuer: auth.NewIssuer(cfg.Secret, 0),
		authn:  auth.NewAuthenticator(cfg.Secret),
		logger: logger,
	}

	// 3. Setup Rate Limiter
	// Rate: 0.5 tokens/sec (1 request every 2s), Capacity: 5 (Burst)
	limiter := web.NewRateLimiter(0.5, 5, ctx.Done())

	// 4. Register Handlers
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tokens", limiter.Middleware(web.ClientIP, api.handleToken))
	mux.HandleFunc("POST /api/queues/{queue}/tasks", limiter.Middleware(web.ClientIP, api.handleSubmit))
	mux.HandleFunc("GET /api/ws", api.handleWS)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           web.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	slog.Info("API Server starting", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("API Server stopped")
}

type api struct {
	store  domain.Store
	issuer *auth.Issuer
	authn  *auth.Authenticator
	logger *slog.Logger
}

// handleToken issues a user token for an anonymous user.
func (a *api) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.issuer.UserToken("")
	if err != nil {
		a.logger.Error("Failed to issue user token", "error", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleSubmit pushes the request payload as a new task of the queue.
func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		web.WriteError(w, http.StatusUnauthorized, "Bearer token is required")
		return
	}
	identity, err := a.authn.Authenticate(token)
	if err != nil || !identity.IsUser {
		web.WriteError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var payload domain.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		web.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if payload.Language == "" || payload.Solution == "" || payload.Tests == "" {
		web.WriteError(w, http.StatusBadRequest, "language, solution and tests are required")
		return
	}

	client := queue.NewClient(a.store, r.PathValue("queue"), identity, a.logger)
	id, err := client.Push(r.Context(), payload)
	if err != nil {
		a.logger.Error("Failed to push task", "error", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	a.logger.Info("Received submission", "taskID", id, "queue", r.PathValue("queue"), "owner", identity.UID)
	web.WriteJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"status":  "queued",
	})
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

type taskMessage struct {
	TaskID string      `json:"task_id"`
	Task   domain.Task `json:"task"`
}

// handleWS sends the task to its owner once it is completed, then marks it
// consumed.
func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	// 1. Authenticate and check ownership before upgrading
	q := r.URL.Query()
	taskID := q.Get("task_id")
	if taskID == "" {
		web.WriteError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	identity, err := a.authn.Authenticate(q.Get("token"))
	if err != nil {
		web.WriteError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	client := queue.NewClient(a.store, q.Get("queue"), identity, a.logger)
	task, err := client.Get(r.Context(), taskID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		web.WriteError(w, http.StatusNotFound, "Task not found")
		return
	case err != nil:
		a.logger.Error("Failed to get task", "taskID", taskID, "error", err)
		web.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	case task.Owner != identity.UID:
		web.WriteError(w, http.StatusForbidden, "Not the task owner")
		return
	}

	// 2. Upgrade to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	a.logger.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr(), "taskID", taskID)

	// 3. Stop waiting if the client goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 4. Forward the completed task
	task, err = client.Await(ctx, taskID)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("Failed to await task", "taskID", taskID, "error", err)
		}
		return
	}
	if err := conn.WriteJSON(taskMessage{TaskID: taskID, Task: task}); err != nil {
		a.logger.Error("Failed to write to websocket", "taskID", taskID, "error", err)
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task completed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	a.logger.Info("Client Disconnected", "taskID", taskID)
}
