// Package server implements the node HTTP API: the public task and
// repository endpoints plus the internal endpoints other nodes call.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/metrics"
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/kilupskalvis/shardkeep/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configurable limits for the server.
type Config struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	RequestsPerMinute int    // per-client rate limit on the public API
	ClusterToken      string // required on internal endpoints when set
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody:    1 << 20,
		RequestsPerMinute: 600,
	}
}

// Caller sends an internal request to another node.
type Caller interface {
	Call(ctx context.Context, node cluster.NodeInfo, path string, in, out any) error
}

// Deps are the node components the handlers serve.
type Deps struct {
	Registry     *tasks.Registry
	Coordinator  *cancel.Coordinator
	Membership   *cluster.Membership
	Repositories *repository.Set
	Peers        Caller
	Gatherer     prometheus.Gatherer
}

type server struct {
	Deps
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(deps Deps, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{Deps: deps, cfg: cfg, logger: logger}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	public := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, rl.middleware)
	}
	internal := func(h http.Handler) http.Handler {
		return clusterAuth(cfg.ClusterToken, h)
	}

	mux := http.NewServeMux()

	// Health and metrics (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(deps.Gatherer))
	}

	// Cluster
	mux.Handle("POST /_cluster/register", internal(http.HandlerFunc(s.handleRegister)))
	mux.Handle("GET /_cluster/nodes", public(s.handleNodes))

	// Tasks
	mux.Handle("GET /_tasks", public(s.handleListTasks))
	mux.Handle("GET /_tasks/bans", public(s.handleListBans))
	mux.Handle("POST /_tasks/_cancel", public(s.handleCancel))
	mux.Handle("POST /_tasks/{task_id}/_cancel", public(s.handleCancelTask))

	// Internal node-to-node
	mux.Handle("POST "+transport.PathBan, internal(transport.BanHandler(deps.Coordinator, logger)))
	mux.Handle("POST "+transport.PathCancel, internal(transport.CancelHandler(deps.Coordinator, logger)))
	mux.Handle("POST "+transport.PathVerify, internal(http.HandlerFunc(s.handleVerifyShard)))

	// Repositories
	mux.Handle("GET /_snapshot", public(s.handleListRepositories))
	mux.Handle("GET /_snapshot/{repo}", public(s.handleGetLedger))
	mux.Handle("POST /_snapshot/{repo}/_incompatible", public(s.handleMarkIncompatible))
	mux.Handle("POST /_snapshot/{repo}/_verify", public(s.handleVerify))
	mux.Handle("POST /_snapshot/{repo}/_cleanup", public(s.handleCleanup))
	mux.Handle("POST /_snapshot/{repo}/{snapshot}", public(s.handleFinalize))
	mux.Handle("DELETE /_snapshot/{repo}/{snapshot}", public(s.handleDeleteSnapshot))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
