// Package node assembles a running node from its configuration: the task
// registry, cluster membership, cancellation coordinator, repositories and
// the HTTP server in front of them.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/kilupskalvis/shardkeep/internal/metrics"
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/repository/blobstore"
	"github.com/kilupskalvis/shardkeep/internal/repository/metastore"
	"github.com/kilupskalvis/shardkeep/internal/server"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/kilupskalvis/shardkeep/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	seedAttempts    = 5
	seedRetryDelay  = 2 * time.Second
	shutdownTimeout = 30 * time.Second
)

// NewLogger builds the process logger from the configured level and format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Node is one member of the cluster.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	Registry     *tasks.Registry
	Membership   *cluster.Membership
	Coordinator  *cancel.Coordinator
	Health       *cluster.HealthMonitor
	Repositories *repository.Set
	Metrics      *prometheus.Registry

	handler http.Handler
	cleanup func()
	closers []io.Closer
}

// New opens the configured repositories and wires the node components.
// cfg must have passed Validate.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", cfg.NodeID)

	n := &Node{
		cfg:          cfg,
		logger:       logger,
		Registry:     tasks.NewRegistry(cfg.NodeID, logger),
		Membership:   cluster.NewMembership(cluster.NodeInfo{ID: cfg.NodeID, Addr: cfg.Advertise}, logger),
		Repositories: repository.NewSet(),
		Metrics:      prometheus.NewRegistry(),
	}

	if err := n.openRepositories(); err != nil {
		n.Close()
		return nil, err
	}

	peers := transport.NewHTTPTransport(cfg.ClusterToken, cfg.RequestTimeout.Duration)
	n.Coordinator = cancel.NewCoordinator(n.Registry, n.Membership, peers, cancel.Options{
		BanTimeout: cfg.BanTimeout.Duration,
		Logger:     logger,
	})
	if cfg.ClusterToken != "" {
		n.Membership.SetHeader(transport.TokenHeader, cfg.ClusterToken)
	}

	// Bans owned by a departed node can never be lifted by it.
	n.Membership.OnChange(func(state cluster.State) {
		n.Registry.PruneBans(state.Has)
	})
	n.Health = cluster.NewHealthMonitor(n.Membership, cfg.HealthInterval.Duration, cfg.HealthMaxFailures, logger)

	if err := metrics.Register(n.Metrics, metrics.NewTaskCollector(n.Registry)); err != nil {
		n.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.RequestsPerMinute = cfg.RequestsPerMinute
	srvCfg.ClusterToken = cfg.ClusterToken
	n.handler, n.cleanup = server.Handler(server.Deps{
		Registry:     n.Registry,
		Coordinator:  n.Coordinator,
		Membership:   n.Membership,
		Repositories: n.Repositories,
		Peers:        peers,
		Gatherer:     n.Metrics,
	}, srvCfg, logger)

	return n, nil
}

func (n *Node) openRepositories() error {
	var notifier repository.Notifier
	if wn := repository.NewWebhookNotifier(n.cfg.WebhookURLs, n.logger); wn != nil {
		notifier = wn
		n.logger.Info("webhooks configured", "count", len(n.cfg.WebhookURLs))
	}

	for _, rc := range n.cfg.Repositories {
		if err := os.MkdirAll(n.cfg.RepositoryDir(rc.Name), 0755); err != nil {
			return fmt.Errorf("create repository directory for %s: %w", rc.Name, err)
		}
		meta, err := metastore.Open(rc.Metastore, n.cfg.MetaPath(rc.Name))
		if err != nil {
			return fmt.Errorf("open metastore for %s: %w", rc.Name, err)
		}
		n.closers = append(n.closers, meta)

		blobs, err := blobstore.NewFSStore(n.cfg.BlobsPath(rc.Name), rc.Compress)
		if err != nil {
			return fmt.Errorf("open blobstore for %s: %w", rc.Name, err)
		}
		n.closers = append(n.closers, blobs)

		repo, err := repository.Open(rc.Name, blobs, meta, repository.Options{
			MaxRetries:      rc.MaxRetries,
			KeepGenerations: rc.KeepGenerations,
			CacheSize:       rc.CacheSize,
			Notifier:        notifier,
			Logger:          n.logger,
		})
		if err != nil {
			return fmt.Errorf("open repository %s: %w", rc.Name, err)
		}
		n.Repositories.Add(repo)
		n.logger.Info("opened repository", "name", rc.Name, "metastore", rc.Metastore, "compress", rc.Compress)
	}
	return nil
}

// Handler returns the node HTTP handler.
func (n *Node) Handler() http.Handler {
	return n.handler
}

// Run listens on the configured address and serves until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.Listen, err)
	}
	return n.Serve(ctx, ln)
}

// Serve joins the cluster through the configured seeds, starts health
// monitoring and serves on ln until ctx is done, then shuts down
// gracefully.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      n.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("starting shardkeep node", "listen", ln.Addr().String(), "advertise", n.cfg.Advertise, "data_dir", n.cfg.DataDir)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if len(n.cfg.Seeds) > 0 {
		go func() {
			if err := n.Membership.JoinSeeds(ctx, n.cfg.Seeds, seedAttempts, seedRetryDelay); err != nil {
				n.logger.Error("failed to join cluster", "seeds", n.cfg.Seeds, "error", err)
				return
			}
			n.logger.Info("joined cluster", "members", n.Membership.State().Len())
		}()
	}
	if n.cfg.HealthInterval.Duration > 0 {
		n.Health.Start(ctx)
		defer n.Health.Stop()
	}

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	n.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	n.logger.Info("node stopped")
	return nil
}

// Close releases the handler and the repository stores.
func (n *Node) Close() error {
	if n.cleanup != nil {
		n.cleanup()
		n.cleanup = nil
	}
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
