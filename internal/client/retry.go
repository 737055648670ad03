package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/repository"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

var _ Client = (*RetryClient)(nil)

// isTransient returns true for errors that are worth retrying. A node that
// lost the generation race too often answers 409 concurrent_modification,
// which clears up on its own.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests || re.Code == "concurrent_modification"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

func (rc *RetryClient) ListTasks(ctx context.Context, actions []string) (resp *api.TasksResponse, err error) {
	err = rc.retry(ctx, "list tasks", func() error {
		resp, err = rc.inner.ListTasks(ctx, actions)
		return err
	})
	return
}

func (rc *RetryClient) ListBans(ctx context.Context) (resp *api.BansResponse, err error) {
	err = rc.retry(ctx, "list bans", func() error {
		resp, err = rc.inner.ListBans(ctx)
		return err
	})
	return
}

func (rc *RetryClient) CancelTasks(ctx context.Context, req cancel.Request) (*cancel.Response, error) {
	// A retried cancel would report already_cancelled for work the first
	// attempt did, so it is sent once.
	return rc.inner.CancelTasks(ctx, req)
}

func (rc *RetryClient) Nodes(ctx context.Context) (resp *cluster.NodesResponse, err error) {
	err = rc.retry(ctx, "list nodes", func() error {
		resp, err = rc.inner.Nodes(ctx)
		return err
	})
	return
}

func (rc *RetryClient) ListRepositories(ctx context.Context) (resp *api.RepositoriesResponse, err error) {
	err = rc.retry(ctx, "list repositories", func() error {
		resp, err = rc.inner.ListRepositories(ctx)
		return err
	})
	return
}

func (rc *RetryClient) GetLedger(ctx context.Context, repo string) (resp *api.LedgerResponse, err error) {
	err = rc.retry(ctx, "get ledger", func() error {
		resp, err = rc.inner.GetLedger(ctx, repo)
		return err
	})
	return
}

func (rc *RetryClient) FinalizeSnapshot(ctx context.Context, repo, snapshot string, indices []string) (resp *api.FinalizeResponse, err error) {
	// Finalizing a recorded name returns the recorded snapshot, so retry is safe.
	err = rc.retry(ctx, "finalize snapshot", func() error {
		resp, err = rc.inner.FinalizeSnapshot(ctx, repo, snapshot, indices)
		return err
	})
	return
}

func (rc *RetryClient) DeleteSnapshot(ctx context.Context, repo, snapshot string) (*api.GenerationResponse, error) {
	// Not retried: a second attempt would fail with snapshot_missing.
	return rc.inner.DeleteSnapshot(ctx, repo, snapshot)
}

func (rc *RetryClient) MarkIncompatible(ctx context.Context, repo string, snapshots []string) (resp *api.GenerationResponse, err error) {
	err = rc.retry(ctx, "mark incompatible", func() error {
		resp, err = rc.inner.MarkIncompatible(ctx, repo, snapshots)
		return err
	})
	return
}

func (rc *RetryClient) Verify(ctx context.Context, repo string) (resp *api.VerifyResponse, err error) {
	err = rc.retry(ctx, "verify repository", func() error {
		resp, err = rc.inner.Verify(ctx, repo)
		return err
	})
	return
}

func (rc *RetryClient) Cleanup(ctx context.Context, repo string) (resp *repository.CleanupResult, err error) {
	err = rc.retry(ctx, "cleanup repository", func() error {
		resp, err = rc.inner.Cleanup(ctx, repo)
		return err
	})
	return
}
