package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kilupskalvis/shardkeep/internal/metrics"
	"github.com/kilupskalvis/shardkeep/internal/repository/blobstore"
	"github.com/kilupskalvis/shardkeep/internal/repository/metastore"
)

const (
	// IndexBlobPrefix prefixes the generation blobs: index-0, index-1, ...
	IndexBlobPrefix = "index-"
	// IncompatibleBlob holds the incompatible snapshot list.
	IncompatibleBlob = "incompatible-snapshots"

	DefaultMaxRetries      = 5
	DefaultKeepGenerations = 2
	DefaultCacheSize       = 8

	incompatibleWriteAttempts = 3
)

// IndexBlobName returns the blob name of generation gen.
func IndexBlobName(gen int64) string {
	return IndexBlobPrefix + strconv.FormatInt(gen, 10)
}

func parseIndexBlobName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, IndexBlobPrefix)
	if !ok {
		return 0, false
	}
	gen, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || gen < 0 {
		return 0, false
	}
	return gen, true
}

// Options tune a Repository. Zero values select the defaults.
type Options struct {
	MaxRetries      int
	KeepGenerations int
	CacheSize       int
	RetryDelay      time.Duration
	Notifier        Notifier
	Logger          *slog.Logger
}

// Repository persists one RepositoryData ledger. Every write loads the
// current generation N, applies a pure transform, writes index-(N+1)
// exclusively and then advances the pointer from N to N+1.
type Repository struct {
	name  string
	blobs blobstore.BlobStore
	meta  metastore.MetaStore
	cache *lru.Cache[int64, *RepositoryData]

	maxRetries int
	keep       int
	retryDelay time.Duration
	notifier   Notifier
	logger     *slog.Logger

	// mu keeps Load from observing a new generation before its
	// incompatible list is published.
	mu sync.RWMutex
}

// Open returns the repository called name on top of the given stores.
func Open(name string, blobs blobstore.BlobStore, meta metastore.MetaStore, opts Options) (*Repository, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.KeepGenerations <= 0 {
		opts.KeepGenerations = DefaultKeepGenerations
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[int64, *RepositoryData](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create ledger cache: %w", err)
	}
	return &Repository{
		name:       name,
		blobs:      blobs,
		meta:       meta,
		cache:      cache,
		maxRetries: opts.MaxRetries,
		keep:       opts.KeepGenerations,
		retryDelay: opts.RetryDelay,
		notifier:   opts.Notifier,
		logger:     opts.Logger.With("repository", name),
	}, nil
}

// Name returns the repository name.
func (r *Repository) Name() string {
	return r.name
}

// Load returns the ledger at the current generation.
func (r *Repository) Load(ctx context.Context) (*RepositoryData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gen, err := r.meta.Generation(ctx, r.name)
	if err != nil {
		return nil, fmt.Errorf("read generation: %w", err)
	}
	return r.loadGeneration(ctx, gen)
}

func (r *Repository) loadGeneration(ctx context.Context, gen int64) (*RepositoryData, error) {
	if d, ok := r.cache.Get(gen); ok {
		return d, nil
	}

	d := Empty()
	if gen != EmptyRepoGen {
		data, err := r.blobs.Read(ctx, IndexBlobName(gen))
		if err != nil {
			return nil, fmt.Errorf("read generation %d: %w", gen, err)
		}
		if d, err = ParseSnapshots(data, gen); err != nil {
			return nil, err
		}
	}

	incompat, err := r.blobs.Read(ctx, IncompatibleBlob)
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
	case err != nil:
		return nil, fmt.Errorf("read incompatible snapshots: %w", err)
	default:
		if d, err = d.ParseIncompatibleSnapshots(incompat); err != nil {
			return nil, err
		}
	}

	r.cache.Add(gen, d)
	return d, nil
}

// FinalizeSnapshot records a completed snapshot of indexNames. Finalizing
// a name that is already present returns the recorded id without a write.
// Repeated index names are recorded once.
func (r *Repository) FinalizeSnapshot(ctx context.Context, snapshot string, indexNames []string) (SnapshotID, *RepositoryData, error) {
	if err := ValidateName(snapshot); err != nil {
		return SnapshotID{}, nil, fmt.Errorf("snapshot: %w", err)
	}
	unique := make([]string, 0, len(indexNames))
	for _, name := range indexNames {
		if err := ValidateName(name); err != nil {
			return SnapshotID{}, nil, fmt.Errorf("index: %w", err)
		}
		if !slices.Contains(unique, name) {
			unique = append(unique, name)
		}
	}
	indexNames = unique

	var id SnapshotID
	d, err := r.update(ctx, "finalize", func(current *RepositoryData) (*RepositoryData, error) {
		if existing, ok := current.SnapshotByName(snapshot); ok {
			id = existing
			return current, nil
		}
		id = NewSnapshotID(snapshot)
		return current.AddSnapshot(id, current.ResolveNewIndices(indexNames))
	})
	if err != nil {
		return SnapshotID{}, nil, err
	}
	r.notify(EventSnapshotFinalized, snapshot, d.Generation())
	return id, d, nil
}

// DeleteSnapshot removes the named snapshot, active or incompatible.
func (r *Repository) DeleteSnapshot(ctx context.Context, snapshot string) (*RepositoryData, error) {
	if err := ValidateName(snapshot); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	d, err := r.update(ctx, "delete", func(current *RepositoryData) (*RepositoryData, error) {
		id, ok := current.SnapshotByName(snapshot)
		if !ok {
			return nil, fmt.Errorf("%s: %w", snapshot, ErrSnapshotNotFound)
		}
		return current.RemoveSnapshot(id)
	})
	if err != nil {
		return nil, err
	}
	r.notify(EventSnapshotDeleted, snapshot, d.Generation())
	return d, nil
}

// MarkIncompatible moves the named snapshots to the incompatible list.
// Names that are already incompatible are skipped.
func (r *Repository) MarkIncompatible(ctx context.Context, snapshots []string) (*RepositoryData, error) {
	for _, name := range snapshots {
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	d, err := r.update(ctx, "incompatible", func(current *RepositoryData) (*RepositoryData, error) {
		active := current.SnapshotIDs()
		var ids []SnapshotID
		for _, name := range snapshots {
			i := slices.IndexFunc(active, func(s SnapshotID) bool { return s.Name == name })
			if i >= 0 {
				if !slices.Contains(ids, active[i]) {
					ids = append(ids, active[i])
				}
				continue
			}
			if _, ok := current.SnapshotByName(name); !ok {
				return nil, fmt.Errorf("%s: %w", name, ErrSnapshotNotFound)
			}
		}
		if len(ids) == 0 {
			return current, nil
		}
		return current.AddIncompatibleSnapshots(ids), nil
	})
	if err != nil {
		return nil, err
	}
	r.notify(EventSnapshotsIncompatible, strings.Join(snapshots, ","), d.Generation())
	return d, nil
}

// update runs the read-transform-write cycle until the pointer advances,
// the transform fails, or the retry budget is spent.
func (r *Repository) update(ctx context.Context, op string, transform func(*RepositoryData) (*RepositoryData, error)) (*RepositoryData, error) {
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, r.recordWrite(op, err)
		}
		if attempt > 0 {
			if err := r.backoff(ctx, attempt); err != nil {
				return nil, r.recordWrite(op, err)
			}
		}

		current, err := r.Load(ctx)
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			// Another writer advanced and collected the generation we
			// were about to read.
			r.logger.Debug("generation vanished during load, retrying", "op", op, "error", err)
			continue
		}
		if err != nil {
			return nil, r.recordWrite(op, err)
		}
		next, err := transform(current)
		if err != nil {
			return nil, r.recordWrite(op, err)
		}
		if next == current {
			r.recordWrite(op, nil)
			return current, nil
		}
		if err := next.Validate(); err != nil {
			return nil, r.recordWrite(op, err)
		}

		published, err := r.publish(ctx, current, next)
		if isConflict(err) {
			metrics.RepositoryConflicts.WithLabelValues(r.name).Inc()
			r.logger.Debug("generation conflict, retrying", "op", op, "attempt", attempt, "error", err)
			continue
		}
		if err != nil {
			return nil, r.recordWrite(op, err)
		}
		r.recordWrite(op, nil)
		r.collectOld(ctx, published.Generation())
		return published, nil
	}
	err := fmt.Errorf("%s after %d attempts: %w", op, r.maxRetries+1, ErrTooManyConflicts)
	return nil, r.recordWrite(op, err)
}

func isConflict(err error) bool {
	return errors.Is(err, metastore.ErrConflict) || errors.Is(err, blobstore.ErrBlobExists)
}

// publish writes next as generation current+1 and advances the pointer.
func (r *Repository) publish(ctx context.Context, current, next *RepositoryData) (*RepositoryData, error) {
	gen := current.Generation() + 1
	next = next.WithGeneration(gen)

	data, err := next.MarshalSnapshots()
	if err != nil {
		return nil, err
	}
	name := IndexBlobName(gen)
	if err := r.blobs.Write(ctx, name, data, true); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.meta.CompareAndSwapGeneration(ctx, r.name, current.Generation(), gen); err != nil {
		// The blob is ours and unreferenced; leaving it would block the
		// next attempt at the same generation.
		if derr := r.blobs.Delete(context.WithoutCancel(ctx), name); derr != nil {
			r.logger.Warn("failed to delete unpublished generation", "blob", name, "error", derr)
		}
		return nil, err
	}

	if !slices.Equal(current.incompatible, next.incompatible) {
		if err := r.writeIncompatible(ctx, next); err != nil {
			// The pointer already moved; readers now see generation gen
			// with a stale incompatible list.
			r.logger.Error("generation published without its incompatible snapshots",
				"generation", gen, "incompatible", len(next.incompatible), "error", err)
			return nil, fmt.Errorf("generation %d: %w: %w", gen, ErrIncompleteWrite, err)
		}
	}

	r.cache.Add(gen, next)
	metrics.RepositoryGeneration.WithLabelValues(r.name).Set(float64(gen))
	r.logger.Info("generation advanced", "generation", gen, "snapshots", len(next.snapshotIDs))
	return next, nil
}

// writeIncompatible stores the incompatible list of d. It runs after the
// pointer advanced, so it ignores caller cancellation and retries a few
// times before giving up.
func (r *Repository) writeIncompatible(ctx context.Context, d *RepositoryData) error {
	doc, err := d.MarshalIncompatibleSnapshots()
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err = r.blobs.Write(ctx, IncompatibleBlob, doc, false)
		if err == nil || attempt == incompatibleWriteAttempts {
			return err
		}
		r.logger.Warn("failed to write incompatible snapshots, retrying", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * r.retryDelay)
	}
}

func (r *Repository) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Repository) recordWrite(op string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrTooManyConflicts) {
			result = "conflict"
		}
	}
	metrics.RepositoryWrites.WithLabelValues(r.name, op, result).Inc()
	return err
}

func (r *Repository) notify(event, snapshot string, gen int64) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(Event{
		Event:      event,
		Repository: r.name,
		Snapshot:   snapshot,
		Generation: gen,
	})
}

// collectOld drops the generation that just fell out of the retention
// window. Failures are logged; Cleanup picks up anything left behind.
func (r *Repository) collectOld(ctx context.Context, current int64) {
	gen := current - int64(r.keep)
	if gen < 0 {
		return
	}
	name := IndexBlobName(gen)
	if err := r.blobs.Delete(ctx, name); err != nil {
		r.logger.Warn("failed to delete old generation", "blob", name, "error", err)
	}
}

// CleanupResult contains the outcome of a cleanup run.
type CleanupResult struct {
	Generation   int64    `json:"generation"`
	BlobsScanned int      `json:"blobs_scanned"`
	BlobsDeleted int      `json:"blobs_deleted"`
	Deleted      []string `json:"deleted,omitempty"`
}

// Cleanup removes generation blobs outside the retention window as well as
// blobs newer than the current generation left by writers that never
// advanced the pointer.
func (r *Repository) Cleanup(ctx context.Context) (*CleanupResult, error) {
	gen, err := r.meta.Generation(ctx, r.name)
	if err != nil {
		return nil, fmt.Errorf("read generation: %w", err)
	}
	names, err := r.blobs.List(ctx, IndexBlobPrefix)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	result := &CleanupResult{Generation: gen, BlobsScanned: len(names)}
	for _, name := range names {
		g, ok := parseIndexBlobName(name)
		if !ok || (g > gen-int64(r.keep) && g <= gen) {
			continue
		}
		if err := r.blobs.Delete(ctx, name); err != nil {
			r.logger.Warn("cleanup: failed to delete blob", "blob", name, "error", err)
			continue
		}
		result.BlobsDeleted++
		result.Deleted = append(result.Deleted, name)
	}

	r.logger.Info("cleanup complete",
		"generation", gen,
		"scanned", result.BlobsScanned,
		"deleted", result.BlobsDeleted,
	)
	return result, nil
}

// VerifyResult describes a successful verification.
type VerifyResult struct {
	Repository string `json:"repository"`
	Generation int64  `json:"generation"`
	Snapshots  int    `json:"snapshots"`
	Indices    int    `json:"indices"`
}

// Verify checks that the current ledger loads and satisfies its invariants
// and that the blob store accepts writes.
func (r *Repository) Verify(ctx context.Context) (*VerifyResult, error) {
	d, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	probe := "tests-" + randomBase64UUID()
	if err := r.blobs.Write(ctx, probe, []byte(r.name), true); err != nil {
		return nil, fmt.Errorf("verify write: %w", err)
	}
	if _, err := r.blobs.Read(ctx, probe); err != nil {
		return nil, fmt.Errorf("verify read: %w", err)
	}
	if err := r.blobs.Delete(ctx, probe); err != nil {
		return nil, fmt.Errorf("verify delete: %w", err)
	}

	return &VerifyResult{
		Repository: r.name,
		Generation: d.Generation(),
		Snapshots:  len(d.snapshotIDs),
		Indices:    len(d.indices),
	}, nil
}
