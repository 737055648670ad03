package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/repository/blobstore"
	"github.com/kilupskalvis/shardkeep/internal/repository/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStores struct {
	blobs *blobstore.FSStore
	meta  metastore.MetaStore
}

func newTestStores(t *testing.T) testStores {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.NewFSStore(filepath.Join(dir, "blobs"), true)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })
	meta, err := metastore.NewBboltStore(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	return testStores{blobs: blobs, meta: meta}
}

func newTestRepo(t *testing.T, st testStores, opts Options) *Repository {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	r, err := Open("backups", st.blobs, st.meta, opts)
	require.NoError(t, err)
	return r
}

// flakyMeta fails the first n swaps with ErrConflict.
type flakyMeta struct {
	metastore.MetaStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (m *flakyMeta) CompareAndSwapGeneration(ctx context.Context, repo string, expected, next int64) error {
	m.calls.Add(1)
	if m.failures.Add(-1) >= 0 {
		return fmt.Errorf("injected: %w", metastore.ErrConflict)
	}
	return m.MetaStore.CompareAndSwapGeneration(ctx, repo, expected, next)
}

// incompatibleFailures fails the next n writes of the incompatible list.
type incompatibleFailures struct {
	blobstore.BlobStore
	failures atomic.Int32
}

func (b *incompatibleFailures) Write(ctx context.Context, name string, data []byte, failIfExists bool) error {
	if name == IncompatibleBlob && b.failures.Add(-1) >= 0 {
		return fmt.Errorf("injected write failure")
	}
	return b.BlobStore.Write(ctx, name, data, failIfExists)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func indexBlobs(t *testing.T, st testStores) []string {
	t.Helper()
	names, err := st.blobs.List(context.Background(), IndexBlobPrefix)
	require.NoError(t, err)
	return names
}

func TestRepository_LoadEmpty(t *testing.T) {
	r := newTestRepo(t, newTestStores(t), Options{})
	d, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EmptyRepoGen, d.Generation())
	assert.Empty(t, d.SnapshotIDs())
}

func TestRepository_FinalizeSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{})

	id, d, err := r.FinalizeSnapshot(ctx, "nightly-1", []string{"logs", "metrics"})
	require.NoError(t, err)
	assert.Equal(t, "nightly-1", id.Name)
	assert.NotEmpty(t, id.UUID)
	assert.Equal(t, int64(0), d.Generation())
	assert.Equal(t, []string{"logs", "metrics"}, d.IndexNames())
	assert.Equal(t, []string{"index-0"}, indexBlobs(t, st))

	gen, err := st.meta.Generation(ctx, "backups")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	again, d2, err := r.FinalizeSnapshot(ctx, "nightly-1", []string{"logs"})
	require.NoError(t, err)
	assert.Equal(t, id, again, "finalizing twice keeps the first id")
	assert.Equal(t, int64(0), d2.Generation(), "no new generation for a repeated finalize")
}

func TestRepository_ReusesIndexIDs(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, newTestStores(t), Options{})

	_, d1, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	_, d2, err := r.FinalizeSnapshot(ctx, "s2", []string{"logs", "audit"})
	require.NoError(t, err)

	assert.Equal(t, d1.ResolveIndexID("logs"), d2.ResolveIndexID("logs"))
	snaps, err := d2.Snapshots(d2.ResolveIndexID("logs"))
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestRepository_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{})

	_, want, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	want, err = r.MarkIncompatible(ctx, []string{"s1"})
	require.NoError(t, err)

	fresh := newTestRepo(t, st, Options{})
	got, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, want.Generation(), got.Generation())
	assert.Equal(t, []SnapshotID{want.IncompatibleSnapshotIDs()[0]}, got.IncompatibleSnapshotIDs())
}

func TestRepository_DeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, newTestStores(t), Options{})

	_, _, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	_, _, err = r.FinalizeSnapshot(ctx, "s2", []string{"audit"})
	require.NoError(t, err)

	d, err := r.DeleteSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Generation())
	assert.Equal(t, []string{"audit"}, d.IndexNames(), "logs had no other snapshot")

	_, err = r.DeleteSnapshot(ctx, "s1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRepository_MarkIncompatible(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, newTestStores(t), Options{})

	_, _, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)

	d, err := r.MarkIncompatible(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Empty(t, d.SnapshotIDs())
	require.Len(t, d.IncompatibleSnapshotIDs(), 1)
	assert.Equal(t, int64(1), d.Generation())

	again, err := r.MarkIncompatible(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Generation(), "already incompatible is a no-op")

	_, err = r.MarkIncompatible(ctx, []string{"missing"})
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	d, err = r.DeleteSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, d.IncompatibleSnapshotIDs())
}

func TestRepository_FinalizeDuplicateIndices(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{})

	_, d, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs", "metrics", "logs"})
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	assert.Len(t, d.Indices(), 2)

	snaps, err := d.Snapshots(d.ResolveIndexID("logs"))
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	reopened := newTestRepo(t, st, Options{})
	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.True(t, d.Equal(loaded))
}

func TestRepository_RejectsInvalidNames(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{})

	_, _, err := r.FinalizeSnapshot(ctx, "s\xff", []string{"logs"})
	assert.ErrorIs(t, err, ErrInvalidName)
	_, _, err = r.FinalizeSnapshot(ctx, "s1", []string{"lo\xffgs"})
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = r.DeleteSnapshot(ctx, "s\xff")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = r.MarkIncompatible(ctx, []string{"s\xff"})
	assert.ErrorIs(t, err, ErrInvalidName)

	d, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyRepoGen, d.Generation(), "nothing was written")
	assert.Empty(t, indexBlobs(t, st))
}

func TestRepository_IncompatibleWriteAfterPublish(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	blobs := &incompatibleFailures{BlobStore: st.blobs}
	r, err := Open("backups", blobs, st.meta, Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, _, err = r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	_, _, err = r.FinalizeSnapshot(ctx, "s2", []string{"logs"})
	require.NoError(t, err)

	// A transient failure is absorbed by the retries.
	blobs.failures.Store(1)
	d, err := r.MarkIncompatible(ctx, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, d.IncompatibleSnapshotIDs(), 1)
	assert.Equal(t, "s1", d.IncompatibleSnapshotIDs()[0].Name)

	blobs.failures.Store(100)
	_, err = r.MarkIncompatible(ctx, []string{"s2"})
	require.ErrorIs(t, err, ErrIncompleteWrite)

	gen, err := st.meta.Generation(ctx, "backups")
	require.NoError(t, err)
	assert.Equal(t, int64(3), gen, "the generation is published even though the write is incomplete")
}

func TestRepository_KeepsRecentGenerations(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{KeepGenerations: 2})

	for i := 0; i < 4; i++ {
		_, _, err := r.FinalizeSnapshot(ctx, fmt.Sprintf("s%d", i), []string{"logs"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"index-2", "index-3"}, indexBlobs(t, st))
}

func TestRepository_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	meta := &flakyMeta{MetaStore: st.meta}
	meta.failures.Store(2)

	r, err := Open("backups", st.blobs, meta, Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, d, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Generation())
	assert.Equal(t, int32(3), meta.calls.Load())
	assert.Equal(t, []string{"index-0"}, indexBlobs(t, st), "losing attempts leave no blobs behind")
}

func TestRepository_TooManyConflicts(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	meta := &flakyMeta{MetaStore: st.meta}
	meta.failures.Store(100)

	r, err := Open("backups", st.blobs, meta, Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, _, err = r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	assert.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, int32(3), meta.calls.Load())
	assert.Empty(t, indexBlobs(t, st))
}

func TestRepository_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		r := newTestRepo(t, st, Options{MaxRetries: 200})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = r.FinalizeSnapshot(ctx, fmt.Sprintf("s%d", i), []string{"logs"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	d, err := newTestRepo(t, st, Options{}).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers-1), d.Generation())
	assert.Len(t, d.SnapshotIDs(), writers)
	require.NoError(t, d.Validate())
}

func TestRepository_Cleanup(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{KeepGenerations: 2})

	for i := 0; i < 3; i++ {
		_, _, err := r.FinalizeSnapshot(ctx, fmt.Sprintf("s%d", i), []string{"logs"})
		require.NoError(t, err)
	}
	// A leftover from an old run and an unpublished future generation.
	require.NoError(t, st.blobs.Write(ctx, "index-0", []byte("{}"), false))
	require.NoError(t, st.blobs.Write(ctx, "index-9", []byte("{}"), false))

	res, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Generation)
	assert.Equal(t, 4, res.BlobsScanned)
	assert.ElementsMatch(t, []string{"index-0", "index-9"}, res.Deleted)
	assert.Equal(t, []string{"index-1", "index-2"}, indexBlobs(t, st))
}

func TestRepository_Verify(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	r := newTestRepo(t, st, Options{})
	_, _, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs", "audit"})
	require.NoError(t, err)

	res, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, &VerifyResult{Repository: "backups", Generation: 0, Snapshots: 1, Indices: 2}, res)

	probes, err := st.blobs.List(ctx, "tests-")
	require.NoError(t, err)
	assert.Empty(t, probes)
}

func TestRepository_CorruptGeneration(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	require.NoError(t, st.blobs.Write(ctx, "index-0", []byte(`{"bogus":1}`), true))
	require.NoError(t, st.meta.CompareAndSwapGeneration(ctx, "backups", metastore.UnknownGeneration, 0))

	r := newTestRepo(t, st, Options{})
	_, err := r.Load(ctx)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bogus", pe.Field)

	_, _, err = r.FinalizeSnapshot(ctx, "s1", nil)
	assert.ErrorAs(t, err, &pe, "corruption is not retried")
}

func TestRepository_Notifies(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	r := newTestRepo(t, newTestStores(t), Options{Notifier: n})

	_, _, err := r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	require.NoError(t, err)
	_, err = r.DeleteSnapshot(ctx, "s1")
	require.NoError(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.events, 2)
	assert.Equal(t, EventSnapshotFinalized, n.events[0].Event)
	assert.Equal(t, int64(0), n.events[0].Generation)
	assert.Equal(t, EventSnapshotDeleted, n.events[1].Event)
	assert.Equal(t, "backups", n.events[1].Repository)
}

func TestRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := newTestStores(t)
	meta := &flakyMeta{MetaStore: st.meta}
	meta.failures.Store(1)
	r, err := Open("backups", st.blobs, meta, Options{RetryDelay: time.Second})
	require.NoError(t, err)

	_, _, err = r.FinalizeSnapshot(ctx, "s1", []string{"logs"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndexBlobName(t *testing.T) {
	assert.Equal(t, "index-12", IndexBlobName(12))
	gen, ok := parseIndexBlobName("index-12")
	assert.True(t, ok)
	assert.Equal(t, int64(12), gen)
	_, ok = parseIndexBlobName("index-x")
	assert.False(t, ok)
	_, ok = parseIndexBlobName(IncompatibleBlob)
	assert.False(t, ok)
}
