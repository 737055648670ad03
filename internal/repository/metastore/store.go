// Package metastore holds the authoritative generation pointer of each
// repository. The pointer only moves through compare-and-swap.
package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UnknownGeneration is reported for a repository that was never written.
const UnknownGeneration int64 = -1

// Sentinel errors for expected conditions.
var (
	ErrConflict       = errors.New("generation conflict")
	ErrUnknownBackend = errors.New("unknown metastore backend")
)

// RepositoryState is the stored pointer of one repository.
type RepositoryState struct {
	Name       string    `json:"name"`
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MetaStore persists generation pointers.
type MetaStore interface {
	// Generation returns the current generation, or UnknownGeneration.
	Generation(ctx context.Context, repo string) (int64, error)

	// CompareAndSwapGeneration moves the pointer from expected to next.
	// Returns ErrConflict if the current generation isn't expected.
	CompareAndSwapGeneration(ctx context.Context, repo string, expected, next int64) error

	// ListRepositories returns all known repositories sorted by name.
	ListRepositories(ctx context.Context) ([]RepositoryState, error)

	// Close releases resources.
	Close() error
}

// Open opens the named backend ("bbolt" or "sqlite") at path.
func Open(backend, path string) (MetaStore, error) {
	switch backend {
	case "", "bbolt":
		return NewBboltStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func checkAdvance(expected, next int64) error {
	if next <= expected {
		return fmt.Errorf("generation must advance: %d -> %d", expected, next)
	}
	return nil
}
