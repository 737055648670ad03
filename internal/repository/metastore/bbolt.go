package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRepositories = []byte("repositories")

// BboltStore implements MetaStore using bbolt.
type BboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRepositories)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketRepositories, err)
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Generation returns the stored generation of repo.
func (s *BboltStore) Generation(_ context.Context, repo string) (int64, error) {
	gen := UnknownGeneration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepositories).Get([]byte(repo))
		if data == nil {
			return nil
		}
		var st RepositoryState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("unmarshal repository %s: %w", repo, err)
		}
		gen = st.Generation
		return nil
	})
	return gen, err
}

// CompareAndSwapGeneration advances the pointer inside one write
// transaction, which bbolt serializes.
func (s *BboltStore) CompareAndSwapGeneration(_ context.Context, repo string, expected, next int64) error {
	if err := checkAdvance(expected, next); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)

		current := UnknownGeneration
		if data := b.Get([]byte(repo)); data != nil {
			var st RepositoryState
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("unmarshal repository %s: %w", repo, err)
			}
			current = st.Generation
		}
		if current != expected {
			return fmt.Errorf("%s at generation %d, expected %d: %w", repo, current, expected, ErrConflict)
		}

		data, err := json.Marshal(RepositoryState{Name: repo, Generation: next, UpdatedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("marshal repository: %w", err)
		}
		return b.Put([]byte(repo), data)
	})
}

// ListRepositories returns every stored pointer. bbolt keys are ordered,
// so the result is sorted by name.
func (s *BboltStore) ListRepositories(_ context.Context) ([]RepositoryState, error) {
	var out []RepositoryState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(_, v []byte) error {
			var st RepositoryState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("unmarshal repository: %w", err)
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
