package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	name TEXT PRIMARY KEY,
	generation INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore implements MetaStore on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize meta schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Generation returns the stored generation of repo.
func (s *SQLiteStore) Generation(ctx context.Context, repo string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, `SELECT generation FROM repositories WHERE name = ?`, repo).Scan(&gen)
	if err == sql.ErrNoRows {
		return UnknownGeneration, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query generation of %s: %w", repo, err)
	}
	return gen, nil
}

// CompareAndSwapGeneration relies on the row count of a conditional
// statement: zero rows touched means somebody else moved the pointer.
func (s *SQLiteStore) CompareAndSwapGeneration(ctx context.Context, repo string, expected, next int64) error {
	if err := checkAdvance(expected, next); err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if expected == UnknownGeneration {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO repositories (name, generation, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
			repo, next, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE repositories SET generation = ?, updated_at = ? WHERE name = ? AND generation = ?`,
			next, now, repo, expected)
	}
	if err != nil {
		return fmt.Errorf("advance generation of %s: %w", repo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance generation of %s: %w", repo, err)
	}
	if n == 0 {
		return fmt.Errorf("%s not at generation %d: %w", repo, expected, ErrConflict)
	}
	return nil
}

// ListRepositories returns every stored pointer sorted by name.
func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]RepositoryState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, generation, updated_at FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []RepositoryState
	for rows.Next() {
		var (
			st      RepositoryState
			updated int64
		)
		if err := rows.Scan(&st.Name, &st.Generation, &updated); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		st.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}
