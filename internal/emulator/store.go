package emulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05Z"

// Artifact is a recording pulled from the device.
type Artifact struct {
	ID        string
	RunID     string
	Package   string
	Path      string
	CreatedAt time.Time
}

// Store indexes recording artifacts in SQLite. Files live on disk;
// the index records where.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the artifact index at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate recordings: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			package    TEXT NOT NULL DEFAULT '',
			path       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
	`)
	return err
}

// Add records an artifact.
func (s *Store) Add(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, run_id, package, path, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Package, a.Path, a.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("add recording %s: %w", a.ID, err)
	}
	return nil
}

// Latest returns the most recently created artifact, or nil when the
// index is empty.
func (s *Store) Latest(ctx context.Context) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, package, path, created_at FROM recordings
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest recording: %w", err)
	}
	return a, nil
}

// ForRun returns the artifact produced by a run, or nil.
func (s *Store) ForRun(ctx context.Context, runID string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, package, path, created_at FROM recordings
		 WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recording for run %s: %w", runID, err)
	}
	return a, nil
}

// Sweep deletes artifacts created before cutoff, removing their files
// first. A file that is already gone does not stop its row from being
// deleted. It returns the number of artifacts removed.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, package, path, created_at FROM recordings WHERE created_at < ?`,
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("query expired recordings: %w", err)
	}
	var expired []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired recording: %w", err)
		}
		expired = append(expired, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, a := range expired {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete recording %s: %w", a.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(sc scanner) (*Artifact, error) {
	var a Artifact
	var created string
	if err := sc.Scan(&a.ID, &a.RunID, &a.Package, &a.Path, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeFormat, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	a.CreatedAt = t
	return &a, nil
}
