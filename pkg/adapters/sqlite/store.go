package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"

	_ "modernc.org/sqlite"
)

// Store implements ports.ProcessStore on a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path and migrates it.
// SQLite allows a single writer, so the pool is limited to one connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing database handle and migrates it.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to init sqlite process store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS processes (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (namespace, id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Store) Get(ctx context.Context, namespace, id string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM processes WHERE namespace = ? AND id = ?`,
		namespace, id,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrProcessNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read process: %w", err)
	}
	return state, nil
}

func (s *Store) Put(ctx context.Context, namespace, id, state string) error {
	query := `INSERT INTO processes (namespace, id, state, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (namespace, id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`

	updated := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, query, namespace, id, state, updated); err != nil {
		return fmt.Errorf("failed to upsert process: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE namespace = ? AND id = ?`, namespace, id); err != nil {
		return fmt.Errorf("failed to delete process: %w", err)
	}
	return nil
}

// List returns ids of a namespace, most recently updated first.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM processes WHERE namespace = ? ORDER BY updated_at DESC`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
