package snippet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memoryDB = ":memory:"

// timeLayout has a fixed width so created_at sorts correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != memoryDB {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == memoryDB {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// List returns all snippets, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, code, description, created_at
		FROM snippets ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing snippets: %w", err)
	}
	defer rows.Close()

	snippets := []Snippet{}
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, *sn)
	}
	return snippets, rows.Err()
}

// Get returns the snippet with the given id or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Snippet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, code, description, created_at
		FROM snippets WHERE id = ?`, id)
	sn, err := scanSnippet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sn, err
}

// Create validates and stores a new snippet
func (s *SQLiteStore) Create(ctx context.Context, in NewSnippet) (*Snippet, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snippets (title, code, description, created_at)
		VALUES (?, ?, ?, ?)`,
		in.Title, in.Code, in.Description, createdAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting snippet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading snippet id: %w", err)
	}

	return &Snippet{
		ID:          id,
		Title:       in.Title,
		Code:        in.Code,
		Description: in.Description,
		CreatedAt:   createdAt,
	}, nil
}

// Delete removes the snippet with the given id or returns ErrNotFound
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting snippet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting snippet: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnippet(row scanner) (*Snippet, error) {
	var (
		sn          Snippet
		description sql.NullString
		createdAt   string
	)
	if err := row.Scan(&sn.ID, &sn.Title, &sn.Code, &description, &createdAt); err != nil {
		return nil, err
	}
	if description.Valid {
		sn.Description = &description.String
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	sn.CreatedAt = t
	return &sn, nil
}
