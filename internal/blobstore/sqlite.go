package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store persisted in a SQLite database, so stored responses
// survive process restarts.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn.
func NewSQLite(dsn string) (*SQLite, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite response store: %w", err)
	}
	// One writer at a time keeps SQLite free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite response store: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS responses (
	bucket TEXT NOT NULL,
	path TEXT NOT NULL,
	content_type TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, path)
);`

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize response store schema: %w", err)
	}
	return nil
}

// Open returns the bucket called name.
func (s *SQLite) Open(_ context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

func (b *sqliteBucket) Match(ctx context.Context, path string) (*Response, error) {
	var (
		resp     Response
		storedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT content_type, body, stored_at FROM responses WHERE bucket = ? AND path = ?`,
		b.name, path,
	).Scan(&resp.ContentType, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match %s%s: %w", b.name, path, err)
	}
	resp.StoredAt = time.UnixMilli(storedAt)
	return &resp, nil
}

func (b *sqliteBucket) Put(ctx context.Context, path string, resp Response) error {
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO responses (bucket, path, content_type, body, stored_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (bucket, path) DO UPDATE SET
	content_type = excluded.content_type,
	body = excluded.body,
	stored_at = excluded.stored_at`,
		b.name, path, resp.ContentType, resp.Body, resp.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s%s: %w", b.name, path, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, path string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM responses WHERE bucket = ? AND path = ?`, b.name, path,
	); err != nil {
		return fmt.Errorf("delete %s%s: %w", b.name, path, err)
	}
	return nil
}
