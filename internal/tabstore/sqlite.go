package tabstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/tabkeeper/schema"
)

type migration struct {
	version int
	upSQL   string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS tabs (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	favicon TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	is_hibernated INTEGER NOT NULL DEFAULT 0,
	last_access TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS tabs_position ON tabs(position);
`,
	},
}

// SQLiteBackend stores tabs in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Load returns all rows ordered by position.
func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, url, title, favicon, position, is_active, is_hibernated, last_access
FROM tabs
ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			id         string
			active     int
			hibernated int
			lastAccess string
		)
		if err := rows.Scan(&id, &rec.URL, &rec.Title, &rec.Favicon, &rec.Position, &active, &hibernated, &lastAccess); err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		rec.ID = schema.TabID(id)
		rec.Active = active != 0
		rec.Hibernated = hibernated != 0
		if lastAccess != "" {
			parsed, err := parseTS(lastAccess)
			if err != nil {
				return nil, fmt.Errorf("parse last_access for %s: %w", id, err)
			}
			rec.LastAccess = parsed
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tabs: %w", err)
	}
	return out, nil
}

// Commit applies the change in one transaction.
func (b *SQLiteBackend) Commit(ctx context.Context, change Change) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	for _, id := range change.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, string(id)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("delete tab %s: %w", id, err)
		}
	}
	for _, rec := range change.Upserts {
		_, err := tx.ExecContext(ctx, `
INSERT INTO tabs(id, url, title, favicon, position, is_active, is_hibernated, last_access)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	url=excluded.url,
	title=excluded.title,
	favicon=excluded.favicon,
	position=excluded.position,
	is_active=excluded.is_active,
	is_hibernated=excluded.is_hibernated,
	last_access=excluded.last_access
`, string(rec.ID), rec.URL, rec.Title, rec.Favicon, rec.Position, boolToInt(rec.Active), boolToInt(rec.Hibernated), ts(rec.LastAccess))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("upsert tab %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tabs: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
