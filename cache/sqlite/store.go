// Package sqlite provides a SQLite-backed cache generation store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	_ "modernc.org/sqlite"

	"github.com/briangreenhill/cachegate/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);
CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key);
`

// Store persists cache generations in SQLite.
type Store struct {
	db *sql.DB
}

var _ cache.Storage = (*Store)(nil)

// Open opens a SQLite store at path and creates the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "open sqlite db")
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "ping sqlite db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "create schema")
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open implements cache.Storage
func (s *Store) Open(ctx context.Context, name string) (cache.Generation, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "generation name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open generation %s", name)
	}
	return &generation{db: s.db, name: name}, nil
}

// Has implements cache.Storage
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM generations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "stat generation %s", name)
	}
	return n > 0, nil
}

// Delete implements cache.Storage
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete generation %s", name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, name); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete entries of %s", name)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "commit delete")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Names implements cache.Storage. Names are returned in creation order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY created_at, rowid`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list generations")
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "scan generation")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Match implements cache.Storage
func (s *Store) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT e.data FROM entries e
		   JOIN generations g ON g.name = e.generation
		  WHERE e.key = ?
		  ORDER BY g.created_at, g.rowid
		  LIMIT 1`, key).Scan(&data)
	return decode(key, data, err)
}

type generation struct {
	db   *sql.DB
	name string
}

func (g *generation) Name() string { return g.name }

// Get implements cache.Reader
func (g *generation) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := g.db.QueryRowContext(ctx,
		`SELECT data FROM entries WHERE generation = ? AND key = ?`, g.name, key).Scan(&data)
	return decode(key, data, err)
}

// Put implements cache.Writer. Writes into a generation that has since been
// deleted are discarded.
func (g *generation) Put(ctx context.Context, key string, entry *cache.Entry) error {
	entry.Key = key
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "encode %s", key)
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO entries (generation, key, data, stored_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)
		 ON CONFLICT (generation, key) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at`,
		g.name, key, data, entry.StoredAt.UnixNano(), g.name)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write %s to %s", key, g.name)
	}
	return nil
}

// Keys implements cache.Reader
func (g *generation) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE generation = ? ORDER BY stored_at, key`, g.name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list %s", g.name)
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "scan key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func decode(key string, data []byte, err error) (*cache.Entry, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, errors.CodeDatabase, "read %s", key)
	}
	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, errors.Wrapf(err, errors.CodeInternal, "decode %s", key)
	}
	return &entry, true, nil
}
