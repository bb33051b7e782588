// Package postgres provides a Postgres-backed cache generation store,
// shared by the api and worker processes.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmgilman/go/errors"

	"github.com/briangreenhill/cachegate/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_generations (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT NOT NULL REFERENCES cache_generations (name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	data       JSONB NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (generation, key)
);
CREATE INDEX IF NOT EXISTS cache_entries_key_idx ON cache_entries (key);
`

// Store persists cache generations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ cache.Storage = (*Store)(nil)

// Open connects to databaseURL and creates the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "connect postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "create schema")
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Open implements cache.Storage
func (s *Store) Open(ctx context.Context, name string) (cache.Generation, error) {
	if name == "" {
		return nil, errors.New(errors.CodeInvalidInput, "generation name is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_generations (name, created_at) VALUES ($1, clock_timestamp())
		 ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open generation %s", name)
	}
	return &generation{pool: s.pool, name: name}, nil
}

// Has implements cache.Storage
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_generations WHERE name = $1)`, name).Scan(&ok)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "stat generation %s", name)
	}
	return ok, nil
}

// Delete implements cache.Storage. Entries go with the generation via cascade.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_generations WHERE name = $1`, name)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete generation %s", name)
	}
	return tag.RowsAffected() > 0, nil
}

// Names implements cache.Storage. Names are returned in creation order.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM cache_generations ORDER BY created_at, name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list generations")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "scan generations")
	}
	return names, nil
}

// Match implements cache.Storage
func (s *Store) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT e.data FROM cache_entries e
		   JOIN cache_generations g ON g.name = e.generation
		  WHERE e.key = $1
		  ORDER BY g.created_at, g.name
		  LIMIT 1`, key).Scan(&data)
	return decode(key, data, err)
}

type generation struct {
	pool *pgxpool.Pool
	name string
}

func (g *generation) Name() string { return g.name }

// Get implements cache.Reader
func (g *generation) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := g.pool.QueryRow(ctx,
		`SELECT data FROM cache_entries WHERE generation = $1 AND key = $2`, g.name, key).Scan(&data)
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
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	_, err = g.pool.Exec(ctx,
		`INSERT INTO cache_entries (generation, key, data, stored_at)
		 SELECT $1::text, $2::text, $3::jsonb, $4::timestamptz
		  WHERE EXISTS (SELECT 1 FROM cache_generations WHERE name = $1::text)
		 ON CONFLICT (generation, key) DO UPDATE SET data = EXCLUDED.data, stored_at = EXCLUDED.stored_at`,
		g.name, key, data, storedAt)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write %s to %s", key, g.name)
	}
	return nil
}

// Keys implements cache.Reader
func (g *generation) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT key FROM cache_entries WHERE generation = $1 ORDER BY stored_at, key`, g.name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list %s", g.name)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "scan keys")
	}
	return keys, nil
}

func decode(key string, data []byte, err error) (*cache.Entry, bool, error) {
	if errors.Is(err, pgx.ErrNoRows) {
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
