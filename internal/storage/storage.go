// Package storage opens the cache backend selected by configuration.
package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jmgilman/go/errors"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/cache/postgres"
	"github.com/briangreenhill/cachegate/cache/sqlite"
	"github.com/briangreenhill/cachegate/internal/config"
)

// SQLiteFile is the database file name inside the store directory
const SQLiteFile = "cache.db"

// Open returns the storage named by cfg.Store.Kind.
func Open(ctx context.Context, cfg *config.Config) (cache.Storage, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		s, err := cache.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDisk:
		s, err := cache.NewDiskStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create store dir %s", cfg.Store.Dir)
		}
		s, err := sqlite.Open(filepath.Join(cfg.Store.Dir, SQLiteFile))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown store %q", cfg.Store.Kind)
	}
}
