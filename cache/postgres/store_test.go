package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/cache/cachetest"
	"github.com/briangreenhill/cachegate/cache/postgres"
)

func TestStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	cachetest.TestStorage(t, func(t *testing.T) cache.Storage {
		ctx := context.Background()
		s, err := postgres.Open(ctx, dsn)
		require.NoError(t, err)

		// every subtest starts from an empty store
		names, err := s.Names(ctx)
		require.NoError(t, err)
		for _, name := range names {
			_, err := s.Delete(ctx, name)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := postgres.Open(context.Background(), "")
	require.Error(t, err)
}
