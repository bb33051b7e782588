package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/cache/cachetest"
	"github.com/briangreenhill/cachegate/cache/sqlite"
)

func TestStore(t *testing.T) {
	cachetest.TestStorage(t, func(t *testing.T) cache.Storage {
		s, err := sqlite.Open(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open("  ")
	assert.Error(t, err)
}

func TestNamesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	for _, name := range []string{"site-static-v2", "site-dynamic-v1", "site-static-v1"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-static-v2", "site-dynamic-v1", "site-static-v1"}, names)
}

func TestPutAfterDeleteIsDiscarded(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	g, err := s.Open(ctx, "site-dynamic-v0")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "site-dynamic-v0")
	require.NoError(t, err)

	key := cachetest.Key("http://example.test/")
	require.NoError(t, g.Put(ctx, key, cachetest.NewEntry("http://example.test/", "late")))

	_, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
