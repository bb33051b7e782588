// Package cachetest provides a conformance suite for cache.Storage backends.
package cachetest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/cachegate/cache"
)

// TestStorage runs every storage subtest against a fresh store from newStore.
func TestStorage(t *testing.T, newStore func(t *testing.T) cache.Storage) {
	t.Run("OpenCreatesGeneration", func(t *testing.T) {
		testOpenCreates(t, newStore(t))
	})
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		testPutGet(t, newStore(t))
	})
	t.Run("LastWriteWins", func(t *testing.T) {
		testLastWriteWins(t, newStore(t))
	})
	t.Run("DeleteIsWholeGeneration", func(t *testing.T) {
		testDelete(t, newStore(t))
	})
	t.Run("MatchAcrossGenerations", func(t *testing.T) {
		testMatch(t, newStore(t))
	})
	t.Run("ConcurrentWrites", func(t *testing.T) {
		testConcurrentWrites(t, newStore(t))
	})
}

// NewEntry builds a 200 entry for rawURL with body
func NewEntry(rawURL, body string) *cache.Entry {
	u, _ := url.Parse(rawURL)
	return &cache.Entry{
		Method:   http.MethodGet,
		URL:      u.String(),
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}

// Key returns the GET cache key for rawURL
func Key(rawURL string) string {
	u, _ := url.Parse(rawURL)
	return cache.KeyFor(http.MethodGet, u)
}

func testOpenCreates(t *testing.T, s cache.Storage) {
	ctx := context.Background()

	ok, err := s.Has(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.False(t, ok, "generation should not exist before Open")

	g, err := s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.Equal(t, "site-static-v1", g.Name())

	ok, err = s.Has(ctx, "site-static-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-static-v1"}, names)

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testPutGet(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	g, err := s.Open(ctx, "site-dynamic-v1")
	require.NoError(t, err)

	key := Key("http://example.test/static/css/style.css")
	require.NoError(t, g.Put(ctx, key, NewEntry("http://example.test/static/css/style.css", "body{}")))

	got, ok, err := g.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

	_, ok, err = g.Get(ctx, Key("http://example.test/missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func testLastWriteWins(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	g, err := s.Open(ctx, "site-dynamic-v1")
	require.NoError(t, err)

	key := Key("http://example.test/")
	require.NoError(t, g.Put(ctx, key, NewEntry("http://example.test/", "first")))
	require.NoError(t, g.Put(ctx, key, NewEntry("http://example.test/", "second")))

	got, ok, err := g.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(got.Body))

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testDelete(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	old, err := s.Open(ctx, "site-static-v0")
	require.NoError(t, err)
	cur, err := s.Open(ctx, "site-static-v1")
	require.NoError(t, err)

	key := Key("http://example.test/")
	require.NoError(t, old.Put(ctx, key, NewEntry("http://example.test/", "old")))
	require.NoError(t, cur.Put(ctx, key, NewEntry("http://example.test/", "new")))

	deleted, err := s.Delete(ctx, "site-static-v0")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "site-static-v0")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete reports missing generation")

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"site-static-v1"}, names)

	got, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))
}

func testMatch(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	static, err := s.Open(ctx, "site-static-v1")
	require.NoError(t, err)
	dynamic, err := s.Open(ctx, "site-dynamic-v1")
	require.NoError(t, err)

	css := Key("http://example.test/static/css/style.css")
	page := Key("http://example.test/about")
	require.NoError(t, static.Put(ctx, css, NewEntry("http://example.test/static/css/style.css", "css")))
	require.NoError(t, dynamic.Put(ctx, page, NewEntry("http://example.test/about", "about")))

	got, ok, err := s.Match(ctx, css)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "css", string(got.Body))

	got, ok, err = s.Match(ctx, page)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "about", string(got.Body))

	_, ok, err = s.Match(ctx, Key("http://example.test/nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentWrites(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	g, err := s.Open(ctx, "site-dynamic-v1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := fmt.Sprintf("http://example.test/page/%d", i%4)
			assert.NoError(t, g.Put(ctx, Key(u), NewEntry(u, fmt.Sprintf("v%d", i))))
		}(i)
	}
	wg.Wait()

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}
