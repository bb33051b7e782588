package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/internal/gateway"
	"github.com/briangreenhill/cachegate/internal/metrics"
)

const origin = "http://example.test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	host  *Host
	store cache.Storage
	mt    *httpmock.MockTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.NewMemoryStore()
	require.NoError(t, err)
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, origin+"/", httpmock.NewStringResponder(http.StatusOK, "home"))
	return &fixture{
		host:  New(Options{Client: &http.Client{Transport: mt}, Logger: zerolog.Nop()}),
		store: store,
		mt:    mt,
	}
}

func (f *fixture) gateway(t *testing.T, version string, wait bool) *gateway.Gateway {
	t.Helper()
	u, err := url.Parse(origin)
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Options{
		Version:          version,
		Origin:           u,
		Manifest:         []string{"/"},
		WaitAfterInstall: wait,
		Store:            f.store,
		Client:           &http.Client{Transport: f.mt},
		Runtime:          f.host,
		Clients:          f.host,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return gw
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()
	names, err := f.store.Names(context.Background())
	require.NoError(t, err)
	return names
}

func TestRegisterFirstGatewayActivates(t *testing.T) {
	f := newFixture(t)
	gw := f.gateway(t, "1.0.0", true)

	require.NoError(t, f.host.Register(context.Background(), gw))
	assert.Same(t, gw, f.host.Active())
	assert.Nil(t, f.host.Waiting())
}

func TestRegisterSkipsWaitingAfterInstall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.gateway(t, "1.0.0", false)
	v2 := f.gateway(t, "2.0.0", false)

	require.NoError(t, f.host.Register(ctx, v1))
	require.NoError(t, f.host.Register(ctx, v2))

	assert.Same(t, v2, f.host.Active())
	assert.Nil(t, f.host.Waiting())
	assert.Equal(t, []string{"daiva-anughara-static-v2.0.0"}, f.names(t))
}

func TestRegisterWaitsUntilSkipWaitingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.gateway(t, "1.0.0", true)
	v2 := f.gateway(t, "2.0.0", true)

	require.NoError(t, f.host.Register(ctx, v1))
	require.NoError(t, f.host.Register(ctx, v2))

	assert.Same(t, v1, f.host.Active())
	assert.Same(t, v2, f.host.Waiting())
	assert.ElementsMatch(t, []string{"daiva-anughara-static-v1.0.0", "daiva-anughara-static-v2.0.0"}, f.names(t))

	require.NoError(t, f.host.Message(ctx, gateway.Message{Type: "HELLO"}))
	assert.Same(t, v2, f.host.Waiting())

	require.NoError(t, f.host.Message(ctx, gateway.Message{Type: gateway.MessageSkipWaiting}))
	assert.Same(t, v2, f.host.Active())
	assert.Nil(t, f.host.Waiting())
	assert.Equal(t, []string{"daiva-anughara-static-v2.0.0"}, f.names(t))
}

func TestSkipWaitingPromotesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.host.Register(ctx, f.gateway(t, "1.0.0", true)))

	u, err := url.Parse(origin)
	require.NoError(t, err)
	m := metrics.New()
	v2, err := gateway.New(gateway.Options{
		Version:          "2.0.0",
		Origin:           u,
		Manifest:         []string{"/"},
		WaitAfterInstall: true,
		Store:            f.store,
		Client:           &http.Client{Transport: f.mt},
		Runtime:          f.host,
		Clients:          f.host,
		Metrics:          m,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, f.host.Register(ctx, v2))
	require.Same(t, v2, f.host.Waiting())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.host.SkipWaiting(ctx, "2.0.0"))
		}()
	}
	wg.Wait()

	assert.Same(t, v2, f.host.Active())
	assert.Nil(t, f.host.Waiting())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Activations.WithLabelValues("success")))
}

func TestRegisterFailedInstallKeepsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.gateway(t, "1.0.0", false)
	require.NoError(t, f.host.Register(ctx, v1))

	f.mt.RegisterResponder(http.MethodGet, origin+"/", httpmock.NewErrorResponder(errors.New("offline")))
	v2 := f.gateway(t, "2.0.0", false)
	require.Error(t, f.host.Register(ctx, v2))

	assert.Same(t, v1, f.host.Active())
	assert.Nil(t, f.host.Waiting())
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.gateway(t, "1.0.0", false)
	require.NoError(t, f.host.Register(ctx, v1))
	calls := f.mt.GetTotalCallCount()

	require.NoError(t, f.host.Register(ctx, f.gateway(t, "1.0.0", false)))
	assert.Same(t, v1, f.host.Active())
	assert.Equal(t, calls, f.mt.GetTotalCallCount())
}

func TestMessageWithoutGateway(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.host.Message(context.Background(), gateway.Message{Type: gateway.MessageSkipWaiting}))
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	f.mt.RegisterResponder(http.MethodPost, origin+"/contact", httpmock.NewStringResponder(http.StatusCreated, "sent"))

	t.Run("no active gateway goes to network", func(t *testing.T) {
		resp, ev, err := f.host.Fetch(httptest.NewRequest(http.MethodGet, origin+"/", nil))
		require.NoError(t, err)
		assert.Nil(t, ev)
		b, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "home", string(b))
	})

	require.NoError(t, f.host.Register(context.Background(), f.gateway(t, "1.0.0", false)))
	before := f.mt.GetTotalCallCount()

	t.Run("intercepted request is served from cache", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, origin+"/", nil)
		req.Header.Set("Sec-Fetch-Dest", "document")
		resp, ev, err := f.host.Fetch(req)
		require.NoError(t, err)
		require.NotNil(t, ev)
		b, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "home", string(b))
		require.NoError(t, ev.Wait())
		assert.Equal(t, before, f.mt.GetTotalCallCount())
	})

	t.Run("post passes through", func(t *testing.T) {
		resp, ev, err := f.host.Fetch(httptest.NewRequest(http.MethodPost, origin+"/contact", nil))
		require.NoError(t, err)
		assert.Nil(t, ev)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("unrouted request passes through", func(t *testing.T) {
		u, err := url.Parse(origin)
		require.NoError(t, err)
		h := New(Options{Client: &http.Client{Transport: f.mt}, Logger: zerolog.Nop()})
		gw, err := gateway.New(gateway.Options{
			Version:  "1.0.0",
			Origin:   u,
			Manifest: []string{},
			Store:    f.store,
			Client:   &http.Client{Transport: f.mt},
			Routes:   gateway.NewRegistry(),
			Runtime:  h,
			Clients:  h,
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, h.Register(context.Background(), gw))

		resp, ev, err := h.Fetch(httptest.NewRequest(http.MethodGet, origin+"/", nil))
		require.NoError(t, err)
		assert.Nil(t, ev)
		b, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "home", string(b))
	})

	t.Run("network error", func(t *testing.T) {
		_, ev, err := f.host.Fetch(httptest.NewRequest(http.MethodPost, origin+"/missing", nil))
		require.Error(t, err)
		assert.Nil(t, ev)
	})
}

func TestClaimAndOpenWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.host.Touch("a", "/about")
	f.host.Touch("b", "/")
	assert.Len(t, f.host.Clients(), 2)

	require.NoError(t, f.host.Register(ctx, f.gateway(t, "1.0.0", false)))
	for _, c := range f.host.Clients() {
		assert.Equal(t, "1.0.0", c.Controller, "client %s", c.ID)
	}

	win, err := f.host.OpenWindow(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "b", win.ID)
	assert.True(t, win.Focused)

	win, err = f.host.OpenWindow(ctx, "/calendar")
	require.NoError(t, err)
	assert.NotEmpty(t, win.ID)
	assert.Equal(t, "1.0.0", win.Controller)

	clients := f.host.Clients()
	require.Len(t, clients, 3)
	focused := 0
	for _, c := range clients {
		if c.Focused {
			focused++
		}
	}
	assert.Equal(t, 1, focused)
}

func TestClientsExpire(t *testing.T) {
	h := New(Options{ClientTTL: 20 * time.Millisecond, Logger: zerolog.Nop()})
	h.Touch("a", "/")
	require.Len(t, h.Clients(), 1)

	require.Eventually(t, func() bool { return len(h.Clients()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestShutdownDrains(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.Register(context.Background(), f.gateway(t, "1.0.0", false)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.host.Shutdown(ctx))
}
