// Package gateway implements the caching gateway that sits between the
// site's pages and its origin. It precaches a static manifest on install,
// evicts stale cache generations on activate and answers intercepted GET
// requests from cache or network according to a per-destination strategy.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/cachegate/cache"
	"github.com/briangreenhill/cachegate/internal/metrics"
	"github.com/briangreenhill/cachegate/internal/notify"
)

const (
	DefaultCacheName = "daiva-anughara"
	DefaultVersion   = "1.0.0"
	DefaultSiteName  = "Daiva Anughara"
)

// DefaultManifest is the static shell precached on install.
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/js/main.js",
	"/static/js/countdown.js",
	"/static/js/search.js",
	"/static/images/favicon.ico",
	"/static/images/favicon-32x32.png",
	"/static/images/favicon-16x16.png",
	"/static/images/apple-touch-icon.png",
	"/static/images/android-chrome-192x192.png",
	"/static/images/android-chrome-512x512.png",
}

// WindowClient is an open page of the site.
type WindowClient struct {
	ID         string
	URL        string
	Focused    bool
	Controller string
}

// Runtime is the host that installs and activates gateways.
type Runtime interface {
	// SkipWaiting promotes the gateway of version to active without
	// waiting for older clients to go away.
	SkipWaiting(ctx context.Context, version string) error
}

// Clients gives the gateway control over the site's open pages.
type Clients interface {
	// Claim makes version the controller of every open page.
	Claim(ctx context.Context, version string) error
	// OpenWindow focuses a page showing url, opening one if needed.
	OpenWindow(ctx context.Context, url string) (*WindowClient, error)
}

// Options configures a Gateway. Store and Origin are required.
type Options struct {
	CacheName string
	Version   string
	SiteName  string
	Origin    *url.URL
	Manifest  []string

	// WaitAfterInstall leaves an installed gateway waiting until a
	// SKIP_WAITING message arrives instead of promoting itself.
	WaitAfterInstall bool

	Store    cache.Storage
	Client   *http.Client
	Runtime  Runtime
	Clients  Clients
	Notifier notify.Notifier
	Routes   *Registry
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Gateway is one version of the caching gateway.
type Gateway struct {
	version  string
	siteName string
	origin   *url.URL
	manifest []string
	hold     bool
	gens     cache.Generations

	store    cache.Storage
	client   *http.Client
	runtime  Runtime
	clients  Clients
	notifier notify.Notifier
	routes   *Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	tasks sync.WaitGroup
	life  context.Context
	stop  context.CancelFunc
}

// New creates a gateway from opts, filling in defaults for anything unset.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "cache storage is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New(errors.CodeInvalidConfig, "an absolute origin url is required")
	}
	if opts.CacheName == "" {
		opts.CacheName = DefaultCacheName
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.SiteName == "" {
		opts.SiteName = DefaultSiteName
	}
	if opts.Manifest == nil {
		opts.Manifest = DefaultManifest
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Runtime == nil {
		opts.Runtime = nopRuntime{}
	}
	if opts.Clients == nil {
		opts.Clients = nopClients{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.StdoutNotifier{Logger: opts.Logger}
	}
	if opts.Routes == nil {
		opts.Routes = DefaultRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	life, stop := context.WithCancel(context.Background())
	return &Gateway{
		version:  opts.Version,
		siteName: opts.SiteName,
		origin:   opts.Origin,
		manifest: opts.Manifest,
		hold:     opts.WaitAfterInstall,
		gens:     cache.NewGenerations(opts.CacheName, opts.Version),
		store:    opts.Store,
		client:   opts.Client,
		runtime:  opts.Runtime,
		clients:  opts.Clients,
		notifier: opts.Notifier,
		routes:   opts.Routes,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("version", opts.Version).Logger(),
		life:     life,
		stop:     stop,
	}, nil
}

// Version returns the gateway's version stamp.
func (g *Gateway) Version() string { return g.version }

// Generations returns the current generation names.
func (g *Gateway) Generations() cache.Generations { return g.gens }

// Install precaches the manifest into the static generation. Every manifest
// entry is fetched before anything is written; one failed fetch or non-2xx
// status fails the install. On success the gateway asks to skip waiting
// unless it was configured to wait.
func (g *Gateway) Install(ctx context.Context) (err error) {
	defer func() { g.metrics.Installs.WithLabelValues(metrics.Result(err)).Inc() }()

	g.logger.Info().Str("generation", g.gens.Static).Msg("caching static files")
	gen, err := g.store.Open(ctx, g.gens.Static)
	if err != nil {
		return err
	}

	entries := make([]*cache.Entry, len(g.manifest))
	eg, egctx := errgroup.WithContext(ctx)
	for i, p := range g.manifest {
		eg.Go(func() error {
			entry, err := g.precache(egctx, p)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Error().Err(err).Msg("install failed")
		return err
	}

	for _, entry := range entries {
		if err := gen.Put(ctx, entry.Key, entry); err != nil {
			g.logger.Error().Err(err).Str("key", entry.Key).Msg("install failed")
			return err
		}
	}
	g.logger.Info().Int("entries", len(entries)).Msg("static files cached")

	if g.hold {
		return nil
	}
	return g.runtime.SkipWaiting(ctx, g.version)
}

func (g *Gateway) precache(ctx context.Context, p string) (*cache.Entry, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "manifest entry %q", p)
	}
	u := g.origin.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "manifest entry %q", p)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "precache %s", u)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, errors.Newf(errors.CodeNetwork, "precache %s: status %d", u, resp.StatusCode)
	}
	entry, _, err := cache.FromResponse(cache.KeyFor(http.MethodGet, u), req, resp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "precache %s", u)
	}
	return entry, nil
}

// Activate deletes every generation that is not current, waits for all of
// the deletions and then claims the open clients.
func (g *Gateway) Activate(ctx context.Context) (err error) {
	defer func() { g.metrics.Activations.WithLabelValues(metrics.Result(err)).Inc() }()

	names, err := g.store.Names(ctx)
	if err != nil {
		return err
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if g.gens.IsCurrent(name) {
			continue
		}
		eg.Go(func() error {
			g.logger.Info().Str("generation", name).Msg("deleting old cache")
			if _, err := g.store.Delete(egctx, name); err != nil {
				return err
			}
			g.metrics.Evictions.Inc()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Error().Err(err).Msg("activate failed")
		return err
	}

	return g.clients.Claim(ctx, g.version)
}

// Intercepts reports whether the gateway handles req. Only GET requests to
// the gateway's own origin are intercepted.
func (g *Gateway) Intercepts(req Request) bool {
	return req.Method == http.MethodGet && req.URL != nil && SameOrigin(req.URL, g.origin)
}

// Fetch answers an intercepted request. The second return is false when the
// request is not intercepted and should go to the network untouched. Cache
// writes are registered on ev; the caller must Wait on it.
func (g *Gateway) Fetch(ev *FetchEvent) (*http.Response, bool, error) {
	if !g.Intercepts(ev.Request) {
		return nil, false, nil
	}
	route, ok := g.routes.Route(ev.Request.Destination)
	if !ok {
		return nil, false, nil
	}
	resp, err := route.Strategy.Respond(g, ev, route.Target)
	return resp, true, err
}

// Drain waits for every deferred task scheduled by the gateway. When ctx
// ends first the remaining tasks are canceled.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.stop()
		<-done
		return ctx.Err()
	}
}

func (g *Gateway) generation(kind Kind) string {
	if kind == KindStatic {
		return g.gens.Static
	}
	return g.gens.Dynamic
}

func (g *Gateway) match(ev *FetchEvent, key string) (*http.Response, bool) {
	entry, ok, err := g.store.Match(ev.HTTP.Context(), key)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return cache.ToResponse(entry, ev.HTTP), true
}

func (g *Gateway) network(ev *FetchEvent) (*http.Response, error) {
	resp, err := g.client.Do(Outbound(ev.HTTP.Context(), ev.HTTP))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s", ev.Request.URL)
	}
	return resp, nil
}

// keep schedules a write of resp into the generation of kind and returns a
// response with an independent body. Only 200 responses are kept.
func (g *Gateway) keep(ev *FetchEvent, kind Kind, key string, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	entry, out, err := cache.FromResponse(key, ev.HTTP, resp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "read %s", ev.Request.URL)
	}

	name := g.generation(kind)
	g.schedule(ev.Event, func(ctx context.Context) error {
		gen, err := g.store.Open(ctx, name)
		if err == nil {
			err = gen.Put(ctx, key, entry)
		}
		g.metrics.CacheWrites.WithLabelValues(string(kind), metrics.Result(err)).Inc()
		if err != nil {
			g.logger.Warn().Err(err).Str("generation", name).Str("key", key).Msg("cache write failed")
		}
		return err
	})
	return out, nil
}

// schedule registers fn on ev and tracks it until it returns.
func (g *Gateway) schedule(ev *Event, fn func(ctx context.Context) error) {
	g.tasks.Add(1)
	g.metrics.DeferredTasks.Inc()
	ev.WaitUntil(func(ctx context.Context) error {
		defer func() {
			g.metrics.DeferredTasks.Dec()
			g.tasks.Done()
		}()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(g.life, cancel)
		defer stop()
		return fn(ctx)
	})
}

type nopRuntime struct{}

func (nopRuntime) SkipWaiting(context.Context, string) error { return nil }

type nopClients struct{}

func (nopClients) Claim(context.Context, string) error { return nil }

func (nopClients) OpenWindow(_ context.Context, u string) (*WindowClient, error) {
	return &WindowClient{URL: u, Focused: true}, nil
}
