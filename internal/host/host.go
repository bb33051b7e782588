// Package host runs gateways: it installs and activates them, routes
// requests to the active one and keeps the registry of open pages.
package host

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cachegate/internal/gateway"
)

// DefaultClientTTL is how long a page stays registered without activity.
const DefaultClientTTL = 30 * time.Minute

type Options struct {
	Client    *http.Client
	ClientTTL time.Duration
	Logger    zerolog.Logger
}

// Host owns the gateway lifecycle. It implements gateway.Runtime and
// gateway.Clients.
type Host struct {
	mu      sync.RWMutex
	active  *gateway.Gateway
	waiting *gateway.Gateway
	skip    map[string]bool
	retired []*gateway.Gateway

	cmu     sync.Mutex
	clients *gocache.Cache

	client *http.Client
	logger zerolog.Logger
}

var (
	_ gateway.Runtime = (*Host)(nil)
	_ gateway.Clients = (*Host)(nil)
)

func New(opts Options) *Host {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = DefaultClientTTL
	}
	return &Host{
		skip: make(map[string]bool),
		// expired pages are swept inline, so no janitor goroutine
		clients: gocache.New(opts.ClientTTL, 0),
		client:  opts.Client,
		logger:  opts.Logger,
	}
}

// Active returns the active gateway, or nil.
func (h *Host) Active() *gateway.Gateway {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Waiting returns the installed gateway waiting to activate, or nil.
func (h *Host) Waiting() *gateway.Gateway {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Register installs gw. It activates immediately when nothing is active or
// when gw asked to skip waiting; otherwise it waits for SkipWaiting. A failed
// install leaves the current gateways untouched.
func (h *Host) Register(ctx context.Context, gw *gateway.Gateway) error {
	version := gw.Version()
	log := h.logger.With().Str("version", version).Logger()

	if cur := h.Active(); cur != nil && cur.Version() == version {
		log.Info().Msg("gateway already active")
		return nil
	}

	log.Info().Msg("installing gateway")
	if err := gw.Install(ctx); err != nil {
		h.mu.Lock()
		delete(h.skip, version)
		h.mu.Unlock()
		log.Error().Err(err).Msg("gateway redundant after failed install")
		return err
	}

	h.mu.Lock()
	now := h.active == nil || h.skip[version]
	if !now {
		if h.waiting != nil {
			h.retired = append(h.retired, h.waiting)
		}
		h.waiting = gw
	}
	h.mu.Unlock()

	if !now {
		log.Info().Msg("gateway installed, waiting")
		return nil
	}
	return h.activate(ctx, gw)
}

// SkipWaiting implements gateway.Runtime. A waiting gateway of version is
// activated right away; a gateway still installing activates as soon as its
// install finishes.
func (h *Host) SkipWaiting(ctx context.Context, version string) error {
	h.mu.Lock()
	if h.active != nil && h.active.Version() == version {
		h.mu.Unlock()
		return nil
	}
	gw := h.waiting
	if gw == nil || gw.Version() != version {
		h.skip[version] = true
		h.mu.Unlock()
		return nil
	}
	// taken under the lock so concurrent requests promote gw once
	h.waiting = nil
	h.mu.Unlock()

	if err := h.activate(ctx, gw); err != nil {
		h.mu.Lock()
		if h.waiting == nil {
			h.waiting = gw
		}
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *Host) activate(ctx context.Context, gw *gateway.Gateway) error {
	log := h.logger.With().Str("version", gw.Version()).Logger()
	if err := gw.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("activate failed")
		return err
	}

	h.mu.Lock()
	prev := h.active
	h.active = gw
	if h.waiting == gw {
		h.waiting = nil
	}
	delete(h.skip, gw.Version())
	if prev != nil && prev != gw {
		h.retired = append(h.retired, prev)
	}
	h.mu.Unlock()

	if prev != nil {
		log.Info().Str("previous", prev.Version()).Msg("gateway activated, previous superseded")
	} else {
		log.Info().Msg("gateway activated")
	}
	return nil
}

// Message delivers msg to the waiting gateway if there is one, and to the
// active gateway otherwise.
func (h *Host) Message(ctx context.Context, msg gateway.Message) error {
	h.mu.RLock()
	gw := h.waiting
	if gw == nil {
		gw = h.active
	}
	h.mu.RUnlock()
	if gw == nil {
		return errors.New(errors.CodeUnavailable, "no gateway registered")
	}
	return gw.Message(ctx, msg)
}

// Fetch answers r, whose URL must be absolute. When the active gateway
// intercepts r the event it ran under is returned and the caller must Wait
// on it once the response is written, even if err is non-nil. Requests that
// are not intercepted go straight to the network and return a nil event.
func (h *Host) Fetch(r *http.Request) (*http.Response, *gateway.FetchEvent, error) {
	if gw := h.Active(); gw != nil && gw.Intercepts(gateway.NewRequest(r)) {
		ev := gateway.NewFetchEvent(r)
		resp, ok, err := gw.Fetch(ev)
		if ok {
			return resp, ev, err
		}
		ev.Cancel()
	}

	resp, err := h.client.Do(gateway.Outbound(r.Context(), r))
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s", r.URL)
	}
	return resp, nil, nil
}

// Shutdown waits for the deferred work of every gateway this host ran.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	gws := append([]*gateway.Gateway(nil), h.retired...)
	if h.waiting != nil {
		gws = append(gws, h.waiting)
	}
	if h.active != nil {
		gws = append(gws, h.active)
	}
	h.mu.RUnlock()

	var first error
	for _, gw := range gws {
		if err := gw.Drain(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Touch records that page id is showing url.
func (h *Host) Touch(id, url string) gateway.WindowClient {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.clients.DeleteExpired()

	c := gateway.WindowClient{ID: id, URL: url}
	if prev, ok := h.clients.Get(id); ok {
		c = prev.(gateway.WindowClient)
		c.URL = url
	}
	if gw := h.Active(); gw != nil && c.Controller == "" {
		c.Controller = gw.Version()
	}
	h.clients.SetDefault(id, c)
	return c
}

// Clients returns the live pages ordered by id.
func (h *Host) Clients() []gateway.WindowClient {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	return h.list()
}

func (h *Host) list() []gateway.WindowClient {
	items := h.clients.Items()
	out := make([]gateway.WindowClient, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(gateway.WindowClient))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claim implements gateway.Clients
func (h *Host) Claim(ctx context.Context, version string) error {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	for _, c := range h.list() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Controller = version
		h.clients.SetDefault(c.ID, c)
	}
	return nil
}

// OpenWindow implements gateway.Clients. A page already showing url is
// focused; otherwise a new page is recorded.
func (h *Host) OpenWindow(ctx context.Context, url string) (*gateway.WindowClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.cmu.Lock()
	defer h.cmu.Unlock()
	h.clients.DeleteExpired()

	var target *gateway.WindowClient
	for _, c := range h.list() {
		focused := target == nil && c.URL == url
		if c.Focused != focused {
			c.Focused = focused
			h.clients.SetDefault(c.ID, c)
		}
		if focused {
			target = &c
		}
	}
	if target == nil {
		c := gateway.WindowClient{ID: uuid.NewString(), URL: url, Focused: true}
		if gw := h.Active(); gw != nil {
			c.Controller = gw.Version()
		}
		h.clients.SetDefault(c.ID, c)
		target = &c
	}
	return target, nil
}
