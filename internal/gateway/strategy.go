package gateway

import (
	"net/http"
	"sort"

	"github.com/briangreenhill/cachegate/cache"
)

// Kind selects which current generation a strategy writes to.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// Strategy answers an intercepted request.
type Strategy interface {
	// Name returns the name of the strategy (e.g., "cache-first")
	Name() string

	// Respond produces the response for ev. Successful network responses
	// are written to the generation of kind target.
	Respond(g *Gateway, ev *FetchEvent, target Kind) (*http.Response, error)
}

// Route binds a destination to a strategy and its write target.
type Route struct {
	Strategy Strategy
	Target   Kind
}

// Registry maps destinations to routes
type Registry struct {
	routes map[Destination]Route
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		routes: make(map[Destination]Route),
	}
}

// DefaultRegistry returns the routing table of the site: cache-first for
// pages and static assets, network-first for everything else.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DestDocument, Route{Strategy: CacheFirst{}, Target: KindDynamic})
	r.Register(DestStyle, Route{Strategy: CacheFirst{}, Target: KindStatic})
	r.Register(DestScript, Route{Strategy: CacheFirst{}, Target: KindStatic})
	r.Register(DestImage, Route{Strategy: CacheFirst{}, Target: KindStatic})
	r.Register(DestOther, Route{Strategy: NetworkFirst{}, Target: KindDynamic})
	return r
}

// Register adds or replaces the route for dest
func (r *Registry) Register(dest Destination, route Route) {
	r.routes[dest] = route
}

// Route returns the route for dest, falling back to the DestOther route.
func (r *Registry) Route(dest Destination) (Route, bool) {
	if route, ok := r.routes[dest]; ok {
		return route, true
	}
	route, ok := r.routes[DestOther]
	return route, ok
}

// List returns all registered destinations in sorted order
func (r *Registry) List() []Destination {
	dests := make([]Destination, 0, len(r.routes))
	for d := range r.routes {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	return dests
}

// CacheFirst serves a cached match if there is one and goes to the network
// otherwise.
type CacheFirst struct{}

func (CacheFirst) Name() string { return "cache-first" }

func (CacheFirst) Respond(g *Gateway, ev *FetchEvent, target Kind) (*http.Response, error) {
	key := cache.KeyForRequest(ev.HTTP)
	if resp, ok := g.match(ev, key); ok {
		g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "cache").Inc()
		return resp, nil
	}

	resp, err := g.network(ev)
	if err != nil {
		g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "error").Inc()
		return nil, err
	}
	g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "network").Inc()
	return g.keep(ev, target, key, resp)
}

// NetworkFirst goes to the network and falls back to a cached match when
// the network fails. Error statuses from the network are not failures.
type NetworkFirst struct{}

func (NetworkFirst) Name() string { return "network-first" }

func (NetworkFirst) Respond(g *Gateway, ev *FetchEvent, target Kind) (*http.Response, error) {
	key := cache.KeyForRequest(ev.HTTP)
	resp, err := g.network(ev)
	if err == nil {
		g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "network").Inc()
		return g.keep(ev, target, key, resp)
	}

	if cached, ok := g.match(ev, key); ok {
		g.logger.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("network failed, serving cached copy")
		g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "cache").Inc()
		return cached, nil
	}
	g.metrics.Fetches.WithLabelValues(string(ev.Request.Destination), "error").Inc()
	return nil, err
}
