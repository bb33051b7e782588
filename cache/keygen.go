package cache

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// KeyFor builds the cache key for a request: method plus the URL without
// its fragment. Query strings are part of the key.
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + " " + clean.String()
}

// KeyForRequest builds the cache key for an outgoing request
func KeyForRequest(req *http.Request) string {
	return KeyFor(req.Method, req.URL)
}

// fileNameFor maps a key to a file name that is safe on any filesystem
func fileNameFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x.json", sum)
}

// Generations holds the names of the current static and dynamic generations
type Generations struct {
	Static  string
	Dynamic string
}

// NewGenerations derives version-stamped generation names,
// e.g. "site-static-v1.0.0" and "site-dynamic-v1.0.0".
func NewGenerations(cacheName, version string) Generations {
	return Generations{
		Static:  fmt.Sprintf("%s-static-v%s", cacheName, version),
		Dynamic: fmt.Sprintf("%s-dynamic-v%s", cacheName, version),
	}
}

// IsCurrent reports whether name is one of the current generations
func (g Generations) IsCurrent(name string) bool {
	return name == g.Static || name == g.Dynamic
}
