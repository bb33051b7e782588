package gateway

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Destination is the kind of resource a request is for.
type Destination string

const (
	DestDocument Destination = "document"
	DestStyle    Destination = "style"
	DestScript   Destination = "script"
	DestImage    Destination = "image"
	DestOther    Destination = "other"
)

// Request is the read-only view of an intercepted request used for routing.
type Request struct {
	Method      string
	URL         *url.URL
	Destination Destination
	Header      http.Header
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".webp": true, ".avif": true, ".ico": true,
}

// DestinationOf classifies r by its Sec-Fetch-Dest header. Browsers that do
// not send one are classified by path extension and then by Accept.
func DestinationOf(r *http.Request) Destination {
	switch dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest")); dest {
	case "document", "style", "script", "image":
		return Destination(dest)
	case "":
	default:
		return DestOther
	}

	ext := strings.ToLower(path.Ext(r.URL.Path))
	switch {
	case ext == ".css":
		return DestStyle
	case ext == ".js" || ext == ".mjs":
		return DestScript
	case imageExts[ext]:
		return DestImage
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return DestDocument
	}
	return DestOther
}

// NewRequest describes r. r.URL must be absolute.
func NewRequest(r *http.Request) Request {
	return Request{
		Method:      r.Method,
		URL:         r.URL,
		Destination: DestinationOf(r),
		Header:      r.Header,
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Outbound turns an inbound request with an absolute URL into one that can
// be sent with an http.Client.
func Outbound(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Host = out.URL.Host
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

// SameOrigin reports whether a and b share scheme, host and port. A missing
// port counts as the scheme's default.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
