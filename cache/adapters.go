package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// FromResponse reads resp's body once and returns the entry to store together
// with a replacement response whose body is an independent copy. The caller
// must use the returned response; resp.Body is consumed and closed.
func FromResponse(key string, req *http.Request, resp *http.Response) (*Entry, *http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}

	entry := &Entry{
		Key:      key,
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   storedHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}

	out := *resp
	out.Body = io.NopCloser(bytes.NewReader(bytes.Clone(body)))
	out.ContentLength = int64(len(body))
	return entry, &out, nil
}

// storedHeader copies h without the headers that belong to a single
// visitor; a stored entry is replayed to everyone.
func storedHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	out.Del("Set-Cookie")
	out.Del("Set-Cookie2")
	return out
}

// ToResponse rebuilds an HTTP response from a stored entry. Every call
// returns a fresh body reader.
func ToResponse(entry *Entry, req *http.Request) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
