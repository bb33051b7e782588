// Package cache provides versioned cache generations for HTTP responses
// and the storage backends that hold them.
package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry represents a stored response with metadata
type Entry struct {
	Key      string      `json:"key"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Reader defines the interface for reading entries from one generation
type Reader interface {
	// Get retrieves an entry by key
	// Returns the entry and true if present, false otherwise
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Keys lists every key stored in the generation
	Keys(ctx context.Context) ([]string, error)
}

// Writer defines the interface for writing entries into one generation
type Writer interface {
	// Put stores an entry under key, replacing any previous entry.
	// Concurrent puts to the same key race and the last one wins.
	Put(ctx context.Context, key string, entry *Entry) error
}

// Generation is a named key-value store of responses
type Generation interface {
	Reader
	Writer

	// Name returns the version-stamped generation name
	Name() string
}

// Storage owns every generation. Deletion is always whole-generation.
type Storage interface {
	// Open returns the named generation, creating it if missing
	Open(ctx context.Context, name string) (Generation, error)

	// Has reports whether the named generation exists
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named generation and every entry in it.
	// Returns false if it did not exist.
	Delete(ctx context.Context, name string) (bool, error)

	// Names lists every generation
	Names(ctx context.Context) ([]string, error)

	// Match looks key up across all generations in Names order
	Match(ctx context.Context, key string) (*Entry, bool, error)

	// Close releases backend resources
	Close() error
}
