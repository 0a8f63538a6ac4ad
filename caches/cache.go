package caches

import (
	"net/http"
	"time"
)

var (
	// DefaultOpTimeout bounds a single storage round trip for the remote backends.
	DefaultOpTimeout = 10 * time.Second

	// DefaultMaxEntrySize is the largest response body a backend accepts for a single entry.
	DefaultMaxEntrySize int64 = 32 << 20
)

// Key returns the identity of a request within a cache store. The URL is absolute, so the key
// is scoped to the request origin.
func Key(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""

	return r.Method + "#" + u.String()
}
