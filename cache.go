package offlinecache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"
)

// Entry is an immutable snapshot of a response held by a cache store. Every call to Response
// returns an independent copy, so the copy handed to a caller and the copy written to a store
// never share a body reader.
type Entry struct {
	Key        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	CachedAt   time.Time
}

// Store is a single named cache.
type Store interface {
	// Match returns caches.ErrNoCacheItem when no entry exists for the key.
	Match(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) error
}

// Storage is the set of named cache stores shared by every request the manager handles.
type Storage interface {
	// Open returns the named store, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Delete removes a store and all of its entries. It reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists store names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Match searches every store, in creation order, for the key.
	Match(ctx context.Context, key string) (*Entry, error)
}

// NewEntry reads resp's body into a new Entry and replaces resp.Body with a reader over the same
// bytes, leaving resp usable by the caller.
func NewEntry(key string, resp *http.Response, now time.Time) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Entry{
		Key:        key,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
		CachedAt:   now,
	}, nil
}

// Response builds a fresh response from the entry for req.
func (e *Entry) Response(req *http.Request) *http.Response {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}

	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	return &http.Response{
		Status:        status,
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Dump encodes the entry's response in HTTP/1.1 wire format for persistent backends.
func (e *Entry) Dump() ([]byte, error) {
	return httputil.DumpResponse(e.Response(nil), true)
}

// ParseEntry decodes a response previously encoded by Dump.
func ParseEntry(key string, wire []byte, cachedAt time.Time) (*Entry, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), nil)
	if err != nil {
		return nil, fmt.Errorf("parsing cached response: %w", err)
	}

	return NewEntry(key, resp, cachedAt)
}
