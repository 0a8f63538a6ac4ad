package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	headerAccept       = "Accept"
	headerContentType  = "Content-Type"
	headerSecFetchMode = "Sec-Fetch-Mode"

	secFetchModeNavigate = "navigate"

	contentTypeText = "text/plain"
	contentTypeHTML = "text/html"
)

const (
	strategyCacheFirst           = "cache-first"
	strategyStaleWhileRevalidate = "stale-while-revalidate"
)

// RoundTrip implements http.RoundTripper. Requests the manager intercepts are answered from the
// cache stores, the network, or a synthesized offline response, and never fail. Every other
// request goes to the wrapped transport untouched.
func (m *Manager) RoundTrip(r *http.Request) (*http.Response, error) {
	if resp, ok := m.Handle(r); ok {
		return resp, nil
	}

	return m.Wrapped.RoundTrip(r)
}

// Handle answers an intercepted request. It returns false when the request is not intercepted,
// in which case the caller sends it to the network itself.
//
// The process follows these steps:
// 1. Requests to another origin are not intercepted
// 2. Requests to the backend api are not intercepted
// 3. Navigation requests are served cache first
// 4. Everything else is served stale-while-revalidate.
func (m *Manager) Handle(r *http.Request) (*http.Response, bool) {
	if m.Phase() != PhaseActivated {
		return nil, false
	}

	if !m.sameOrigin(r.URL) {
		return nil, false
	}

	if m.c.ShouldBypass(r) {
		m.logger.DebugContext(r.Context(), "bypassing cache for backend call", "url", r.URL.String())
		return nil, false
	}

	navigation := isNavigation(r)
	strategy := strategyStaleWhileRevalidate
	if navigation {
		strategy = strategyCacheFirst
	}

	ctx, span := m.tracer.Start(r.Context(), "offlinecache.fetch", trace.WithAttributes(
		attribute.String("url.full", r.URL.String()),
		attribute.String("cache.strategy", strategy)))
	defer span.End()

	var resp *http.Response
	if navigation {
		resp = m.cacheFirst(ctx, r)
	} else {
		resp = m.staleWhileRevalidate(ctx, r)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, true
}

func (m *Manager) cacheFirst(ctx context.Context, r *http.Request) *http.Response {
	if item, ok := m.match(ctx, r); ok {
		m.logger.DebugContext(ctx, "cache item found", "url", r.URL.String())
		return item.Response(r)
	}

	resp, err := m.Wrapped.RoundTrip(r)
	if err == nil {
		return m.cacheResponse(ctx, r, resp)
	}

	m.logger.DebugContext(ctx, "network failed for navigation", "url", r.URL.String(), "error", err)

	root, rootErr := m.storage.Match(ctx, m.rootKey())
	if rootErr == nil {
		m.logger.DebugContext(ctx, "serving cached root document", "url", r.URL.String())
		return root.Response(r)
	}

	return m.offline(r, contentTypeHTML, m.c.OfflineHTML)
}

func (m *Manager) staleWhileRevalidate(ctx context.Context, r *http.Request) *http.Response {
	if item, ok := m.match(ctx, r); ok {
		m.logger.DebugContext(ctx, "cache item found, revalidating in background", "url", r.URL.String())

		m.revalidate(ctx, r)
		return item.Response(r)
	}

	resp, err := m.Wrapped.RoundTrip(r)
	if err != nil {
		m.logger.DebugContext(ctx, "network failed", "url", r.URL.String(), "error", err)
		return m.offline(r, contentTypeText, m.c.OfflineText)
	}

	return m.cacheResponse(ctx, r, resp)
}

// match looks the request up in every store. Lookup failures count as misses.
func (m *Manager) match(ctx context.Context, r *http.Request) (*Entry, bool) {
	if r.Method != http.MethodGet {
		return nil, false
	}

	item, err := m.storage.Match(ctx, caches.Key(r))
	if err != nil {
		if !errors.Is(err, caches.ErrNoCacheItem) {
			m.logger.WarnContext(ctx, "error matching cache", "url", r.URL.String(), "error", err)
		}
		return nil, false
	}

	return item, true
}

// cacheResponse arranges for a successful GET response to be written to the runtime cache once
// the caller has read its body to the end. resp is returned with its body intact and is never
// buffered ahead of the caller.
func (m *Manager) cacheResponse(ctx context.Context, r *http.Request, resp *http.Response) *http.Response {
	if r.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return resp
	}

	if resp.ContentLength > m.c.MaxEntrySize {
		m.logger.DebugContext(ctx, "response too large to cache", "url", r.URL.String(), "length", resp.ContentLength)
		return resp
	}

	item := &Entry{
		Key:        caches.Key(r),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		CachedAt:   m.now().UTC(),
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		m.put(ctx, item)
		return resp
	}

	resp.Body = &cachingBody{
		ReadCloser: resp.Body,
		limit:      m.c.MaxEntrySize,
		done: func(body []byte) {
			item.Body = body
			m.put(ctx, item)
		},
	}

	return resp
}

// cachingBody copies what the caller reads and hands the copy to done at EOF. A body that
// grows past limit, or is closed before EOF, is never handed over.
type cachingBody struct {
	io.ReadCloser

	buf      bytes.Buffer
	limit    int64
	overflow bool
	finished bool
	done     func(body []byte)
}

func (b *cachingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	if n > 0 && !b.overflow {
		if int64(b.buf.Len()+n) > b.limit {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}

	if err == io.EOF && !b.finished {
		b.finished = true
		if !b.overflow {
			b.done(b.buf.Bytes())
		}
	}

	return n, err
}

// revalidate refetches r in the background and refreshes the runtime cache. Failures are
// dropped, the caller already has the cached response.
func (m *Manager) revalidate(ctx context.Context, r *http.Request) {
	req := r.Clone(context.WithoutCancel(ctx))

	m.goBackground(ctx, func(ctx context.Context) {
		resp, err := m.Wrapped.RoundTrip(req)
		if err != nil {
			m.logger.DebugContext(ctx, "background revalidation failed", "url", req.URL.String(), "error", err)
			return
		}

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return
		}

		item, err := NewEntry(caches.Key(req), resp, m.now().UTC())
		if err != nil {
			m.logger.DebugContext(ctx, "background revalidation failed", "url", req.URL.String(), "error", err)
			return
		}

		m.write(ctx, item)
	})
}

func (m *Manager) put(ctx context.Context, item *Entry) {
	m.goBackground(ctx, func(ctx context.Context) {
		m.write(ctx, item)
	})
}

func (m *Manager) write(ctx context.Context, item *Entry) {
	store, err := m.storage.Open(ctx, m.c.RuntimeName)
	if err != nil {
		m.logger.WarnContext(ctx, "error opening runtime cache", "cache", m.c.RuntimeName, "error", err)
		return
	}

	if err := store.Put(ctx, item.Key, item); err != nil {
		m.logger.WarnContext(ctx, "error caching response", "key", item.Key, "error", err)
		return
	}

	m.logger.DebugContext(ctx, "cached response", "key", item.Key, "cache", m.c.RuntimeName)
}

// offline synthesizes the 503 returned when neither the network nor a store can answer.
func (m *Manager) offline(r *http.Request, contentType, body string) *http.Response {
	return &http.Response{
		Status:        "503 " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{headerContentType: []string{contentType}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func (m *Manager) rootKey() string {
	return http.MethodGet + "#" + m.origin.ResolveReference(&url.URL{Path: "/"}).String()
}

func (m *Manager) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, m.origin.Scheme) &&
		strings.EqualFold(canonicalHost(u), canonicalHost(m.origin))
}

// canonicalHost strips the default port of the scheme.
func canonicalHost(u *url.URL) string {
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host
	}

	switch {
	case port == "80" && strings.EqualFold(u.Scheme, "http"),
		port == "443" && strings.EqualFold(u.Scheme, "https"):
		return host
	}

	return u.Host
}

// isNavigation reports whether r loads a full document rather than a subresource.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get(headerSecFetchMode); mode != "" {
		return strings.EqualFold(mode, secFetchModeNavigate)
	}

	return r.Method == http.MethodGet && strings.Contains(r.Header.Get(headerAccept), contentTypeHTML)
}
