package offlinecache_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

func newOriginServer(t *testing.T, apiCalls *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>shell</html>"))
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("console.log('app')"))
	})
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, _ *http.Request) {
		apiCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1}]`))
	})

	return httptest.NewServer(mux)
}

func get(t *testing.T, client *http.Client, rawURL string, navigate bool) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}

	resp, err := client.Do(req)
	require.NoError(t, err)

	return resp
}

func TestProxyServesOfflineFromCache(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	origin := newOriginServer(t, &apiCalls)
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	storage := local.NewBasicStorage()
	cfg := offlinecache.DefaultConfig()
	cfg.Manifest = []string{"/", "/index.html"}

	m, err := offlinecache.New(storage, originURL, http.DefaultTransport, &cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, report.Cached)

	_, err = m.Activate(context.Background())
	require.NoError(t, err)

	proxy := httptest.NewServer(offlinecache.NewProxy(m, nil))
	defer proxy.Close()

	client := proxy.Client()

	// online: the asset comes from the origin and lands in the runtime cache
	resp := get(t, client, proxy.URL+"/assets/app.js", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", readBody(t, resp))

	// backend calls always reach the origin
	for range 2 {
		resp = get(t, client, proxy.URL+"/api/tasks?canisterId=xyz", false)
		assert.Equal(t, `[{"id":1}]`, readBody(t, resp))
	}
	assert.Equal(t, int32(2), apiCalls.Load())

	m.Wait()
	origin.Close()

	// offline: cached asset, cached shell for navigations, 503 for the rest
	resp = get(t, client, proxy.URL+"/assets/app.js", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", readBody(t, resp))

	resp = get(t, client, proxy.URL+"/projects/7", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))

	resp = get(t, client, proxy.URL+"/assets/unknown.css", false)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	readBody(t, resp)

	// pass-through requests surface the upstream failure
	resp = get(t, client, proxy.URL+"/api/tasks?canisterId=xyz", false)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	readBody(t, resp)

	m.Wait()
}

func TestTransportWithHTTPClient(t *testing.T) {
	t.Parallel()

	var apiCalls atomic.Int32
	origin := newOriginServer(t, &apiCalls)
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	cfg := offlinecache.DefaultConfig()
	cfg.Manifest = nil

	storage := local.NewBasicStorage()
	m, err := offlinecache.New(storage, originURL, http.DefaultTransport, &cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	_, err = m.Install(context.Background())
	require.NoError(t, err)
	_, err = m.Activate(context.Background())
	require.NoError(t, err)

	client := &http.Client{Transport: m}

	resp := get(t, client, origin.URL+"/api/tasks?canisterId=xyz", false)
	assert.Equal(t, `[{"id":1}]`, readBody(t, resp))

	resp = get(t, client, origin.URL+"/assets/app.js", false)
	assert.Equal(t, "console.log('app')", readBody(t, resp))

	m.Wait()

	item, err := storage.Match(context.Background(), "GET#"+origin.URL+"/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log('app')", string(item.Body))

	_, err = storage.Match(context.Background(), "GET#"+origin.URL+"/api/tasks?canisterId=xyz")
	assert.Error(t, err)
}
