package offlinecache

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
)

// NewProxy returns a reverse proxy to the manager's origin that routes every request through the
// manager. Intercepted requests always get a response, offline ones a 503; a failed pass-through
// request is answered with 502 Bad Gateway.
func NewProxy(m *Manager, logger *slog.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = m.logger
	}

	origin := m.Origin()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: m,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "upstream request failed", "url", r.URL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
