package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

// AdminPrefix is the path under which the proxy serves its own endpoints.
const AdminPrefix = "/_offline"

const pingTimeout = 3 * time.Second

// Pinger is implemented by storages that support health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handler struct {
	manager *offlinecache.Manager
	logger  *slog.Logger
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type statusResponse struct {
	Phase    string   `json:"phase"`
	Origin   string   `json:"origin"`
	Precache string   `json:"precache"`
	Runtime  string   `json:"runtime"`
	Stores   []string `json:"stores"`
}

type installResponse struct {
	Cached []string          `json:"cached"`
	Failed map[string]string `json:"failed"`
}

// NewRouter serves the admin endpoints under AdminPrefix and hands everything else to proxy.
// The admin endpoints are unauthenticated and meant for operators; browsers may only call them
// cross-origin from corsOrigins, and from nowhere when it is empty.
func NewRouter(m *offlinecache.Manager, proxy http.Handler, corsOrigins []string, logger *slog.Logger) http.Handler {
	h := &handler{manager: m, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		// an empty origin list means cors would allow every origin
		if len(corsOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: corsOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
		}

		r.Get("/healthz", h.health)
		r.Get("/status", h.status)
		r.Post("/reinstall", h.reinstall)
	})

	r.Handle("/*", proxy)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	checks := map[string]string{"manager": h.manager.Phase().String()}
	code := http.StatusOK
	status := "ok"

	if h.manager.Phase() != offlinecache.PhaseActivated {
		code = http.StatusServiceUnavailable
		status = "starting"
	}

	if pinger, ok := h.manager.Storage().(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			checks["storage"] = "error: " + err.Error()
			code = http.StatusServiceUnavailable
			status = "degraded"
		} else {
			checks["storage"] = "ok"
		}
	}

	h.writeJSON(w, r, code, healthResponse{Status: status, Checks: checks})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	stores, err := h.manager.Storage().Keys(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "listing cache stores", "error", err)
		http.Error(w, "listing cache stores failed", http.StatusInternalServerError)
		return
	}

	c := h.manager.Config()
	h.writeJSON(w, r, http.StatusOK, statusResponse{
		Phase:    h.manager.Phase().String(),
		Origin:   h.manager.Origin().String(),
		Precache: c.PrecacheName,
		Runtime:  c.RuntimeName,
		Stores:   stores,
	})
}

func (h *handler) reinstall(w http.ResponseWriter, r *http.Request) {
	report, err := h.manager.Install(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "reinstalling precache", "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	resp := installResponse{Cached: report.Cached, Failed: map[string]string{}}
	for p, err := range report.Failed {
		resp.Failed[p] = err.Error()
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WarnContext(r.Context(), "writing response", "error", err)
	}
}
