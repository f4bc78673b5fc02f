// Package controlapi implements the gateway's HTTP control surface:
// GET /acquire, POST /release/{token}, GET /status, plus the
// observability endpoints GET /metrics, GET /metrics.json, and
// GET /healthz.
package controlapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/threadflux/gatewayd/internal/auth"
	"github.com/threadflux/gatewayd/internal/logging"
	"github.com/threadflux/gatewayd/internal/metrics"
	"github.com/threadflux/gatewayd/internal/observability"
	"github.com/threadflux/gatewayd/internal/pool"
	"github.com/threadflux/gatewayd/internal/refresh"
)

// Handler wires the pool to the HTTP surface.
type Handler struct {
	pool       *pool.Pool
	refresh    *refresh.Worker
	verifier   *auth.Verifier
	ingressURL string
}

// NewHandler builds a Handler backed by the given pool, refresh
// worker, and bearer token verifier. ingressURL is the SOCKS5 URL
// handed back by /acquire (e.g. "socks5://gateway:1080").
func NewHandler(p *pool.Pool, w *refresh.Worker, verifier *auth.Verifier, ingressURL string) *Handler {
	return &Handler{pool: p, refresh: w, verifier: verifier, ingressURL: ingressURL}
}

// NewServer assembles the complete mux: bearer-protected /acquire and
// /release/{token}, unauthenticated /status, /metrics (Prometheus
// exposition), /metrics.json (in-process counters), and /healthz, all
// wrapped in the tracing middleware.
func NewServer(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/acquire", h.verifier.Middleware(http.HandlerFunc(h.handleAcquire)))
	mux.Handle("/release/", h.verifier.Middleware(http.HandlerFunc(h.handleRelease)))
	mux.HandleFunc("/status", h.handleStatus)
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/metrics.json", metrics.JSONHandler())
	mux.HandleFunc("/healthz", h.handleHealthz)

	return observability.HTTPMiddleware(mux)
}

type acquireResponse struct {
	IngressSOCKS5URL           string `json:"ingress_socks5_url"`
	BackendPort                int    `json:"backend_port"`
	BackendPortTokenForRelease int    `json:"backend_port_token_for_release"`
	Namespace                  string `json:"namespace"`
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	port, err := h.pool.Acquire(pool.KindAPIAcquired, map[string]string{"client": r.RemoteAddr})
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "pool_empty", "no backend is currently available")
		return
	}

	namespace := ""
	for _, b := range h.pool.Snapshot().Backends {
		if b.Port == port {
			namespace = b.Namespace
			break
		}
	}
	writeJSON(w, http.StatusOK, acquireResponse{
		IngressSOCKS5URL:           h.ingressURL,
		BackendPort:                port,
		BackendPortTokenForRelease: port,
		Namespace:                  namespace,
	})
}

// handleRelease implements ReleaseForRefresh(token): traffic may have
// flowed through the backend under the API-acquired lease, so the
// release always routes through a full rotate+validate cycle before
// the backend is readmitted.
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/release/")
	port, err := strconv.Atoi(token)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_token", "release token must be the backend port")
		return
	}

	backend, err := h.pool.ReleaseForRefresh(port)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "not_in_use", "backend port is not currently checked out")
		return
	}
	h.refresh.Run(backend, true, observability.ExtractTraceContext(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{"status": "releasing", "backend_port": port})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Snapshot())
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("control api: encode response failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
