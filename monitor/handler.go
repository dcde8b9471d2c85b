// Package monitor exposes the scheduler's operational surface over plain
// net/http: liveness, tier statistics, manual sync/cleanup triggers, and
// Prometheus scrape output.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/analytics"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotstore"
)

// Syncer triggers an out-of-band cold-to-hot transfer scan, bypassing the
// TransferLoop's normal tick cadence.
type Syncer interface {
	TransferNow(ctx context.Context) (int, error)
}

// Cleaner triggers an out-of-band purge of aged-out cold entries.
type Cleaner interface {
	CleanupNow(ctx context.Context) (int64, error)
}

// Breakers exposes the engine's dependency circuit breakers for
// inspection and administrative reset.
type Breakers interface {
	Snapshot() map[string]event.Stats
	Reset(name string)
}

// Handler serves the scheduler's operational endpoints.
type Handler struct {
	cold     coldstore.Store
	hot      hotstore.Store
	stats    analytics.Store
	syncer   Syncer
	cleaner  Cleaner
	breakers Breakers
	mux      *http.ServeMux
}

// New builds a Handler. syncer, cleaner, and breakers may be nil, in
// which case /sync, /cleanup, and /reset respond 503.
func New(cold coldstore.Store, hot hotstore.Store, stats analytics.Store, syncer Syncer, cleaner Cleaner, breakers Breakers) *Handler {
	h := &Handler{cold: cold, hot: hot, stats: stats, syncer: syncer, cleaner: cleaner, breakers: breakers, mux: http.NewServeMux()}

	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/sync", h.handleSync)
	h.mux.HandleFunc("/cleanup", h.handleCleanup)
	h.mux.HandleFunc("/reset", h.handleReset)
	h.mux.Handle("/metrics", promhttp.Handler())

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	ColdCount int64                        `json:"cold_count"`
	HotCount  int64                        `json:"hot_count"`
	Recent    []*analytics.ExecutionRecord `json:"recent,omitempty"`
	Breakers  map[string]event.Stats       `json:"breakers,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	resp := statsResponse{}

	if h.cold != nil {
		n, err := h.cold.Count(ctx)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.ColdCount = n
	}
	if h.hot != nil {
		n, err := h.hot.Len(ctx)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.HotCount = n
	}
	if h.stats != nil {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		recent, err := h.stats.Recent(ctx, limit)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Recent = recent
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Snapshot()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sync trigger not configured")
		return
	}
	n, err := h.syncer.TransferNow(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"transferred": n})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.cleaner == nil {
		h.writeError(w, http.StatusServiceUnavailable, "cleanup trigger not configured")
		return
	}
	n, err := h.cleaner.CleanupNow(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.breakers == nil {
		h.writeError(w, http.StatusServiceUnavailable, "breaker reset not configured")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "name query parameter required")
		return
	}
	h.breakers.Reset(name)
	h.writeJSON(w, http.StatusOK, map[string]string{"reset": name})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
