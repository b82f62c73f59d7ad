package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/EPguitars/proxycare/internal/cache"
	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/pool"
	"github.com/EPguitars/proxycare/internal/registry"
	"github.com/EPguitars/proxycare/internal/store"
)

// PoolHandler exposes the control-plane surface for inspecting and
// seeding proxy pools.
type PoolHandler struct {
	store    store.Store
	cache    *cache.Cache
	pools    *pool.Manager
	registry *registry.Registry
	log      *slog.Logger
}

// NewPoolHandler builds a PoolHandler.
func NewPoolHandler(s store.Store, c *cache.Cache, p *pool.Manager, reg *registry.Registry, log *slog.Logger) *PoolHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PoolHandler{store: s, cache: c, pools: p, registry: reg, log: log.With(slog.String("component", "control.pool"))}
}

// RegisterPartnerRoutes mounts every route that requires partner auth.
func (h *PoolHandler) RegisterPartnerRoutes(r chi.Router) {
	r.Get("/proxies/refresh", h.Refresh)
	r.Post("/proxies/pools/{source_id}/add", h.AddProxy)
	r.Get("/debug/pools", h.DebugPools)
	r.Get("/proxies/{id}/reports", h.Reports)
}

// Refresh reloads the entire cache from the store. Used after a bulk
// import or when the cache is suspected stale.
func (h *PoolHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.LoadAllFromStore(r.Context())
	if err != nil {
		h.log.Error("cache refresh failed", slog.String("error", err.Error()))
		http.Error(w, "refresh failed", http.StatusInternalServerError)
		return
	}
	unblocked, err := h.store.UnblockStale(r.Context())
	if err != nil {
		h.log.Warn("unblock stale failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": n, "unblocked": unblocked})
}

type addProxyRequest struct {
	Credential           string `json:"credential"`
	Priority             int    `json:"priority"`
	UsageIntervalSeconds int    `json:"usage_interval_seconds"`
	ProviderID           *int   `json:"provider_id"`
}

// AddProxy inserts an ad-hoc proxy into a source's pool, bypassing the
// normal store-refill path, and broadcasts pool_updated to every session
// subscribed to that source so they learn about it without waiting for
// their next empty-pool refill.
func (h *PoolHandler) AddProxy(w http.ResponseWriter, r *http.Request) {
	sourceID, err := strconv.Atoi(chi.URLParam(r, "source_id"))
	if err != nil {
		http.Error(w, "invalid source_id", http.StatusBadRequest)
		return
	}

	var req addProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Credential == "" {
		http.Error(w, "credential is required", http.StatusBadRequest)
		return
	}

	rec := model.ProxyRecord{
		Credential:           req.Credential,
		SourceID:             sourceID,
		Priority:             req.Priority,
		UsageIntervalSeconds: req.UsageIntervalSeconds,
		ProviderID:           req.ProviderID,
	}
	inserted, err := h.store.InsertProxy(r.Context(), rec)
	if err != nil {
		h.log.Error("insert proxy failed", slog.String("error", err.Error()))
		http.Error(w, "insert failed", http.StatusInternalServerError)
		return
	}

	h.pools.Get(sourceID).Push(inserted)
	if _, err := h.cache.RefreshSourceFromStore(r.Context(), sourceID); err != nil {
		h.log.Warn("cache refresh after add failed", slog.String("error", err.Error()))
	}

	h.registry.PeersForSource(r.Context(), sourceID, "", func(registry.Key) any {
		return map[string]any{
			"action":    "pool_updated",
			"source_id": sourceID,
			"proxy_id":  inserted.ID,
		}
	})

	writeJSON(w, http.StatusCreated, inserted)
}

// DebugPools reports the current in-memory size of every known pool.
func (h *PoolHandler) DebugPools(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]int)
	for _, sourceID := range h.pools.Sources() {
		out[strconv.Itoa(sourceID)] = h.pools.Get(sourceID).Len()
	}
	writeJSON(w, http.StatusOK, out)
}

// Reports returns every usage report recorded against a proxy.
func (h *PoolHandler) Reports(w http.ResponseWriter, r *http.Request) {
	proxyID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proxy id", http.StatusBadRequest)
		return
	}
	reports, err := h.store.ReportsForProxy(r.Context(), proxyID)
	if err != nil {
		h.log.Error("list reports failed", slog.String("error", err.Error()))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}
