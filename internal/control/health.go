package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/EPguitars/proxycare/internal/version"
)

// HealthHandler answers liveness/readiness probes.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *pgxpool.Pool, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Ready      bool                       `json:"ready"`
	ObservedAt time.Time                  `json:"observed_at"`
	Checks     map[string]componentStatus `json:"checks"`
}

// Health answers unconditionally once the process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	v := version.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "proxybroker",
		"version": v.Version,
	})
}

// Ready checks the store and cache are reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]componentStatus{
		"database": h.checkDatabase(ctx),
		"redis":    h.checkRedis(ctx),
	}
	ready := checks["database"].Status == "healthy" && checks["redis"].Status == "healthy"

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readinessResponse{Ready: ready, ObservedAt: time.Now().UTC(), Checks: checks})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) componentStatus {
	if h.db == nil {
		return componentStatus{Status: "unhealthy", Error: "database not configured"}
	}
	if err := h.db.Ping(ctx); err != nil {
		return componentStatus{Status: "unhealthy", Error: err.Error()}
	}
	return componentStatus{Status: "healthy"}
}

func (h *HealthHandler) checkRedis(ctx context.Context) componentStatus {
	if h.redis == nil {
		return componentStatus{Status: "unhealthy", Error: "redis not configured"}
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return componentStatus{Status: "unhealthy", Error: err.Error()}
	}
	return componentStatus{Status: "healthy"}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
