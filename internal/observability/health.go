package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// HealthStatus values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker aggregates dependency health for the engine's KV store and,
// when resolver caching is enabled, its Redis L2 cache.
type HealthChecker struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthChecker builds a checker. redis may be nil when the resolver's
// two-tier cache is running L1-only (spec §3.4's zero-value CacheConfig).
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient}
}

// HealthStatus is the JSON body served on /health and /health/ready.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// DependencyStatus describes a single dependency's health.
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Check runs all dependency checks and aggregates the worst status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	deps := make(map[string]DependencyStatus)

	deps["kv_store"] = h.checkDatabase(ctx)
	if h.redis != nil {
		deps["resolver_cache"] = h.checkRedis(ctx)
	}

	overall := StatusHealthy
	for _, dep := range deps {
		if dep.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if dep.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	return HealthStatus{
		Status:       overall,
		Timestamp:    time.Now().UTC(),
		Dependencies: deps,
	}
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	if h.db == nil {
		return DependencyStatus{Status: StatusUnhealthy, Message: "no database handle configured", Timestamp: time.Now().UTC()}
	}

	if err := h.db.PingContext(ctx); err != nil {
		return DependencyStatus{
			Status:    StatusUnhealthy,
			Message:   err.Error(),
			Latency:   time.Since(start),
			Timestamp: time.Now().UTC(),
		}
	}

	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return DependencyStatus{
			Status:    StatusUnhealthy,
			Message:   err.Error(),
			Latency:   time.Since(start),
			Timestamp: time.Now().UTC(),
		}
	}

	stats := h.db.Stats()
	status := StatusHealthy
	msg := ""
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		status = StatusDegraded
		msg = "connection pool at capacity"
	}

	return DependencyStatus{
		Status:    status,
		Message:   msg,
		Latency:   time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return DependencyStatus{
			Status:    StatusUnhealthy,
			Message:   err.Error(),
			Latency:   time.Since(start),
			Timestamp: time.Now().UTC(),
		}
	}

	return DependencyStatus{
		Status:    StatusHealthy,
		Latency:   time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

// Liveness always reports 200 while the process is up; it never touches
// dependencies.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// Readiness reports 503 when any dependency is unhealthy, else 200.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

// RegisterHealthRoutes wires /health, /health/live, and /health/ready onto mux.
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
