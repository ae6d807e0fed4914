package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness requires both startup completion and a healthy storage
// connection; the storage monitor toggles the latter.
type HealthChecker struct {
	started   atomic.Bool
	storageOK atomic.Bool
	startTime time.Time
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetStarted marks startup as complete.
func (h *HealthChecker) SetStarted(ok bool) {
	h.started.Store(ok)
}

// SetStorageOK records the outcome of the latest storage health probe.
func (h *HealthChecker) SetStorageOK(ok bool) {
	h.storageOK.Store(ok)
}

// IsReady returns whether the service can usefully process notifications.
func (h *HealthChecker) IsReady() bool {
	return h.started.Load() && h.storageOK.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
// Storage being down makes the service not-ready: reconciliations would fail
// at the persisting stage until the connection recovers.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "not_ready",
		"storage_ok": h.storageOK.Load(),
	})
}
