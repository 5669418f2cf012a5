// Package health provides liveness and readiness endpoints for a ray node.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check reports whether one dependency can serve requests.
type Check func(ctx context.Context) error

// HealthCheck manages health check functionality.
type HealthCheck struct {
	logger        *zap.Logger
	checkInterval time.Duration

	mu        sync.RWMutex
	checks    map[string]Check
	results   map[string]error
	ready     bool
	lastCheck time.Time
}

// NewHealthCheck creates a new HealthCheck instance. It reports not ready
// until SetReady(true) is called and every registered check passes.
func NewHealthCheck(logger *zap.Logger) *HealthCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthCheck{
		logger:        logger,
		checkInterval: 5 * time.Second,
		checks:        make(map[string]Check),
		results:       make(map[string]error),
	}
}

// Register adds a named readiness check.
func (hc *HealthCheck) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. Checks run fresh on every
// call so a probe never sees a stale result.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, failed := hc.run(ctx)

	hc.mu.RLock()
	resp := ReadinessResponse{Checks: make(map[string]string, len(hc.results))}
	for name, err := range hc.results {
		if err != nil {
			resp.Checks[name] = "unhealthy"
		} else {
			resp.Checks[name] = "healthy"
		}
	}
	hc.mu.RUnlock()

	if !ready {
		resp.Status = "not_ready"
		if failed != nil {
			resp.Error = failed.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ready"
	writeJSON(w, http.StatusOK, resp)
}

// run executes every check in name order and records the results.
func (hc *HealthCheck) run(ctx context.Context) (bool, error) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for name, c := range hc.checks {
		checks[name] = c
	}
	started := hc.ready
	hc.mu.RUnlock()
	slices.Sort(names)

	results := make(map[string]error, len(names))
	var failed error
	for _, name := range names {
		err := checks[name](ctx)
		results[name] = err
		if err != nil && failed == nil {
			failed = err
		}
	}

	hc.mu.Lock()
	hc.results = results
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	return started && failed == nil, failed
}

// Run re-evaluates the checks periodically, logging failures, until ctx is
// done.
func (hc *HealthCheck) Run(ctx context.Context) error {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := hc.run(checkCtx); err != nil {
				hc.logger.Warn("health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if !hc.ready {
		return false
	}
	for _, err := range hc.results {
		if err != nil {
			return false
		}
	}
	return true
}

// SetReady flips the node-level readiness flag, e.g. during startup and
// graceful shutdown.
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
