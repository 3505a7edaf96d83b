package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

var startTime = time.Now()

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthCheck probes one dependency. Critical checks gate readiness; a failed
// non-critical check only degrades /health.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthHandler struct {
	env     string
	version string
	timeout time.Duration
	checks  []HealthCheck
}

func NewHealthHandler(env, version string, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{env: env, version: version, timeout: 2 * time.Second, checks: checks}
}

func (h *HealthHandler) run(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	start := time.Now()
	res := CheckResult{Status: HealthStatusHealthy}
	if err := c.Check(ctx); err != nil {
		res.Error = err.Error()
		res.Status = HealthStatusDegraded
		if c.Critical {
			res.Status = HealthStatusUnhealthy
		}
	}
	res.Latency = time.Since(start).String()
	return res
}

// ServeHTTP handles /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
		Uptime:      time.Since(startTime).String(),
		Checks:      make(map[string]CheckResult, len(h.checks)),
	}
	for _, c := range h.checks {
		res := h.run(r.Context(), c)
		resp.Checks[c.Name] = res
		switch {
		case res.Status == HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case res.Status == HealthStatusDegraded && resp.Status == HealthStatusHealthy:
			resp.Status = HealthStatusDegraded
		}
	}

	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
		logger.Warnw("health check failed", "checks", resp.Checks)
	}
	writeJSON(w, status, resp)
}

// Ready handles /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		if !c.Critical {
			continue
		}
		if res := h.run(r.Context(), c); res.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - %s: %s\n", c.Name, res.Error)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// Live handles /live.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).Round(time.Second))
}
