// Package health generalizes the teacher's single-Postgres Checker to ping
// every named database in the registry and report per-dependency status —
// a supplemented feature (SPEC_FULL.md) used by the admin binary's
// /readyz (its /healthz reports liveness only and pings nothing).
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/distjob/scheduler/internal/dbreg"
)

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that every registered database is reachable.
type Checker struct {
	registry *dbreg.Registry
	logger   *slog.Logger
	gauge    *prometheus.GaugeVec
}

// NewChecker creates a health checker over every database in registry and
// registers its Prometheus gauge.
func NewChecker(registry *dbreg.Registry, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		registry: registry,
		logger:   logger.With("component", "health"),
		gauge:    gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings every registered database and reports per-check status.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	for _, name := range c.registry.Names() {
		pool, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		if err := pool.Ping(checkCtx); err != nil {
			c.logger.Warn("database health check failed", "database", name, "error", err)
			result.Status = "down"
			result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
			c.gauge.WithLabelValues(name).Set(0)
		} else {
			result.Checks[name] = CheckResult{Status: "up"}
			c.gauge.WithLabelValues(name).Set(1)
		}
	}

	return result
}
