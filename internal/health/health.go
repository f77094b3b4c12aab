// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package health provides health and readiness checks for the daemon,
// suitable for Docker HEALTHCHECK and Kubernetes probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/store"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the result of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a checker.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs the liveness check. The process being able to answer is
// what counts; component results are informational.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready performs the readiness check; any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// ServeHealth handles HTTP liveness requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests. 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("failed to encode readiness response")
	}
}

// StoreChecker pings the persistence store with a snapshot read.
type StoreChecker struct {
	store store.Store
}

// NewStoreChecker creates a checker over the occupancy store.
func NewStoreChecker(st store.Store) *StoreChecker {
	return &StoreChecker{store: st}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := c.store.Snapshot(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "store reachable"}
}

// PersistenceChecker surfaces the admission path's fail-fast state.
type PersistenceChecker struct {
	failingSince func() (time.Time, error)
	threshold    time.Duration
}

// NewPersistenceChecker creates a checker over the engine's store health.
// failingSince returns the zero time while the store is healthy.
func NewPersistenceChecker(failingSince func() (time.Time, error), threshold time.Duration) *PersistenceChecker {
	return &PersistenceChecker{failingSince: failingSince, threshold: threshold}
}

func (c *PersistenceChecker) Name() string { return "persistence" }

func (c *PersistenceChecker) Check(ctx context.Context) CheckResult {
	since, lastErr := c.failingSince()
	if since.IsZero() {
		return CheckResult{Status: StatusHealthy, Message: "no recent persistence failures"}
	}

	result := CheckResult{Status: StatusDegraded, Message: "persistence failing since " + since.Format(time.RFC3339)}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	if time.Since(since) >= c.threshold {
		// Scans are failing fast now.
		result.Status = StatusUnhealthy
	}
	return result
}

// SweepChecker verifies the auto-exit sweeper is still running.
type SweepChecker struct {
	lastSweep func() time.Time
	interval  time.Duration
}

// NewSweepChecker creates a checker over the sweeper's last run time.
func NewSweepChecker(lastSweep func() time.Time, interval time.Duration) *SweepChecker {
	return &SweepChecker{lastSweep: lastSweep, interval: interval}
}

func (c *SweepChecker) Name() string { return "sweeper" }

func (c *SweepChecker) Check(ctx context.Context) CheckResult {
	last := c.lastSweep()
	if last.IsZero() {
		return CheckResult{Status: StatusDegraded, Message: "no sweep pass yet"}
	}
	if age := time.Since(last); age > 3*c.interval {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "last sweep " + age.Round(time.Second).String() + " ago",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "sweeper running"}
}
