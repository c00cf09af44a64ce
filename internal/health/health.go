// SPDX-License-Identifier: MIT

// Package health provides liveness/readiness checks for the daemon.
// Liveness always reports 200; readiness degrades when a registered
// component checker fails.
package health

import (
	"context"
	"time"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the full health or readiness check response.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for component health checks.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs the registered checkers and aggregates their results.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component checker.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Health performs the liveness check: the process is alive, so the overall
// status is healthy unless a component is outright unhealthy.
func (m *Manager) Health(ctx context.Context) Response {
	return m.aggregate(ctx, false)
}

// Ready performs the readiness check; any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) Response {
	return m.aggregate(ctx, true)
}

func (m *Manager) aggregate(ctx context.Context, readiness bool) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     true,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult, len(m.checkers))
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		resp.Checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
			if readiness {
				resp.Ready = false
			}
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// CheckFunc adapts a probe function into a named Checker. A nil error maps
// to healthy, a non-nil error to unhealthy.
type CheckFunc struct {
	CheckName string
	Probe     func(ctx context.Context) error
}

// NewCheckFunc wraps a probe closure.
func NewCheckFunc(name string, probe func(ctx context.Context) error) CheckFunc {
	return CheckFunc{CheckName: name, Probe: probe}
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Probe(checkCtx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// EmergencyChecker reports the controller condition: degraded while an
// emergency is active (the daemon still serves traffic, but the fleet is
// halted).
type EmergencyChecker struct {
	active func() bool
}

// NewEmergencyChecker wraps the controller's emergency-active probe.
func NewEmergencyChecker(active func() bool) *EmergencyChecker {
	return &EmergencyChecker{active: active}
}

func (c *EmergencyChecker) Name() string { return "emergency_stop" }

func (c *EmergencyChecker) Check(context.Context) CheckResult {
	if c.active() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "emergency stop active",
		}
	}
	return CheckResult{Status: StatusHealthy}
}
