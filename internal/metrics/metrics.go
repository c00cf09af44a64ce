// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the emergency-stop
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estopd_stops_total",
		Help: "Total number of emergency stops by trigger kind",
	}, []string{"trigger"})

	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estopd_recoveries_total",
		Help: "Total number of recovery attempts by outcome",
	}, []string{"outcome"})

	HookFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estopd_hook_failures_total",
		Help: "Total number of failed stop/recovery hook invocations",
	}, []string{"kind"})

	BroadcastFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estopd_broadcast_failures_total",
		Help: "Total number of failed stop-command broadcasts by transport",
	}, []string{"transport"})

	HeartbeatMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "estopd_heartbeat_misses_total",
		Help: "Total number of missed liveness intervals",
	})

	ControllerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "estopd_controller_state",
		Help: "Current controller state (0=normal 1=stopping 2=stopped 3=recovering)",
	})
)

// IncStop records a triggered emergency stop.
func IncStop(trigger string) {
	if trigger == "" {
		trigger = "unknown"
	}
	StopsTotal.WithLabelValues(trigger).Inc()
}

// IncRecovery records a recovery attempt outcome ("success" or "failure").
func IncRecovery(outcome string) {
	RecoveriesTotal.WithLabelValues(outcome).Inc()
}

// IncHookFailure records a failed hook invocation ("stop" or "recovery").
func IncHookFailure(kind string) {
	HookFailuresTotal.WithLabelValues(kind).Inc()
}

// IncBroadcastFailure records a failed broadcast on the named transport.
func IncBroadcastFailure(transport string) {
	if transport == "" {
		transport = "unknown"
	}
	BroadcastFailuresTotal.WithLabelValues(transport).Inc()
}

// SetControllerState publishes the numeric controller state.
func SetControllerState(v float64) {
	ControllerState.Set(v)
}
