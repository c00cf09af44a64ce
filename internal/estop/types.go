// SPDX-License-Identifier: MIT

// Package estop implements the emergency-stop coordination state machine:
// trigger handling, stop broadcast, hook execution, confirmation wait, and
// staged time-bounded recovery.
package estop

import (
	"fmt"
	"sync"
	"time"
)

// Trigger is the category of condition that caused an emergency stop.
type Trigger string

const (
	TriggerManual            Trigger = "manual"
	TriggerSafetyViolation   Trigger = "safety_violation"
	TriggerSystemError       Trigger = "system_error"
	TriggerCommunicationLoss Trigger = "communication_loss"
	TriggerHardwareFault     Trigger = "hardware_fault"
)

// Valid reports whether t is a known trigger kind.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerSafetyViolation, TriggerSystemError,
		TriggerCommunicationLoss, TriggerHardwareFault:
		return true
	}
	return false
}

// State is the controller state.
type State string

const (
	StateNormal     State = "normal"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateRecovering State = "recovering"
)

// metricValue maps the state onto the controller state gauge.
func (s State) metricValue() float64 {
	switch s {
	case StateNormal:
		return 0
	case StateStopping:
		return 1
	case StateStopped:
		return 2
	case StateRecovering:
		return 3
	}
	return -1
}

// Event records a single emergency-stop episode. Events are immutable once
// created and owned exclusively by the event log.
type Event struct {
	ID               string    `json:"event_id"`
	Trigger          Trigger   `json:"trigger"`
	Description      string    `json:"description"`
	Timestamp        time.Time `json:"timestamp"`
	RobotID          string    `json:"robot_id,omitempty"`
	Severity         string    `json:"severity"`
	RecoveryRequired bool      `json:"recovery_required"`
}

// Procedure is a named, ordered sequence of recovery steps with a time
// budget. Procedures are immutable and owned by the catalog.
type Procedure struct {
	ID                string        `json:"procedure_id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Steps             []string      `json:"steps"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RequiresManual    bool          `json:"requires_manual_intervention"`
}

// Event IDs are time-derived and strictly monotonic within the process;
// same-microsecond triggers get artificially advanced timestamps.
var (
	idMu   sync.Mutex
	idLast time.Time
)

func nextEventID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	if !now.After(idLast) {
		now = idLast.Add(time.Microsecond)
	}
	idLast = now
	return fmt.Sprintf("estop_%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
}
