// SPDX-License-Identifier: MIT

package estop

import (
	"sync"
	"time"
)

// Built-in procedure IDs.
const (
	ProcedureSystemRestart      = "system_restart"
	ProcedureManualIntervention = "manual_intervention"
	ProcedureHardwareFault      = "hardware_fault_recovery"
)

// Catalog is the registry of recovery procedures, keyed by procedure ID.
// Procedures are registered at startup and looked up, never mutated, at
// runtime.
type Catalog struct {
	mu         sync.RWMutex
	procedures map[string]Procedure
}

// NewCatalog returns a catalog preloaded with the built-in procedures.
func NewCatalog() *Catalog {
	c := &Catalog{procedures: make(map[string]Procedure)}
	for _, p := range builtinProcedures() {
		c.Register(p)
	}
	return c
}

// Register adds or overwrites a procedure keyed by its ID.
func (c *Catalog) Register(p Procedure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procedures[p.ID] = p
}

// Get looks up a procedure by ID.
func (c *Catalog) Get(id string) (Procedure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.procedures[id]
	return p, ok
}

// Len reports the number of loaded procedures.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.procedures)
}

// All returns a copy of the loaded procedures.
func (c *Catalog) All() []Procedure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Procedure, 0, len(c.procedures))
	for _, p := range c.procedures {
		out = append(out, p)
	}
	return out
}

// SelectProcedure maps a trigger kind to its recovery procedure. Pure
// selection policy, no side effects; unknown triggers fall back to the
// default restart procedure.
func (c *Catalog) SelectProcedure(trigger Trigger) Procedure {
	var id string
	switch trigger {
	case TriggerHardwareFault:
		id = ProcedureHardwareFault
	case TriggerSafetyViolation, TriggerSystemError:
		id = ProcedureManualIntervention
	case TriggerManual, TriggerCommunicationLoss:
		id = ProcedureSystemRestart
	default:
		id = ProcedureSystemRestart
	}
	if p, ok := c.Get(id); ok {
		return p
	}
	p, _ := c.Get(ProcedureSystemRestart)
	return p
}

func builtinProcedures() []Procedure {
	return []Procedure{
		{
			ID:          ProcedureSystemRestart,
			Name:        "System Restart Recovery",
			Description: "Standard recovery procedure for system-wide emergency stops",
			Steps: []string{
				"Verify all robots are in safe positions",
				"Check system health and error logs",
				"Reset robot controllers",
				"Reinitialize navigation systems",
				"Perform system health check",
				"Resume normal operations",
			},
			EstimatedDuration: time.Second,
			RequiresManual:    false,
		},
		{
			ID:          ProcedureManualIntervention,
			Name:        "Manual Intervention Recovery",
			Description: "Recovery procedure requiring human operator intervention",
			Steps: []string{
				"Wait for human operator assessment",
				"Follow operator instructions",
				"Verify safety conditions",
				"Manually reset affected systems",
				"Confirm system readiness",
				"Resume operations under supervision",
			},
			EstimatedDuration: 2 * time.Second,
			RequiresManual:    true,
		},
		{
			ID:          ProcedureHardwareFault,
			Name:        "Hardware Fault Recovery",
			Description: "Recovery procedure for hardware-related emergency stops",
			Steps: []string{
				"Isolate faulty hardware component",
				"Run hardware diagnostics",
				"Replace or repair faulty component",
				"Recalibrate affected systems",
				"Perform integration tests",
				"Resume normal operations",
			},
			EstimatedDuration: 3 * time.Second,
			RequiresManual:    true,
		},
	}
}
