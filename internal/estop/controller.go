// SPDX-License-Identifier: MIT

package estop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/broadcast"
	"github.com/fleetsafe/estopd/internal/metrics"
)

// Options configures a Controller.
type Options struct {
	// StopTimeout is the confirmation wait after broadcasting the stop
	// command. It models the real-world latency of confirming all units
	// have halted.
	StopTimeout time.Duration
	// RecoveryTimeout is the overall deadline for a recovery episode.
	RecoveryTimeout time.Duration
	// AutoRecovery enables scheduling an automatic recovery attempt after
	// a stop whose event does not require manual recovery.
	AutoRecovery bool
	// AutoRecoveryGrace is the delay before an automatic recovery attempt.
	AutoRecoveryGrace time.Duration

	Transport broadcast.Transport
	Clock     Clock
	Logger    zerolog.Logger
}

// recoverySession tracks a single in-flight recovery episode.
type recoverySession struct {
	start   time.Time
	eventID string
}

// Controller is the emergency-stop state machine. It owns the event log and
// all state transitions; collaborators (transport, hooks, liveness feed) are
// invoked but never granted write access to internal state.
type Controller struct {
	opts    Options
	clock   Clock
	logger  zerolog.Logger
	catalog *Catalog
	events  *EventLog
	hooks   *HookRegistry

	mu       sync.Mutex
	state    State
	recovery *recoverySession

	// Background auto-recovery tasks, cancelled and joined at Close.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	closed   bool
}

// NewController builds a controller in the Normal state with a preloaded
// catalog and an empty event log.
func NewController(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: broadcast transport is required", ErrInitialization)
	}
	if opts.StopTimeout <= 0 || opts.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInitialization)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.AutoRecoveryGrace <= 0 {
		opts.AutoRecoveryGrace = 5 * time.Second
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		catalog:  NewCatalog(),
		events:   NewEventLog(),
		hooks:    NewHookRegistry(opts.Logger),
		state:    StateNormal,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	metrics.SetControllerState(StateNormal.metricValue())
	c.logger.Info().
		Int("procedures", c.catalog.Len()).
		Msg("emergency stop controller initialized")
	return c, nil
}

// Catalog returns the recovery procedure catalog.
func (c *Controller) Catalog() *Catalog { return c.catalog }

// Events returns the event log.
func (c *Controller) Events() *EventLog { return c.events }

// Hooks returns the hook registry.
func (c *Controller) Hooks() *HookRegistry { return c.hooks }

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsEmergencyActive reports whether a stop is in progress or the system is
// halted.
func (c *Controller) IsEmergencyActive() bool {
	s := c.State()
	return s == StateStopping || s == StateStopped
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetControllerState(s.metricValue())
}

// EventOption customises the event created by TriggerStop.
type EventOption func(*Event)

// WithRobotID associates the event with a specific unit.
func WithRobotID(id string) EventOption {
	return func(ev *Event) { ev.RobotID = id }
}

// WithSeverity overrides the default "critical" severity label.
func WithSeverity(s string) EventOption {
	return func(ev *Event) { ev.Severity = s }
}

// WithRecoveryRequired flags whether the episode needs manual recovery.
// Events require recovery by default; auto-recovery is only scheduled for
// events that do not.
func WithRecoveryRequired(b bool) EventOption {
	return func(ev *Event) { ev.RecoveryRequired = b }
}

// TriggerStop halts all controlled units. The state moves to Stopping before
// any I/O so concurrent observers never see a stale Normal state, then the
// stop command is broadcast, stop hooks run, and the confirmation timeout is
// awaited. The controller always settles in Stopped, even when broadcast or
// hooks fail (fail-safe). The event ID is returned regardless of downstream
// failures.
func (c *Controller) TriggerStop(ctx context.Context, trigger Trigger, description string, opts ...EventOption) string {
	ev := Event{
		ID:               nextEventID(c.clock.Now()),
		Trigger:          trigger,
		Description:      description,
		Timestamp:        c.clock.Now(),
		Severity:         "critical",
		RecoveryRequired: true,
	}
	for _, opt := range opts {
		opt(&ev)
	}

	c.events.Append(ev)
	c.setState(StateStopping)
	metrics.IncStop(string(trigger))

	c.logger.Error().
		Str("event", "estop.triggered").
		Str("event_id", ev.ID).
		Str("trigger", string(trigger)).
		Str("severity", ev.Severity).
		Str("description", description).
		Msg("EMERGENCY STOP TRIGGERED")

	c.executeStop(ctx, ev)

	// Unconditional: the system must never remain in Stopping on error.
	c.setState(StateStopped)

	c.logger.Error().
		Str("event", "estop.stopped").
		Str("event_id", ev.ID).
		Msg("emergency stop completed, all systems halted")

	if c.opts.AutoRecovery && !ev.RecoveryRequired {
		c.scheduleAutoRecovery(ev.ID)
	}
	return ev.ID
}

// executeStop runs broadcast, stop hooks and the confirmation wait inside a
// panic boundary so any internal failure still yields a Stopped final state.
func (c *Controller) executeStop(ctx context.Context, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("event", "estop.execute_panic").
				Str("event_id", ev.ID).
				Interface("panic", rec).
				Msg("panic during stop execution, forcing stopped state")
		}
	}()

	if err := c.opts.Transport.Publish(ctx, payloadFor(ev)); err != nil {
		metrics.IncBroadcastFailure(c.opts.Transport.Name())
		c.logger.Error().
			Err(fmt.Errorf("%w: %w", ErrBroadcast, err)).
			Str("event", "estop.broadcast_failed").
			Str("event_id", ev.ID).
			Msg("stop broadcast failed")
	}

	c.hooks.RunStopHooks(ctx, ev)

	if err := c.clock.Sleep(ctx, c.opts.StopTimeout); err != nil {
		c.logger.Warn().
			Str("event", "estop.confirmation_interrupted").
			Str("event_id", ev.ID).
			Msg("stop confirmation wait cancelled")
		return
	}
	c.logger.Info().
		Str("event", "estop.confirmation_timeout").
		Dur("stop_timeout", c.opts.StopTimeout).
		Msg("stop confirmation timeout reached")
}

func payloadFor(ev Event) broadcast.Payload {
	p := broadcast.Payload{
		EventID:     ev.ID,
		Trigger:     string(ev.Trigger),
		Description: ev.Description,
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339),
		Severity:    ev.Severity,
		Command:     broadcast.Command,
	}
	if ev.RobotID != "" {
		id := ev.RobotID
		p.RobotID = &id
	}
	return p
}

// Reset begins the staged recovery procedure for the given event (empty ID
// selects the default procedure). It returns false with no side effect when
// the controller is not in a resettable state or another recovery is already
// in flight; the single-flight guard is an atomic check-and-set under the
// controller mutex. A stop triggered while the recovery runs supersedes it:
// the recovery reports false and the new stop's state stands.
func (c *Controller) Reset(ctx context.Context, eventID string) bool {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateRecovering {
		c.mu.Unlock()
		c.logger.Warn().
			Err(ErrInvalidTransition).
			Str("event", "estop.reset_rejected").
			Str("state", string(c.state)).
			Msg("cannot reset, system not in stopped state")
		return false
	}
	if c.recovery != nil {
		c.mu.Unlock()
		c.logger.Warn().
			Err(ErrInvalidTransition).
			Str("event", "estop.reset_rejected").
			Msg("recovery already in progress")
		return false
	}
	session := &recoverySession{start: c.clock.Now(), eventID: eventID}
	c.recovery = session
	c.state = StateRecovering
	c.mu.Unlock()
	metrics.SetControllerState(StateRecovering.metricValue())

	c.logger.Info().
		Str("event", "estop.recovery_started").
		Str("event_id", eventID).
		Msg("starting emergency stop recovery")

	ok := c.executeRecovery(ctx, session)

	c.mu.Lock()
	// A stop triggered while the recovery ran has already moved the state
	// away from Recovering; that stop owns the state now and the finished
	// recovery must not overwrite it.
	superseded := c.state != StateRecovering
	if !superseded {
		if ok {
			c.state = StateNormal
		} else {
			c.state = StateStopped
		}
	}
	c.recovery = nil
	c.mu.Unlock()

	if superseded {
		metrics.IncRecovery("superseded")
		c.logger.Warn().
			Str("event", "estop.recovery_superseded").
			Str("event_id", eventID).
			Msg("recovery superseded by a new emergency stop")
		return false
	}

	if ok {
		metrics.SetControllerState(StateNormal.metricValue())
		metrics.IncRecovery("success")
		c.hooks.RunRecoveryHooks(ctx, eventID)
		c.logger.Info().
			Str("event", "estop.recovery_completed").
			Str("event_id", eventID).
			Msg("recovery completed successfully")
	} else {
		metrics.SetControllerState(StateStopped.metricValue())
		metrics.IncRecovery("failure")
		c.logger.Error().
			Str("event", "estop.recovery_failed").
			Str("event_id", eventID).
			Msg("recovery failed, system remains stopped")
	}
	return ok
}

// executeRecovery runs the selected procedure's steps under the overall
// recovery deadline. Failures, panics and cancellation all report false so
// the caller falls back to the stopped state.
func (c *Controller) executeRecovery(ctx context.Context, session *recoverySession) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("event", "estop.recovery_panic").
				Interface("panic", rec).
				Msg("panic during recovery execution")
			ok = false
		}
	}()

	proc := c.selectProcedure(session.eventID)
	if len(proc.Steps) == 0 {
		c.logger.Error().
			Str("event", "estop.recovery_no_procedure").
			Str("event_id", session.eventID).
			Msg("no suitable recovery procedure found")
		return false
	}

	c.logger.Info().
		Str("event", "estop.recovery_procedure").
		Str("procedure", proc.ID).
		Bool("requires_manual", proc.RequiresManual).
		Int("steps", len(proc.Steps)).
		Msg("executing recovery procedure")

	stepBudget := proc.EstimatedDuration / time.Duration(len(proc.Steps))
	for i, step := range proc.Steps {
		c.logger.Info().
			Str("event", "estop.recovery_step").
			Int("step", i+1).
			Int("total", len(proc.Steps)).
			Str("description", step).
			Msg("recovery step")

		if err := c.clock.Sleep(ctx, stepBudget); err != nil {
			c.logger.Warn().
				Str("event", "estop.recovery_cancelled").
				Int("step", i+1).
				Msg("recovery cancelled")
			return false
		}

		if elapsed := c.clock.Now().Sub(session.start); elapsed > c.opts.RecoveryTimeout {
			c.logger.Error().
				Err(ErrRecoveryTimeout).
				Str("event", "estop.recovery_timeout").
				Dur("elapsed", elapsed).
				Dur("recovery_timeout", c.opts.RecoveryTimeout).
				Msg("recovery timeout exceeded")
			return false
		}
	}
	return true
}

// selectProcedure resolves the recovery procedure for an event ID, falling
// back to the default restart procedure when the ID is absent or unknown.
func (c *Controller) selectProcedure(eventID string) Procedure {
	if eventID == "" {
		p, _ := c.catalog.Get(ProcedureSystemRestart)
		return p
	}
	ev, found := c.events.Find(eventID)
	if !found {
		p, _ := c.catalog.Get(ProcedureSystemRestart)
		return p
	}
	return c.catalog.SelectProcedure(ev.Trigger)
}

// scheduleAutoRecovery starts a controller-owned task that attempts a reset
// after the grace delay. Reset re-validates preconditions, so a manual reset
// racing ahead makes this attempt a harmless no-op.
func (c *Controller) scheduleAutoRecovery(eventID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn().
			Err(ErrClosed).
			Str("event", "estop.auto_recovery_skipped").
			Str("event_id", eventID).
			Msg("auto-recovery not scheduled")
		return
	}
	c.bgWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bgWG.Done()
		if err := c.clock.Sleep(c.bgCtx, c.opts.AutoRecoveryGrace); err != nil {
			return
		}
		c.logger.Info().
			Str("event", "estop.auto_recovery").
			Str("event_id", eventID).
			Msg("attempting auto-recovery")
		if c.Reset(c.bgCtx, eventID) {
			c.logger.Info().
				Str("event", "estop.auto_recovery_succeeded").
				Str("event_id", eventID).
				Msg("auto-recovery successful")
		} else {
			c.logger.Warn().
				Str("event", "estop.auto_recovery_noop").
				Str("event_id", eventID).
				Msg("auto-recovery did not run")
		}
	}()
}

// HealthCheck is a side-effect-free projection for operational tooling.
type HealthCheck struct {
	Component          string `json:"component"`
	Status             string `json:"status"`
	State              State  `json:"state"`
	EventCount         int    `json:"emergency_events_count"`
	ProceduresLoaded   int    `json:"recovery_procedures_loaded"`
	AutoRecovery       bool   `json:"auto_recovery_enabled"`
	RecoveryInProgress bool   `json:"recovery_in_progress"`
}

// HealthCheck reports the controller's operational condition.
func (c *Controller) HealthCheck() HealthCheck {
	c.mu.Lock()
	state := c.state
	inProgress := c.recovery != nil
	closed := c.closed
	c.mu.Unlock()

	status := "healthy"
	if closed {
		status = "stopped"
	}
	return HealthCheck{
		Component:          "emergency_stop",
		Status:             status,
		State:              state,
		EventCount:         c.events.Len(),
		ProceduresLoaded:   c.catalog.Len(),
		AutoRecovery:       c.opts.AutoRecovery,
		RecoveryInProgress: inProgress,
	}
}

// Snapshot is a read-only view of the controller state and recent history.
type Snapshot struct {
	State              State      `json:"state"`
	RecoveryInProgress bool       `json:"recovery_in_progress"`
	RecoveryStart      *time.Time `json:"recovery_start_time,omitempty"`
	RecentEvents       []Event    `json:"recent_events"`
	AutoRecovery       bool       `json:"auto_recovery_enabled"`
}

// Snapshot returns the current state and the five most recent events.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:              c.state,
		RecoveryInProgress: c.recovery != nil,
		AutoRecovery:       c.opts.AutoRecovery,
	}
	if c.recovery != nil {
		start := c.recovery.start
		snap.RecoveryStart = &start
	}
	c.mu.Unlock()

	snap.RecentEvents = c.events.Recent(5)
	return snap
}

// Close cancels pending auto-recovery tasks and waits for them to finish,
// bounded by ctx.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bgCancel()

	done := make(chan struct{})
	go func() {
		c.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info().Msg("emergency stop controller closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
