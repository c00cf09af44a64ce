// SPDX-License-Identifier: MIT

package estop

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/metrics"
)

// StopHook is notified when an emergency stop is executed.
type StopHook interface {
	// Name identifies the hook in logs.
	Name() string
	OnEmergencyStop(ctx context.Context, ev Event) error
}

// RecoveryHook is notified after a recovery completes successfully.
type RecoveryHook interface {
	Name() string
	OnRecovery(ctx context.Context, eventID string) error
}

// StopHookFunc adapts a function to the StopHook interface.
type StopHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, ev Event) error
}

func (h StopHookFunc) Name() string { return h.HookName }

func (h StopHookFunc) OnEmergencyStop(ctx context.Context, ev Event) error {
	return h.Fn(ctx, ev)
}

// RecoveryHookFunc adapts a function to the RecoveryHook interface.
type RecoveryHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, eventID string) error
}

func (h RecoveryHookFunc) Name() string { return h.HookName }

func (h RecoveryHookFunc) OnRecovery(ctx context.Context, eventID string) error {
	return h.Fn(ctx, eventID)
}

// HookRegistry holds the ordered stop and recovery hooks. Registration order
// is execution order. Hook failures (errors or panics) are logged and
// skipped; they never abort the remaining hooks or reach the caller.
type HookRegistry struct {
	mu            sync.RWMutex
	stopHooks     []StopHook
	recoveryHooks []RecoveryHook
	logger        zerolog.Logger
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry(logger zerolog.Logger) *HookRegistry {
	return &HookRegistry{logger: logger}
}

// RegisterStopHook appends a stop hook.
func (r *HookRegistry) RegisterStopHook(h StopHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopHooks = append(r.stopHooks, h)
	r.logger.Debug().Str("hook", h.Name()).Msg("registered stop hook")
}

// RegisterRecoveryHook appends a recovery hook.
func (r *HookRegistry) RegisterRecoveryHook(h RecoveryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveryHooks = append(r.recoveryHooks, h)
	r.logger.Debug().Str("hook", h.Name()).Msg("registered recovery hook")
}

// RunStopHooks invokes every registered stop hook sequentially.
func (r *HookRegistry) RunStopHooks(ctx context.Context, ev Event) {
	r.mu.RLock()
	hooks := make([]StopHook, len(r.stopHooks))
	copy(hooks, r.stopHooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := r.invoke(func() error { return h.OnEmergencyStop(ctx, ev) }); err != nil {
			metrics.IncHookFailure("stop")
			r.logger.Error().
				Err(err).
				Str("event", "estop.hook_failed").
				Str("hook", h.Name()).
				Str("event_id", ev.ID).
				Msg("stop hook failed")
		}
	}
}

// RunRecoveryHooks invokes every registered recovery hook sequentially.
func (r *HookRegistry) RunRecoveryHooks(ctx context.Context, eventID string) {
	r.mu.RLock()
	hooks := make([]RecoveryHook, len(r.recoveryHooks))
	copy(hooks, r.recoveryHooks)
	r.mu.RUnlock()

	for _, h := range hooks {
		if err := r.invoke(func() error { return h.OnRecovery(ctx, eventID) }); err != nil {
			metrics.IncHookFailure("recovery")
			r.logger.Error().
				Err(err).
				Str("event", "estop.recovery_hook_failed").
				Str("hook", h.Name()).
				Str("event_id", eventID).
				Msg("recovery hook failed")
		}
	}
}

// invoke runs fn inside a panic boundary so one misbehaving hook cannot take
// down the stop sequence.
func (r *HookRegistry) invoke(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panicked: %v", rec)
		}
	}()
	return fn()
}
