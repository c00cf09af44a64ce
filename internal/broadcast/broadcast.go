// SPDX-License-Identifier: MIT

// Package broadcast delivers the stop command to all controlled units.
// Transports are fire-and-forget from the controller's perspective: a
// failed publish is logged and counted but never propagated into the
// stop sequence.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/metrics"
)

// Command is the wire command carried by every stop broadcast.
const Command = "EMERGENCY_STOP"

// Payload is the message pushed to every unit when a stop is triggered.
type Payload struct {
	EventID     string  `json:"event_id"`
	Trigger     string  `json:"trigger"`
	Description string  `json:"description"`
	Timestamp   string  `json:"timestamp"`
	RobotID     *string `json:"robot_id"`
	Severity    string  `json:"severity"`
	Command     string  `json:"command"`
}

// Encode serialises the payload to its JSON wire form.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Transport publishes a stop payload to all units.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string
	// Publish pushes the payload. Implementations must be safe for
	// concurrent use.
	Publish(ctx context.Context, p Payload) error
}

// LogTransport writes the payload to the log only. It backs transportless
// deployments and tests.
type LogTransport struct {
	logger zerolog.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Publish(_ context.Context, p Payload) error {
	t.logger.Warn().
		Str("event", "broadcast.log_only").
		Str("event_id", p.EventID).
		Str("trigger", p.Trigger).
		Str("severity", p.Severity).
		Msg("stop command broadcast (no transport configured)")
	return nil
}

// Multi fans a publish out to all child transports. Every child is attempted
// even when an earlier one fails; errors are counted per transport and
// joined.
type Multi struct {
	transports []Transport
	logger     zerolog.Logger
}

// NewMulti creates a fan-out transport over the given children.
func NewMulti(logger zerolog.Logger, transports ...Transport) *Multi {
	return &Multi{transports: transports, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Publish(ctx context.Context, p Payload) error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Publish(ctx, p); err != nil {
			metrics.IncBroadcastFailure(t.Name())
			m.logger.Error().
				Err(err).
				Str("event", "broadcast.publish_failed").
				Str("transport", t.Name()).
				Str("event_id", p.EventID).
				Msg("stop broadcast failed on transport")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Transports returns the child transports, for health checks.
func (m *Multi) Transports() []Transport {
	return m.transports
}
