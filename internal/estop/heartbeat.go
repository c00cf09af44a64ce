// SPDX-License-Identifier: MIT

package estop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/metrics"
)

// LivenessFeed is an optional source of periodic "alive" signals from the
// controlled units.
type LivenessFeed interface {
	// LastSeen returns the time of the most recent alive signal. ok is
	// false while no signal has ever been received.
	LastSeen() (t time.Time, ok bool)
}

// Stopper is the controller surface the monitor needs to trigger a stop.
type Stopper interface {
	TriggerStop(ctx context.Context, trigger Trigger, description string, opts ...EventOption) string
	IsEmergencyActive() bool
}

// Monitor watches the liveness feed on a fixed interval and triggers an
// emergency stop with trigger kind communication_loss after MissLimit
// consecutive intervals without a fresh signal. The monitor arms on the
// first signal; with no feed configured, or before any signal arrives, the
// loop idles but still honors cancellation.
type Monitor struct {
	interval  time.Duration
	missLimit int
	feed      LivenessFeed
	stopper   Stopper
	clock     Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// MonitorOptions configures a heartbeat monitor.
type MonitorOptions struct {
	Interval  time.Duration
	MissLimit int
	Feed      LivenessFeed // optional
	Stopper   Stopper
	Clock     Clock // optional, defaults to the system clock
	Logger    zerolog.Logger
}

// NewMonitor builds a monitor. It does not start the loop.
func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Stopper == nil {
		return nil, fmt.Errorf("%w: stopper is required", ErrInitialization)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: heartbeat interval must be positive", ErrInitialization)
	}
	if opts.MissLimit < 1 {
		opts.MissLimit = 3
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	return &Monitor{
		interval:  opts.Interval,
		missLimit: opts.MissLimit,
		feed:      opts.Feed,
		stopper:   opts.Stopper,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Start launches the monitoring loop. It returns an error when already
// running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("heartbeat monitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.run(loopCtx)

	m.logger.Info().
		Dur("interval", m.interval).
		Int("miss_limit", m.missLimit).
		Bool("feed_configured", m.feed != nil).
		Msg("heartbeat monitor started")
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	misses := 0
	tripped := false
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("heartbeat monitor stopped")
			return
		case <-ticker.C:
		}

		if m.feed == nil {
			continue
		}

		last, seen := m.feed.LastSeen()
		if !seen {
			// Not armed until the first signal arrives; a daemon with
			// no units yet must not stop itself.
			continue
		}
		alive := m.clock.Now().Sub(last) <= m.interval
		if alive {
			if misses > 0 || tripped {
				m.logger.Info().
					Str("event", "heartbeat.recovered").
					Msg("liveness signal restored")
			}
			misses = 0
			tripped = false
			continue
		}

		misses++
		metrics.HeartbeatMissesTotal.Inc()
		m.logger.Warn().
			Str("event", "heartbeat.missed").
			Int("consecutive", misses).
			Int("miss_limit", m.missLimit).
			Msg("missed liveness interval")

		// Trigger once per loss episode; re-arm only after liveness
		// returns.
		if misses >= m.missLimit && !tripped {
			tripped = true
			if m.stopper.IsEmergencyActive() {
				continue
			}
			m.logger.Error().
				Str("event", "heartbeat.lost").
				Msg("liveness lost, triggering emergency stop")
			m.stopper.TriggerStop(ctx, TriggerCommunicationLoss,
				fmt.Sprintf("no liveness signal for %d consecutive intervals", misses))
		}
	}
}

// Stop cancels the loop and waits for it to exit, bounded by ctx. The loop
// stops before the next tick; the ticker is released on exit.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.started = false
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for heartbeat monitor: %w", ctx.Err())
	}
}

// FeedFunc adapts a function to the LivenessFeed interface.
type FeedFunc func() (time.Time, bool)

func (f FeedFunc) LastSeen() (time.Time, bool) { return f() }

// SignalFeed is a simple thread-safe LivenessFeed that collaborators feed by
// calling Signal whenever a unit reports alive.
type SignalFeed struct {
	mu   sync.Mutex
	last time.Time
	seen bool
}

// NewSignalFeed returns an empty feed.
func NewSignalFeed() *SignalFeed { return &SignalFeed{} }

// Signal records an alive signal at time t.
func (f *SignalFeed) Signal(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.After(f.last) {
		f.last = t
	}
	f.seen = true
}

// LastSeen implements LivenessFeed.
func (f *SignalFeed) LastSeen() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.seen
}
