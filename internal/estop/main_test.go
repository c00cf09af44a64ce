// SPDX-License-Identifier: MIT

package estop

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/fleetsafe/estopd/internal/broadcast"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock advances instantly on Sleep so confirmation waits and recovery
// steps run deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTransport records published payloads and optionally fails or panics.
type fakeTransport struct {
	mu       sync.Mutex
	payloads []broadcast.Payload
	err      error
	panics   bool
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Publish(_ context.Context, p broadcast.Payload) error {
	if t.panics {
		panic("transport exploded")
	}
	t.mu.Lock()
	t.payloads = append(t.payloads, p)
	t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) published() []broadcast.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]broadcast.Payload, len(t.payloads))
	copy(out, t.payloads)
	return out
}

// countingRecoveryHook counts successful-recovery notifications.
type countingRecoveryHook struct {
	mu    sync.Mutex
	count int
	ids   []string
}

func (h *countingRecoveryHook) Name() string { return "counting" }

func (h *countingRecoveryHook) OnRecovery(_ context.Context, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.ids = append(h.ids, eventID)
	return nil
}

func (h *countingRecoveryHook) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
