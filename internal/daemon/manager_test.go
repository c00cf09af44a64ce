// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewManager_RequiresAPIHandler(t *testing.T) {
	_, err := NewManager(Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestManager_StartAndShutdown(t *testing.T) {
	apiAddr := freeAddr(t)
	metricsAddr := freeAddr(t)
	m, err := NewManager(Config{
		ListenAddr:      apiAddr,
		MetricsAddr:     metricsAddr,
		ShutdownTimeout: 5 * time.Second,
	}, okHandler(), okHandler(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	waitForServer(t, apiAddr)
	waitForServer(t, metricsAddr)

	resp, err := http.Get(fmt.Sprintf("http://%s/", apiAddr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestManager_StartTwice(t *testing.T) {
	apiAddr := freeAddr(t)
	m, err := NewManager(Config{ListenAddr: apiAddr}, okHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForServer(t, apiAddr)

	assert.ErrorIs(t, m.Start(ctx), ErrAlreadyStarted)

	cancel()
	require.NoError(t, <-done)
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(Config{ListenAddr: ":0"}, okHandler(), nil, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrNotStarted)
}

func TestManager_HooksRunLIFO(t *testing.T) {
	apiAddr := freeAddr(t)
	m, err := NewManager(Config{
		ListenAddr:      apiAddr,
		ShutdownTimeout: 5 * time.Second,
	}, okHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", record("first"))
	m.RegisterShutdownHook("second", record("second"))
	m.RegisterShutdownHook("third", record("third"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForServer(t, apiAddr)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestManager_HookFailureDoesNotStopOthers(t *testing.T) {
	apiAddr := freeAddr(t)
	m, err := NewManager(Config{
		ListenAddr:      apiAddr,
		ShutdownTimeout: 5 * time.Second,
	}, okHandler(), nil, zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var ran []string
	m.RegisterShutdownHook("first", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, "first")
		return nil
	})
	m.RegisterShutdownHook("broken", func(context.Context) error {
		return errors.New("cleanup failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForServer(t, apiAddr)

	cancel()
	err = <-done
	require.Error(t, err)
	assert.ErrorContains(t, err, "hook broken")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, ran, "remaining hooks still run after a failure")
}
