// SPDX-License-Identifier: MIT

package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsafe/estopd/internal/estop"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func sampleEpisode(id string, ts time.Time) Episode {
	return Episode{
		EventID:     id,
		Trigger:     "manual",
		Description: "test stop",
		Severity:    "critical",
		Timestamp:   ts,
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	store := openTestStore(t)
	ep := sampleEpisode("estop_1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, store.RecordEpisode(ep))

	got, found, err := store.Get("estop_1")
	require.NoError(t, err)
	require.True(t, found)
	if diff := cmp.Diff(ep, got); diff != "" {
		t.Errorf("episode mismatch (-want +got):\n%s", diff)
	}

	_, found, err = store.Get("estop_missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_MarkRecovered(t *testing.T) {
	store := openTestStore(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordEpisode(sampleEpisode("estop_1", ts)))

	recoveredAt := ts.Add(time.Minute)
	require.NoError(t, store.MarkRecovered("estop_1", recoveredAt))

	got, found, err := store.Get("estop_1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.RecoveredAt)
	assert.True(t, got.RecoveredAt.Equal(recoveredAt))
}

func TestStore_MarkRecoveredUnknownID(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.MarkRecovered("estop_unknown", time.Now()))
}

func TestStore_Recent(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ep := sampleEpisode(
			"estop_"+string(rune('a'+i)),
			base.Add(time.Duration(i)*time.Minute),
		)
		require.NoError(t, store.RecordEpisode(ep))
	}

	recent, err := store.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "estop_e", recent[0].EventID)
	assert.Equal(t, "estop_d", recent[1].EventID)
	assert.Equal(t, "estop_c", recent[2].EventID)

	all, err := store.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_HealthCheck(t *testing.T) {
	store, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.HealthCheck(context.Background()))
	require.NoError(t, store.Close())
	assert.Error(t, store.HealthCheck(context.Background()))
}

func TestRecorder_Hooks(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store, zerolog.Nop())
	assert.Equal(t, "journal", rec.Name())

	ev := estop.Event{
		ID:          "estop_1",
		Trigger:     estop.TriggerHardwareFault,
		Description: "axis fault",
		RobotID:     "unit-7",
		Severity:    "critical",
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, rec.OnEmergencyStop(context.Background(), ev))

	got, found, err := store.Get("estop_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hardware_fault", got.Trigger)
	assert.Equal(t, "unit-7", got.RobotID)
	assert.Nil(t, got.RecoveredAt)

	require.NoError(t, rec.OnRecovery(context.Background(), "estop_1"))
	got, _, err = store.Get("estop_1")
	require.NoError(t, err)
	assert.NotNil(t, got.RecoveredAt)
}

func TestSnapshotWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "estop.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	w := NewSnapshotWriter(path)

	snap := map[string]any{"state": "normal", "recovery_in_progress": false}
	require.NoError(t, w.Write(snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// A second write replaces the file in place.
	snap["state"] = "stopped"
	require.NoError(t, w.Write(snap))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "stopped", got["state"])
}
