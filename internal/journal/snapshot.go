// SPDX-License-Identifier: MIT

package journal

import (
	"encoding/json"
	"fmt"

	"github.com/google/renameio/v2"
)

// SnapshotWriter atomically publishes the latest controller state snapshot
// to a JSON file consumed by operational tooling. renameio guarantees
// readers never observe a partially written file.
type SnapshotWriter struct {
	path string
}

// NewSnapshotWriter creates a writer targeting path.
func NewSnapshotWriter(path string) *SnapshotWriter {
	return &SnapshotWriter{path: path}
}

// Write serialises snap and replaces the state file atomically.
func (w *SnapshotWriter) Write(snap any) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := renameio.WriteFile(w.path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
