// SPDX-License-Identifier: MIT

// Package journal durably records emergency episodes in a Badger key-value
// store so operators can audit stop/recovery history across restarts. It is
// wired into the controller as a stop-hook/recovery-hook pair.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/estop"
)

const eventPrefix = "event:"

// Episode is the persisted record of one emergency-stop episode.
type Episode struct {
	EventID     string     `json:"event_id"`
	Trigger     string     `json:"trigger"`
	Description string     `json:"description"`
	RobotID     string     `json:"robot_id,omitempty"`
	Severity    string     `json:"severity"`
	Timestamp   time.Time  `json:"timestamp"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
}

// Store is a Badger-backed episode journal.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the journal at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	logger.Info().Str("path", path).Msg("episode journal opened")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying store.
func (s *Store) Close() error { return s.db.Close() }

// RecordEpisode persists the episode keyed by its event ID.
func (s *Store) RecordEpisode(ep Episode) error {
	key := []byte(eventPrefix + ep.EventID)
	buf, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// MarkRecovered stamps the episode with its recovery time. Unknown event IDs
// are ignored; recovery of an unjournaled episode is not an error.
func (s *Store) MarkRecovered(eventID string, at time.Time) error {
	key := []byte(eventPrefix + eventID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var ep Episode
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ep)
		}); err != nil {
			return err
		}
		ep.RecoveredAt = &at
		buf, err := json.Marshal(ep)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

// Get looks up a single episode.
func (s *Store) Get(eventID string) (Episode, bool, error) {
	var ep Episode
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(eventPrefix + eventID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ep)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Episode{}, false, nil
	}
	if err != nil {
		return Episode{}, false, err
	}
	return ep, true, nil
}

// Recent returns up to n episodes ordered by timestamp descending.
func (s *Store) Recent(n int) ([]Episode, error) {
	var out []Episode
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(eventPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ep Episode
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ep)
			}); err != nil {
				return err
			}
			out = append(out, ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// HealthCheck reports whether the store is usable.
func (s *Store) HealthCheck(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("journal closed")
	}
	return nil
}

// Recorder bridges the journal into the controller's hook registry.
type Recorder struct {
	store  *Store
	logger zerolog.Logger
}

// NewRecorder returns hooks that persist every episode and recovery outcome.
func NewRecorder(store *Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Name() string { return "journal" }

// OnEmergencyStop implements estop.StopHook.
func (r *Recorder) OnEmergencyStop(_ context.Context, ev estop.Event) error {
	return r.store.RecordEpisode(Episode{
		EventID:     ev.ID,
		Trigger:     string(ev.Trigger),
		Description: ev.Description,
		RobotID:     ev.RobotID,
		Severity:    ev.Severity,
		Timestamp:   ev.Timestamp,
	})
}

// OnRecovery implements estop.RecoveryHook.
func (r *Recorder) OnRecovery(_ context.Context, eventID string) error {
	return r.store.MarkRecovered(eventID, time.Now())
}
