// SPDX-License-Identifier: MIT

package estop

import (
	"sort"
	"sync"
)

// EventLog is the append-only, time-ordered record of emergency episodes.
// Appends preserve arrival order; since trigger and append happen together,
// arrival order equals creation order.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewEventLog returns an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append records an event. O(1).
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Query returns events sorted by timestamp descending. A limit of 0 returns
// all events.
func (l *EventLog) Query(limit int) []Event {
	l.mu.RLock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Find looks up an event by ID.
func (l *EventLog) Find(id string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ev := range l.events {
		if ev.ID == id {
			return ev, true
		}
	}
	return Event{}, false
}

// Recent returns up to n of the most recently appended events, oldest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Len reports the number of logged events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
