// Package eventlog provides an in-process supervisor.EventLog
// implementation: a per-run, append-only slice of events guarded by a
// mutex. It is the default backing store for tests and single-process
// deployments; adapters/eventlog/mongo provides the durable alternative for
// multi-process deployments.
package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/brainrun/brains/event"
)

// Store is an in-memory, append-only event log keyed by run id. It
// satisfies supervisor.EventLog without importing that package, since the
// interface there is structural.
type Store struct {
	mu   sync.Mutex
	runs map[string][]event.Event
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: map[string][]event.Event{}}
}

// Append adds e to the tail of its run's log. It never mutates or removes a
// previously appended entry.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	if e.RunID == "" {
		return fmt.Errorf("eventlog: event has no run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
	return nil
}

// Load returns every event appended for runID, in append order. The
// returned slice is a copy; callers may not observe or cause mutation of
// the stored log through it.
func (s *Store) Load(ctx context.Context, runID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.runs[runID]
	out := make([]event.Event, len(src))
	copy(out, src)
	return out, nil
}
