// Package runstate holds the data model for a run's identity and the
// reconstructable state derived from its event log: Run, Step, Registration,
// and FoldState.
package runstate

import (
	"fmt"
	"time"

	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/jsonpatch"
)

// Status is one of the states a Run can be in.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusWaiting  Status = "WAITING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
	StatusKilled   Status = "KILLED"
)

// IsTerminal reports whether s is one of the run-ending statuses.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusKilled
}

// Run is the identity of one execution of one brain.
type Run struct {
	ID          string
	BrainTitle  string
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
	Options     map[string]any
}

// Step is one block instance in the graph, observed via the event log.
// Ids are generated on first observation (STEP_STATUS) and preserved across
// resumes; steps are created when the graph is instantiated and never
// reordered.
type Step struct {
	ID     string
	Kind   event.StepKind
	Title  string
	Status event.StepStatus
}

// Registration is a webhook wait a WAITING run holds: a (slug, identifier)
// pair plus the schema the delivered payload must conform to. A run may
// hold more than one simultaneously; the first inbound webhook
// matching any held registration delivers and resumes the run, and any
// remaining registrations are cleared along with it.
type Registration struct {
	ID         string
	Slug       string
	Identifier string
	Schema     any
	Deadline   *time.Time
}

// Matches reports whether an inbound (slug, identifier) pair satisfies this
// registration.
func (r Registration) Matches(slug, identifier string) bool {
	return r.Slug == slug && r.Identifier == identifier
}

// FoldState computes the authoritative state: ∅ plus every STEP_COMPLETE
// patch applied in the order the events were produced, optionally seeded
// with an initial-state override supplied when the run was started.
func FoldState(initial map[string]any, events []event.Event) (map[string]any, error) {
	state := map[string]any{}
	if initial != nil {
		state = cloneMap(initial)
	}
	for _, e := range events {
		if e.Type != event.TypeStepComplete || e.Patch.IsEmpty() {
			continue
		}
		applied, err := jsonpatch.Apply(state, e.Patch)
		if err != nil {
			return nil, fmt.Errorf("runstate: apply patch for step %s: %w", e.StepID, err)
		}
		next, ok := applied.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("runstate: patch for step %s produced a non-object state", e.StepID)
		}
		state = next
	}
	return state, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
