package runstate_test

import (
	"testing"

	"github.com/brainrun/brains/event"
	"github.com/brainrun/brains/jsonpatch"
	"github.com/brainrun/brains/runstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldStateCounter(t *testing.T) {
	events := []event.Event{
		{Type: event.TypeStart},
		{
			Type:   event.TypeStepComplete,
			StepID: "step-1",
			Patch:  jsonpatch.Patch{{Op: jsonpatch.OpReplace, Path: "/count", Value: float64(1)}},
		},
		{Type: event.TypeComplete},
	}

	state, err := runstate.FoldState(map[string]any{"count": float64(0)}, events)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(1)}, state)
}

func TestFoldStateTwoSteps(t *testing.T) {
	events := []event.Event{
		{Type: event.TypeStart},
		{
			Type:   event.TypeStepComplete,
			StepID: "step-1",
			Patch:  jsonpatch.Patch{{Op: jsonpatch.OpReplace, Path: "/value", Value: "TEST"}},
		},
		{
			Type:   event.TypeStepComplete,
			StepID: "step-2",
			Patch:  jsonpatch.Patch{{Op: jsonpatch.OpReplace, Path: "/count", Value: float64(1)}},
		},
		{Type: event.TypeComplete},
	}

	state, err := runstate.FoldState(map[string]any{"value": "test", "count": float64(0)}, events)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "TEST", "count": float64(1)}, state)
}

func TestRegistrationMatches(t *testing.T) {
	r := runstate.Registration{Slug: "support-response", Identifier: "ticket-123"}
	assert.True(t, r.Matches("support-response", "ticket-123"))
	assert.False(t, r.Matches("support-response", "ticket-999"))
	assert.False(t, r.Matches("other-slug", "ticket-123"))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, runstate.StatusComplete.IsTerminal())
	assert.True(t, runstate.StatusError.IsTerminal())
	assert.True(t, runstate.StatusKilled.IsTerminal())
	assert.False(t, runstate.StatusRunning.IsTerminal())
	assert.False(t, runstate.StatusWaiting.IsTerminal())
	assert.False(t, runstate.StatusPaused.IsTerminal())
}
