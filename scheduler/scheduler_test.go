package scheduler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/graph"
	"github.com/brainrun/brains/runstate"
	"github.com/brainrun/brains/scheduler"
	"github.com/brainrun/brains/stream"
	"github.com/brainrun/brains/supervisor"
)

func counterBlocks() []graph.Block {
	return []graph.Block{
		graph.Step("increment", func(ctx context.Context, in graph.StepInput) (graph.StepOutput, error) {
			count, _ := in.State["count"].(float64)
			return graph.StepOutput{State: map[string]any{"count": count + 1}}, nil
		}),
	}
}

type recordingStarter struct {
	mu    sync.Mutex
	calls []supervisor.RunParams
}

func (s *recordingStarter) Start(ctx context.Context, p supervisor.RunParams) (stream.Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	s.mu.Unlock()
	return stream.Outcome{Status: runstate.StatusComplete}, nil
}

func TestCreateRegistrationRejectsBadCronExpression(t *testing.T) {
	source := func(title string) ([]graph.Block, bool) { return counterBlocks(), true }
	sched := scheduler.New(source, &recordingStarter{}, nil)
	defer sched.Stop()

	_, err := sched.CreateRegistration("Counter", "not a cron expr", "")
	assert.Error(t, err)
}

func TestCreateRegistrationValidatesAndStoresRegistration(t *testing.T) {
	source := func(title string) ([]graph.Block, bool) { return counterBlocks(), true }
	starter := &recordingStarter{}
	sched := scheduler.New(source, starter, nil)
	defer sched.Stop()

	reg, err := sched.CreateRegistration("Counter", "* * * * * *", "UTC")
	// Standard 5-field cron has no seconds field; an invalid 6-field spec
	// must be rejected rather than silently accepted.
	if err == nil {
		t.Fatalf("expected 5-field validation to reject 6-field expression, got registration %+v", reg)
	}

	reg, err = sched.CreateRegistration("Counter", "* * * * *", "UTC")
	require.NoError(t, err)
	assert.True(t, reg.Enabled)
	assert.NotEmpty(t, reg.ID)

	got := sched.ListRegistrations()
	require.Len(t, got, 1)
	assert.Equal(t, "Counter", got[0].BrainTitle)
}

func TestSetEnabledDisablesFiring(t *testing.T) {
	source := func(title string) ([]graph.Block, bool) { return counterBlocks(), true }
	starter := &recordingStarter{}
	sched := scheduler.New(source, starter, nil)
	defer sched.Stop()

	reg, err := sched.CreateRegistration("Counter", "* * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, sched.SetEnabled(reg.ID, false))

	got, ok := sched.GetRegistration(reg.ID)
	require.True(t, ok)
	assert.False(t, got.Enabled)
}

func TestDeleteRegistrationRemovesIt(t *testing.T) {
	source := func(title string) ([]graph.Block, bool) { return counterBlocks(), true }
	sched := scheduler.New(source, &recordingStarter{}, nil)
	defer sched.Stop()

	reg, err := sched.CreateRegistration("Counter", "* * * * *", "UTC")
	require.NoError(t, err)
	require.NoError(t, sched.DeleteRegistration(reg.ID))

	_, ok := sched.GetRegistration(reg.ID)
	assert.False(t, ok)
	assert.Error(t, sched.DeleteRegistration(reg.ID))
}

func TestSetDefaultTimezoneValidates(t *testing.T) {
	sched := scheduler.New(nil, &recordingStarter{}, nil)
	defer sched.Stop()

	assert.Error(t, sched.SetDefaultTimezone("Nowhere/Imaginary"))
	require.NoError(t, sched.SetDefaultTimezone("America/New_York"))
	assert.Equal(t, "America/New_York", sched.DefaultTimezone())
}

type recordingResumer struct {
	mu      sync.Mutex
	calls   int
	lastRun string
	lastRsp map[string]any
}

func (r *recordingResumer) Resume(ctx context.Context, p supervisor.RunParams, webhookResponse map[string]any, timedOut bool) (stream.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastRun = p.RunID
	r.lastRsp = webhookResponse
	return stream.Outcome{Status: runstate.StatusComplete}, nil
}

func TestWebhookRouterUnknownSlugErrors(t *testing.T) {
	router := scheduler.NewWebhookRouter(&recordingResumer{})
	_, err := router.Route(context.Background(), "nonexistent", nil, nil)
	var unknown *scheduler.ErrUnknownSlug
	assert.ErrorAs(t, err, &unknown)
}

func TestWebhookRouterVerificationChallenge(t *testing.T) {
	resumer := &recordingResumer{}
	router := scheduler.NewWebhookRouter(resumer)
	router.RegisterHandler("slack", func(ctx context.Context, payload map[string]any, query map[string]string) (scheduler.HandlerResult, error) {
		return scheduler.HandlerResult{Type: scheduler.HandlerVerification, Challenge: payload["challenge"].(string)}, nil
	})

	result, err := router.Route(context.Background(), "slack", map[string]any{"challenge": "abc123"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "verified", result.Action)
	assert.Equal(t, "abc123", result.Challenge)
	assert.Equal(t, 0, resumer.calls)
}

func TestWebhookRouterNoMatchIsIdempotent(t *testing.T) {
	resumer := &recordingResumer{}
	router := scheduler.NewWebhookRouter(resumer)
	router.RegisterHandler("support", func(ctx context.Context, payload map[string]any, query map[string]string) (scheduler.HandlerResult, error) {
		return scheduler.HandlerResult{Type: scheduler.HandlerWebhook, Identifier: query["identifier"], Response: payload}, nil
	})

	result, err := router.Route(context.Background(), "support", map[string]any{"approved": true}, map[string]string{"identifier": "ticket-999"})
	require.NoError(t, err)
	assert.Equal(t, "no-match", result.Action)
	assert.True(t, result.Received)
	assert.Equal(t, 0, resumer.calls)
}

func TestWebhookRouterMatchResumesAndClearsRegistrations(t *testing.T) {
	resumer := &recordingResumer{}
	router := scheduler.NewWebhookRouter(resumer)
	router.RegisterHandler("support", func(ctx context.Context, payload map[string]any, query map[string]string) (scheduler.HandlerResult, error) {
		return scheduler.HandlerResult{Type: scheduler.HandlerWebhook, Identifier: query["identifier"], Response: payload}, nil
	})

	blocks := counterBlocks()
	router.Track(supervisor.RunParams{RunID: "run-1", Blocks: blocks}, []runstate.Registration{
		{ID: "reg-1", Slug: "support", Identifier: "ticket-1"},
		{ID: "reg-2", Slug: "billing", Identifier: "invoice-9"},
	})

	result, err := router.Route(context.Background(), "support", map[string]any{"approved": true}, map[string]string{"identifier": "ticket-1"})
	require.NoError(t, err)
	assert.Equal(t, "resumed", result.Action)
	assert.Equal(t, 1, resumer.calls)
	assert.Equal(t, "run-1", resumer.lastRun)
	assert.Equal(t, true, resumer.lastRsp["approved"])

	// A second, unrelated delivery against the same (now untracked) run must
	// report no-match rather than resuming it again.
	result, err = router.Route(context.Background(), "support", map[string]any{"approved": false}, map[string]string{"identifier": "ticket-1"})
	require.NoError(t, err)
	assert.Equal(t, "no-match", result.Action)
	assert.Equal(t, 1, resumer.calls)
}
