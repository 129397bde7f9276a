package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	resumed []string
}

func (f *fakeRunner) StartRun(_ context.Context, definitionID string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, definitionID)
	return "run-" + definitionID, nil
}

func (f *fakeRunner) Resume(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, runID)
	return nil
}

func saveDef(t *testing.T, st store.Store, id string, triggers ...schema.Trigger) {
	t.Helper()
	err := st.SaveDefinition(context.Background(), &schema.WorkflowDefinition{
		ID:       id,
		Triggers: triggers,
		Steps: map[string]*schema.Step{
			"go": {ID: "go", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "c", Instruction: "x", Next: schema.End,
			}},
		},
	})
	require.NoError(t, err)
}

func TestScheduler_TickStartsDueCronTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, time.Minute, nil)

	saveDef(t, st, "nightly", schema.Trigger{Cron: "* * * * *"})
	saveDef(t, st, "phrase_only", schema.Trigger{Phrase: "run it"})

	now := time.Now().UTC()
	s.tick(context.Background(), now.Add(-2*time.Minute), now)

	assert.Equal(t, []string{"nightly"}, runner.started)
}

func TestScheduler_TickSkipsNotDueTriggers(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, time.Minute, nil)

	// Fires on the first minute of the year only.
	saveDef(t, st, "rare", schema.Trigger{Cron: "0 0 1 1 *"})

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	s.tick(context.Background(), now.Add(-time.Minute), now)

	assert.Empty(t, runner.started)
}

func TestScheduler_BadCronExpressionTolerated(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, time.Minute, nil)

	saveDef(t, st, "broken", schema.Trigger{Cron: "not a cron"})
	saveDef(t, st, "fine", schema.Trigger{Cron: "* * * * *"})

	now := time.Now().UTC()
	s.tick(context.Background(), now.Add(-2*time.Minute), now)

	// The broken trigger is skipped, the valid one still fires.
	assert.Equal(t, []string{"fine"}, runner.started)
}

func TestScheduler_DueBetween(t *testing.T) {
	s := New(store.NewMemoryStore(), &fakeRunner{}, time.Minute, nil)

	base := time.Date(2026, 6, 15, 9, 0, 30, 0, time.UTC)

	due, err := s.dueBetween("* * * * *", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, due)

	due, err = s.dueBetween("0 12 * * *", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, due)

	_, err = s.dueBetween("nope", base, base.Add(time.Minute))
	assert.Error(t, err)
}

func TestScheduler_RecoverResumesNonTerminalRuns(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := New(st, runner, time.Minute, nil)
	ctx := context.Background()

	running := schema.NewRunContext("r-running", "wf", "go", nil)
	waiting := schema.NewRunContext("r-waiting", "wf", "ask", nil)
	waiting.Status = schema.RunStatusWaitingOnHuman
	finished := schema.NewRunContext("r-done", "wf", "", nil)
	finished.Status = schema.RunStatusCompleted

	for _, rc := range []*schema.RunContext{running, waiting, finished} {
		require.NoError(t, st.SaveCheckpoint(ctx, rc))
	}

	require.NoError(t, s.Recover(ctx))
	assert.ElementsMatch(t, []string{"r-running", "r-waiting"}, runner.resumed)
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(store.NewMemoryStore(), &fakeRunner{}, 10*time.Millisecond, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()

	// Restartable after Stop.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
