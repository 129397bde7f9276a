package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newLibSQLTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQL_CheckpointRoundTrip(t *testing.T) {
	s := newLibSQLTestStore(t)
	ctx := context.Background()

	rc := sampleRun("r1")
	deadline := rc.CreatedAt.Add(time.Hour)
	rc.PendingHuman = &schema.PendingHuman{
		InterruptID: "i1", StepID: "approve", BindTo: "decision",
		Prompt: "ok?", Options: []string{"yes", "no"},
		RequestedAt: rc.CreatedAt, Deadline: &deadline,
	}
	rc.Status = schema.RunStatusWaitingOnHuman

	require.NoError(t, s.SaveCheckpoint(ctx, rc))
	got, err := s.LoadCheckpoint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rc.RunID, got.RunID)
	assert.Equal(t, rc.DefinitionID, got.DefinitionID)
	assert.Equal(t, rc.Status, got.Status)
	assert.Equal(t, rc.Variables, got.Variables)
	assert.Equal(t, rc.StepResults, got.StepResults)
	assert.Equal(t, rc.RetryCounts, got.RetryCounts)
	require.NotNil(t, got.PendingHuman)
	assert.Equal(t, "approve", got.PendingHuman.StepID)
	require.NotNil(t, got.PendingHuman.Deadline)
	assert.True(t, got.PendingHuman.Deadline.Equal(deadline))
	require.Len(t, got.History, 1)
	assert.Equal(t, schema.OutcomeCompleted, got.History[0].Outcome)
}

func TestLibSQL_CheckpointOverwritePreservesWaitColumns(t *testing.T) {
	s := newLibSQLTestStore(t)
	ctx := context.Background()

	rc := sampleRun("r1")
	resumeAt := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	rc.PendingWait = &schema.PendingWait{StepID: "hold", ResumeAt: &resumeAt}
	require.NoError(t, s.SaveCheckpoint(ctx, rc))

	got, err := s.LoadCheckpoint(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.PendingWait)
	assert.Equal(t, "hold", got.PendingWait.StepID)
	require.NotNil(t, got.PendingWait.ResumeAt)
	assert.True(t, got.PendingWait.ResumeAt.Equal(resumeAt))

	// Clearing the wait on a later save clears the indexed columns too.
	rc.PendingWait = nil
	rc.Status = schema.RunStatusCompleted
	require.NoError(t, s.SaveCheckpoint(ctx, rc))

	now := time.Now().UTC().Add(time.Hour)
	due, err := s.ListRuns(ctx, RunFilter{WaitDueBefore: &now})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestLibSQL_LoadMissingRun(t *testing.T) {
	s := newLibSQLTestStore(t)
	_, err := s.LoadCheckpoint(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestLibSQL_ListRunsFilters(t *testing.T) {
	s := newLibSQLTestStore(t)
	ctx := context.Background()

	r1 := sampleRun("r1")
	r2 := sampleRun("r2")
	r2.Status = schema.RunStatusCompleted
	r3 := sampleRun("r3")
	due := time.Now().UTC().Add(-time.Minute)
	r3.PendingWait = &schema.PendingWait{StepID: "hold", ResumeAt: &due}

	for _, rc := range []*schema.RunContext{r1, r2, r3} {
		require.NoError(t, s.SaveCheckpoint(ctx, rc))
	}

	running, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	byDef, err := s.ListRuns(ctx, RunFilter{DefinitionID: "wf-triage", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byDef, 2)

	now := time.Now().UTC()
	dueRuns, err := s.ListRuns(ctx, RunFilter{WaitDueBefore: &now})
	require.NoError(t, err)
	require.Len(t, dueRuns, 1)
	assert.Equal(t, "r3", dueRuns[0].RunID)
}

func TestLibSQL_DefinitionLifecycle(t *testing.T) {
	s := newLibSQLTestStore(t)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		ID:   "wf-triage",
		Name: "Ticket triage",
		Steps: map[string]*schema.Step{
			"fetch": {ID: "fetch", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "tickets", Instruction: "fetch open tickets", Next: schema.End,
			}},
		},
	}
	require.NoError(t, s.SaveDefinition(ctx, def))

	// Re-registration replaces the stored document.
	def.Name = "Ticket triage v2"
	require.NoError(t, s.SaveDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, "wf-triage")
	require.NoError(t, err)
	assert.Equal(t, "Ticket triage v2", got.Name)
	require.Contains(t, got.Steps, "fetch")
	assert.Equal(t, schema.StepTypeAction, got.Steps["fetch"].Type)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, s.DeleteDefinition(ctx, "wf-triage"))
	err = s.DeleteDefinition(ctx, "wf-triage")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestLibSQL_EventLogAppendOnly(t *testing.T) {
	s := newLibSQLTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &schema.RunEvent{
			RunID: "r1", Type: typ, StepID: "fetch",
			Payload:   map[string]any{"n": float64(1)},
			Timestamp: time.Now().UTC(),
		}))
	}

	events, err := s.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, "fetch", events[0].StepID)
	assert.Equal(t, map[string]any{"n": float64(1)}, events[0].Payload)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)

	tail, err := s.GetEvents(ctx, "r1", events[1].ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}
