package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func sampleRun(runID string) *schema.RunContext {
	rc := schema.NewRunContext(runID, "wf-triage", "fetch", map[string]any{"region": "emea"})
	rc.StepResults["fetch"] = map[string]any{"count": float64(3)}
	rc.RetryCounts["fetch"] = 1
	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    "fetch",
		StartedAt: rc.CreatedAt,
		EndedAt:   rc.CreatedAt.Add(time.Second),
		Outcome:   schema.OutcomeCompleted,
	})
	return rc
}

func TestMemoryStore_CheckpointRoundTrip(t *testing.T) {
	s := NewMemoryStore()
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
	assert.Equal(t, rc.Status, got.Status)
	assert.Equal(t, rc.StepResults, got.StepResults)
	assert.Equal(t, rc.RetryCounts, got.RetryCounts)
	require.NotNil(t, got.PendingHuman)
	assert.Equal(t, "approve", got.PendingHuman.StepID)
	require.Len(t, got.History, 1)
	assert.Equal(t, schema.OutcomeCompleted, got.History[0].Outcome)
}

func TestMemoryStore_LoadMissingRun(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LoadCheckpoint(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestMemoryStore_SaveOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rc := sampleRun("r1")
	require.NoError(t, s.SaveCheckpoint(ctx, rc))

	rc.Status = schema.RunStatusCompleted
	rc.CurrentStepID = ""
	require.NoError(t, s.SaveCheckpoint(ctx, rc))

	got, err := s.LoadCheckpoint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
}

func TestMemoryStore_ListRunsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	r1 := sampleRun("r1")
	r2 := sampleRun("r2")
	r2.Status = schema.RunStatusCompleted
	r3 := sampleRun("r3")
	due := time.Now().Add(-time.Minute)
	r3.PendingWait = &schema.PendingWait{StepID: "hold", ResumeAt: &due}

	for _, rc := range []*schema.RunContext{r1, r2, r3} {
		require.NoError(t, s.SaveCheckpoint(ctx, rc))
	}

	running, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	now := time.Now()
	dueRuns, err := s.ListRuns(ctx, RunFilter{WaitDueBefore: &now})
	require.NoError(t, err)
	require.Len(t, dueRuns, 1)
	assert.Equal(t, "r3", dueRuns[0].RunID)
}

func TestMemoryStore_DefinitionLifecycle(t *testing.T) {
	s := NewMemoryStore()
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

	got, err := s.GetDefinition(ctx, "wf-triage")
	require.NoError(t, err)
	assert.Equal(t, "Ticket triage", got.Name)
	require.Contains(t, got.Steps, "fetch")
	assert.Equal(t, schema.StepTypeAction, got.Steps["fetch"].Type)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, s.DeleteDefinition(ctx, "wf-triage"))
	_, err = s.GetDefinition(ctx, "wf-triage")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestMemoryStore_EventLogAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, typ := range []string{schema.EventRunStarted, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &schema.RunEvent{RunID: "r1", Type: typ, Timestamp: time.Now()}))
	}

	events, err := s.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)

	tail, err := s.GetEvents(ctx, "r1", events[1].ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- comment only
CREATE TABLE a (id TEXT);
-- another
CREATE INDEX i ON a(id);
`)
	assert.Len(t, stmts, 2)
}
