package schema

import "time"

// RunContext is the mutable state of one workflow run. It is the unit of
// checkpointing: the engine persists it after every step boundary and an
// identical context must round-trip through the store.
type RunContext struct {
	RunID        string    `json:"run_id"`
	DefinitionID string    `json:"definition_id"`
	Status       RunStatus `json:"status"`

	// CurrentStepID is the next step to execute when the run is resumed.
	CurrentStepID string `json:"current_step_id,omitempty"`
	// ActiveStepIDs tracks in-flight branch heads while a PARALLEL step is
	// executing. Empty outside parallel regions.
	ActiveStepIDs []string `json:"active_step_ids,omitempty"`

	Variables   map[string]any `json:"variables,omitempty"`
	StepResults map[string]any `json:"step_results,omitempty"`
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`

	PendingHuman *PendingHuman `json:"pending_human,omitempty"`
	PendingWait  *PendingWait  `json:"pending_wait,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// HistoryEntry records one step execution attempt that reached an outcome.
type HistoryEntry struct {
	StepID    string      `json:"step_id"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Outcome   StepOutcome `json:"outcome"`
	Error     string      `json:"error,omitempty"`
}

// PendingHuman marks a run suspended on a HUMAN step. A response is accepted
// only when its run ID and step ID both match this record.
type PendingHuman struct {
	InterruptID string     `json:"interrupt_id"`
	StepID      string     `json:"step_id"`
	BindTo      string     `json:"bind_to"`
	Prompt      string     `json:"prompt"`
	Options     []string   `json:"options,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// PendingWait marks a run parked on a WAIT step, either until a wall-clock
// deadline or until a named event is delivered.
type PendingWait struct {
	StepID   string     `json:"step_id"`
	Event    string     `json:"event,omitempty"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

// NewRunContext initializes a run context in the running state with the
// definition's declared variables copied in.
func NewRunContext(runID, definitionID, entryStepID string, variables map[string]any) *RunContext {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	now := time.Now().UTC()
	return &RunContext{
		RunID:         runID,
		DefinitionID:  definitionID,
		Status:        RunStatusRunning,
		CurrentStepID: entryStepID,
		Variables:     vars,
		StepResults:   make(map[string]any),
		RetryCounts:   make(map[string]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of the run context. Branch executors work on
// clones so parent state is only mutated at the join barrier.
func (rc *RunContext) Clone() *RunContext {
	cp := *rc
	cp.Variables = cloneMap(rc.Variables)
	cp.StepResults = cloneMap(rc.StepResults)
	cp.RetryCounts = make(map[string]int, len(rc.RetryCounts))
	for k, v := range rc.RetryCounts {
		cp.RetryCounts[k] = v
	}
	cp.ActiveStepIDs = append([]string(nil), rc.ActiveStepIDs...)
	cp.History = append([]HistoryEntry(nil), rc.History...)
	if rc.PendingHuman != nil {
		ph := *rc.PendingHuman
		cp.PendingHuman = &ph
	}
	if rc.PendingWait != nil {
		pw := *rc.PendingWait
		cp.PendingWait = &pw
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunEvent is one entry in the append-only event log for a run.
type RunEvent struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
