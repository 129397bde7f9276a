package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventInterruptRequested = "interrupt_requested"
	EventInterruptResolved  = "interrupt_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventIterationStarted   = "iteration_started"
	EventIterationCompleted = "iteration_completed"
	EventParallelStarted    = "parallel_started"
	EventParallelJoined     = "parallel_joined"
	EventWaitStarted        = "wait_started"
	EventWaitCompleted      = "wait_completed"
	EventExternalEvent      = "external_event"

	EventCircuitOpen     = "circuit_open"
	EventCircuitHalfOpen = "circuit_half_open"
	EventCircuitClosed   = "circuit_closed"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusWaitingOnHuman RunStatus = "waiting_on_human"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepOutcome is the recorded result of one step execution in run history.
type StepOutcome string

const (
	OutcomeCompleted StepOutcome = "completed"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeSuspended StepOutcome = "suspended"
	OutcomeSkipped   StepOutcome = "skipped"
)
