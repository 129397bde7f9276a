package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/pkg/schema"
)

// runLoop drives one run under its lease until it reaches a terminal status,
// suspends, or parks. At-most-one writer per run ID: resumption racing an
// ongoing loop blocks here.
func (e *Engine) runLoop(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)

	lease := e.lease(runID)
	lease.Lock()
	defer lease.Unlock()

	rc, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		e.log.ErrorContext(ctx, "load checkpoint failed", logging.Err(err))
		return err
	}
	plan, err := e.plans.Get(ctx, rc.DefinitionID)
	if err != nil {
		return e.failRun(rc, err)
	}

	return e.drive(ctx, rc, plan)
}

// drive is the top-level interpretation loop: fetch step, dispatch, apply
// transition, checkpoint, advance.
func (e *Engine) drive(ctx context.Context, rc *schema.RunContext, plan *Plan) error {
	log := e.log.With(slog.String("definition_id", rc.DefinitionID))
	steps := 0

	for {
		if rc.Status != schema.RunStatusRunning {
			return nil
		}

		// Cancellation is observed at step boundaries only.
		if ctx.Err() != nil {
			return e.cancelRun(rc)
		}

		if rc.CurrentStepID == "" || rc.CurrentStepID == schema.End {
			if err := e.fsm.Transition(e.baseCtx, rc, schema.RunStatusCompleted); err != nil {
				return err
			}
			rc.CurrentStepID = ""
			rc.UpdatedAt = time.Now().UTC()
			if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
				log.ErrorContext(ctx, "checkpoint failed, halting run", logging.Err(err))
				return err
			}
			log.InfoContext(ctx, "run completed")
			return nil
		}

		steps++
		if steps > e.cfg.MaxSteps {
			return e.failRun(rc, schema.NewErrorf(schema.ErrCodeDefinition,
				"run exceeded the step limit of %d, likely a cycle without a terminal transition", e.cfg.MaxSteps))
		}

		step := plan.Step(rc.CurrentStepID)
		if step == nil {
			return e.failRun(rc, schema.NewErrorf(schema.ErrCodeDefinition,
				"current step %q not found in plan", rc.CurrentStepID).WithStep(rc.CurrentStepID))
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		log.DebugContext(stepCtx, "executing step", slog.String("type", string(step.Type)))
		outcome, err := e.executeTopLevel(stepCtx, rc, plan, step)
		if err != nil {
			if ctx.Err() != nil || schema.CodeOf(err) == schema.ErrCodeCancelled {
				return e.cancelRun(rc)
			}
			return e.failRun(rc, err)
		}
		if outcome.suspended || outcome.parked {
			// Checkpoint already saved by the handler.
			return nil
		}

		rc.CurrentStepID = outcome.next
		rc.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
			// Persistence failure halts forward progress on this run only.
			log.ErrorContext(stepCtx, "checkpoint failed, halting run", logging.Err(err))
			return err
		}
	}
}

// cancelRun marks the run cancelled at a step boundary.
func (e *Engine) cancelRun(rc *schema.RunContext) error {
	if err := e.fsm.Transition(e.baseCtx, rc, schema.RunStatusCancelled); err != nil {
		return err
	}
	rc.PendingHuman = nil
	rc.PendingWait = nil
	rc.LastError = schema.NewError(schema.ErrCodeCancelled, "run cancelled").Error()
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
		return err
	}
	e.log.Info("run cancelled", slog.String("run_id", rc.RunID))
	return nil
}

// failRun marks the run failed with the unrecoverable error recorded.
func (e *Engine) failRun(rc *schema.RunContext, cause error) error {
	if ferr := e.fsm.Transition(e.baseCtx, rc, schema.RunStatusFailed); ferr != nil {
		return ferr
	}
	rc.LastError = cause.Error()
	rc.PendingHuman = nil
	rc.PendingWait = nil
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
		return err
	}
	e.log.Error("run failed", slog.String("run_id", rc.RunID), logging.Err(cause))
	return nil
}

// withRetry runs fn under the step's retry policy (or the engine default),
// doubling the backoff per attempt. The attempt count for the step is
// tracked on the run context so it survives checkpoints.
func (e *Engine) withRetry(ctx context.Context, rc *schema.RunContext, stepID string, policy *schema.RetryPolicy, fn func(ctx context.Context) error) error {
	if policy == nil {
		policy = e.cfg.DefaultRetry
	}
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.appendEvent(ctx, rc.RunID, schema.EventStepRetrying, stepID,
				map[string]any{"attempt": attempt})
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-2)); err != nil {
				return schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").WithCause(err)
			}
		}
		rc.RetryCounts[stepID] = attempt

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !IsRetryableError(err) {
			return err
		}
	}

	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step %q failed after %d attempts: %s", stepID, maxAttempts, last.Error()).
		WithStep(stepID).
		WithCause(last)
}

// onWaitTimer resumes a run whose duration wait elapsed. Runs outside the
// drive loop, so it takes the lease itself.
func (e *Engine) onWaitTimer(runID, stepID string) {
	defer e.clearTimer(runID)

	lease := e.lease(runID)
	lease.Lock()

	ctx := e.baseCtx
	rc, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil || rc.Status != schema.RunStatusRunning ||
		rc.PendingWait == nil || rc.PendingWait.StepID != stepID {
		lease.Unlock()
		return
	}

	plan, perr := e.plans.Get(ctx, rc.DefinitionID)
	if perr != nil {
		_ = e.failRun(rc, perr)
		lease.Unlock()
		return
	}
	step := plan.Step(stepID)
	if step == nil || step.Wait == nil {
		_ = e.failRun(rc, schema.NewErrorf(schema.ErrCodeDefinition,
			"pending step %q not found in plan", stepID).WithStep(stepID))
		lease.Unlock()
		return
	}

	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    stepID,
		StartedAt: rc.UpdatedAt,
		EndedAt:   time.Now().UTC(),
		Outcome:   schema.OutcomeCompleted,
	})
	rc.PendingWait = nil
	rc.CurrentStepID = nextOr(step.Wait.Next)
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(ctx, rc); err != nil {
		e.log.Error("checkpoint failed after wait", slog.String("run_id", runID), logging.Err(err))
		lease.Unlock()
		return
	}
	e.appendEvent(ctx, runID, schema.EventWaitCompleted, stepID, nil)
	lease.Unlock()

	if err := e.launch(runID); err != nil {
		e.log.Error("relaunch after wait failed", slog.String("run_id", runID), logging.Err(err))
	}
}

// onHumanTimeout fails the pending HUMAN step after its declared timeout,
// feeding the step's critical/non-critical policy.
func (e *Engine) onHumanTimeout(runID, stepID string) {
	defer e.clearTimer(runID)

	lease := e.lease(runID)
	lease.Lock()

	ctx := e.baseCtx
	rc, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil || rc.Status != schema.RunStatusWaitingOnHuman ||
		rc.PendingHuman == nil || rc.PendingHuman.StepID != stepID {
		lease.Unlock()
		return
	}

	plan, perr := e.plans.Get(ctx, rc.DefinitionID)
	if perr != nil {
		_ = e.failRun(rc, perr)
		lease.Unlock()
		return
	}
	step := plan.Step(stepID)
	if step == nil || step.Human == nil {
		_ = e.failRun(rc, schema.NewErrorf(schema.ErrCodeDefinition,
			"pending step %q not found in plan", stepID).WithStep(stepID))
		lease.Unlock()
		return
	}

	timeoutErr := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"human step %q timed out after %s", stepID, step.Human.Timeout).WithStep(stepID)

	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    stepID,
		StartedAt: rc.PendingHuman.RequestedAt,
		EndedAt:   time.Now().UTC(),
		Outcome:   schema.OutcomeFailed,
		Error:     timeoutErr.Error(),
	})
	rc.PendingHuman = nil

	if step.Human.Critical {
		// A failed transition from waiting_on_human to failed is recorded
		// directly; failRun transitions from the current status.
		_ = e.failRun(rc, timeoutErr)
		lease.Unlock()
		return
	}

	rc.StepResults[step.ID] = failureResult(timeoutErr)
	rc.CurrentStepID = failureNext(step.Human.OnFailure, step.Human.Next)
	if err := e.fsm.Transition(ctx, rc, schema.RunStatusRunning); err != nil {
		_ = e.failRun(rc, err)
		lease.Unlock()
		return
	}
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(ctx, rc); err != nil {
		e.log.Error("checkpoint failed after human timeout", slog.String("run_id", runID), logging.Err(err))
		lease.Unlock()
		return
	}
	lease.Unlock()

	if err := e.launch(runID); err != nil {
		e.log.Error("relaunch after human timeout failed", slog.String("run_id", runID), logging.Err(err))
	}
}

func (e *Engine) armTimer(runID, stepID string, d time.Duration, counted bool, fire func(runID, stepID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[runID]; ok {
		t.t.Stop()
		if t.counted {
			e.markIdleLocked(runID)
		}
	}
	if counted {
		e.active[runID]++
	}
	timer := time.AfterFunc(d, func() { fire(runID, stepID) })
	e.timers[runID] = &runTimer{t: timer, counted: counted}
}

func (e *Engine) clearTimer(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[runID]
	if !ok {
		return
	}
	delete(e.timers, runID)
	if t.counted {
		e.markIdleLocked(runID)
	}
}

// failureResult is the recorded step result for a non-critical failure.
func failureResult(err error) map[string]any {
	return map[string]any{
		"status": "failed",
		"error":  err.Error(),
	}
}

// failureNext routes a non-critical failure: the declared on_failure
// transition, else the normal next.
func failureNext(onFailure, next string) string {
	if onFailure != "" {
		return onFailure
	}
	return nextOr(next)
}
