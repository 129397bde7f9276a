package engine

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/resolve"
	"github.com/loomworks/loom/pkg/schema"
)

// stepOutcome is the result of executing one step: where the run goes next,
// or that it suspended (HUMAN) or parked (WAIT).
type stepOutcome struct {
	next      string
	suspended bool
	parked    bool
}

// executeTopLevel dispatches a step at the top level of a run, where
// suspension and parking are allowed.
func (e *Engine) executeTopLevel(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step) (stepOutcome, error) {
	started := time.Now().UTC()
	e.appendEvent(ctx, rc.RunID, schema.EventStepStarted, step.ID, nil)

	switch step.Type {
	case schema.StepTypeWait:
		return e.parkOnWait(ctx, rc, step, started)
	case schema.StepTypeHuman:
		return e.suspendOnHuman(ctx, rc, plan, step, started)
	default:
		return e.executeStep(ctx, rc, plan, step, nil, started)
	}
}

// executeStep dispatches the step kinds that are legal both at the top level
// and inside branches or iteration bodies. extra is the iteration-local
// scope layer, nil outside FOR_EACH bodies.
func (e *Engine) executeStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	switch step.Type {
	case schema.StepTypeAction:
		return e.runActionStep(ctx, rc, plan, step, extra, started)
	case schema.StepTypeCondition:
		return e.runConditionStep(ctx, rc, plan, step, extra, started)
	case schema.StepTypeSwitch:
		return e.runSwitchStep(ctx, rc, plan, step, extra, started)
	case schema.StepTypeParallel:
		return e.runParallelStep(ctx, rc, plan, step, extra, started)
	case schema.StepTypeForEach:
		return e.runForEachStep(ctx, rc, plan, step, extra, started)
	case schema.StepTypeWait:
		// Inside a region only duration waits exist; they block in place.
		d, err := time.ParseDuration(step.Wait.Duration)
		if err == nil {
			err = WaitForBackoff(ctx, d)
		}
		if err != nil {
			return stepOutcome{}, schema.NewError(schema.ErrCodeCancelled, "wait interrupted").WithStep(step.ID).WithCause(err)
		}
		e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")
		return stepOutcome{next: nextOr(step.Wait.Next)}, nil
	default:
		return stepOutcome{}, schema.NewErrorf(schema.ErrCodeDefinition,
			"step %q of type %q cannot execute here", step.ID, step.Type).WithStep(step.ID)
	}
}

func (e *Engine) scopeFor(rc *schema.RunContext, plan *Plan, extra map[string]any) *resolve.Scope {
	scope := resolve.ScopeFrom(rc, plan.Defaults)
	if extra != nil {
		scope = scope.WithExtra(extra)
	}
	return scope
}

func runMeta(rc *schema.RunContext) map[string]any {
	return map[string]any{
		"run_id":        rc.RunID,
		"definition_id": rc.DefinitionID,
	}
}

// --- ACTION ---

func (e *Engine) runActionStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	a := step.Action

	var value any
	err := e.withRetry(ctx, rc, step.ID, a.Retry, func(ctx context.Context) error {
		v, err := e.invokeCapability(ctx, rc, plan, step, extra)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return e.settleFailure(ctx, rc, step.ID, a.Critical, a.OnFailure, a.Next, started, err)
	}

	rc.StepResults[step.ID] = value
	e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")
	e.appendEvent(ctx, rc.RunID, schema.EventStepCompleted, step.ID, nil)
	return stepOutcome{next: nextOr(a.Next)}, nil
}

// invokeCapability resolves the instruction, consults the capability's
// circuit breaker, calls the agent, and applies the optional result_path.
func (e *Engine) invokeCapability(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any) (any, error) {
	a := step.Action
	scope := e.scopeFor(rc, plan, extra)

	instruction, err := resolve.ResolveString(a.Instruction, scope)
	if err != nil {
		return nil, err
	}

	if err := e.breakers.AllowRequest(a.Capability); err != nil {
		return nil, err
	}

	meta := runMeta(rc)
	meta["step_id"] = step.ID

	res, err := e.agents.Invoke(ctx, a.Capability, instruction, meta)
	if err != nil {
		e.breakers.RecordFailure(a.Capability)
		if schema.CodeOf(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeAgent,
				"invoke capability %q: %s", a.Capability, err.Error()).WithStep(step.ID).WithCause(err)
		}
		return nil, err
	}
	if !res.OK() {
		e.breakers.RecordFailure(a.Capability)
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"capability %q reported failure: %s", a.Capability, res.ErrorMessage).
			WithStep(step.ID).
			WithDetails(map[string]any{"capability": a.Capability})
	}
	e.breakers.RecordSuccess(a.Capability)

	var value any = res.Payload
	if a.ResultPath != "" {
		value, err = e.jq.Evaluate(ctx, a.ResultPath, res.Payload)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// --- CONDITION ---

func (e *Engine) runConditionStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	c := step.Condition
	scope := e.scopeFor(rc, plan, extra)

	var result bool
	err := e.withRetry(ctx, rc, step.ID, nil, func(ctx context.Context) error {
		b, err := e.cond.Evaluate(ctx, c, scope, runMeta(rc))
		if err != nil {
			return err
		}
		result = b
		return nil
	})
	if err != nil {
		// Conditions have no failure route; an unevaluable condition fails
		// the run (or the enclosing region).
		e.recordHistory(rc, step.ID, started, schema.OutcomeFailed, err.Error())
		e.appendEvent(ctx, rc.RunID, schema.EventStepFailed, step.ID, nil)
		return stepOutcome{}, err
	}

	e.appendEvent(ctx, rc.RunID, schema.EventConditionEvaluated, step.ID, map[string]any{"result": result})
	e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")

	if result {
		return stepOutcome{next: nextOr(c.TrueNext)}, nil
	}
	return stepOutcome{next: nextOr(c.FalseNext)}, nil
}

// --- SWITCH ---

func (e *Engine) runSwitchStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	sw := step.Switch
	scope := e.scopeFor(rc, plan, extra)

	var key string
	err := e.withRetry(ctx, rc, step.ID, nil, func(ctx context.Context) error {
		k, err := resolve.ResolveString(sw.Key, scope)
		if err != nil {
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		e.recordHistory(rc, step.ID, started, schema.OutcomeFailed, err.Error())
		e.appendEvent(ctx, rc.RunID, schema.EventStepFailed, step.ID, nil)
		return stepOutcome{}, err
	}

	target, ok := sw.Cases[key]
	if !ok {
		target = sw.Default
	}
	e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")
	return stepOutcome{next: nextOr(target)}, nil
}

// --- PARALLEL ---

func (e *Engine) runParallelStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	p := step.Parallel
	e.appendEvent(ctx, rc.RunID, schema.EventParallelStarted, step.ID, map[string]any{"branches": p.Branches})
	rc.ActiveStepIDs = append([]string(nil), p.Branches...)

	type branchOut struct {
		id      string
		results map[string]any
		err     error
	}
	outs := make([]branchOut, len(p.Branches))

	// Branches get their own goroutines, not pool slots: the parent run loop
	// already holds one, and blocking in Submit while holding it deadlocks
	// the join once the pool fills.
	var wg sync.WaitGroup
	for i, branchID := range p.Branches {
		i, branchID := i, branchID
		branchRC := rc.Clone()
		branchRC.CurrentStepID = branchID

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outs[i] = branchOut{id: branchID, err: schema.NewErrorf(schema.ErrCodeAgent,
						"branch %q panicked: %v", branchID, r).WithStep(branchID)}
				}
			}()
			results, err := e.runRegion(ctx, branchRC, plan, extra)
			outs[i] = branchOut{id: branchID, results: results, err: err}
		}()
	}

	// Join barrier: every branch finishes before the run advances,
	// regardless of completion order.
	wg.Wait()
	rc.ActiveStepIDs = nil

	for _, out := range outs {
		if out.err == nil {
			continue
		}
		if containsStr(p.BestEffort, out.id) {
			// Best-effort branch failures are recorded, not fatal.
			rc.StepResults[out.id] = failureResult(out.err)
			continue
		}
		e.recordHistory(rc, step.ID, started, schema.OutcomeFailed, out.err.Error())
		e.appendEvent(ctx, rc.RunID, schema.EventStepFailed, step.ID, nil)
		return stepOutcome{}, out.err
	}

	// Merge branch results into the parent under the branch steps' own IDs.
	for _, out := range outs {
		if out.err != nil {
			continue
		}
		for k, v := range resultsDelta(rc.StepResults, out.results) {
			rc.StepResults[k] = v
		}
	}

	e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")
	e.appendEvent(ctx, rc.RunID, schema.EventParallelJoined, step.ID, nil)
	return stepOutcome{next: nextOr(p.Join)}, nil
}

// runRegion drives a branch or iteration body on a cloned run context until
// the terminal marker, without checkpointing. Returns the region's step
// results.
func (e *Engine) runRegion(ctx context.Context, rc *schema.RunContext, plan *Plan, extra map[string]any) (map[string]any, error) {
	steps := 0
	for {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "region cancelled").WithCause(ctx.Err())
		}
		cur := rc.CurrentStepID
		if cur == "" || cur == schema.End {
			return rc.StepResults, nil
		}
		steps++
		if steps > e.cfg.MaxSteps {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"region exceeded the step limit of %d", e.cfg.MaxSteps)
		}
		step := plan.Step(cur)
		if step == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"step %q not found in plan", cur).WithStep(cur)
		}
		out, err := e.executeStep(ctx, rc, plan, step, extra, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		rc.CurrentStepID = out.next
	}
}

// --- FOR_EACH ---

func (e *Engine) runForEachStep(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, extra map[string]any, started time.Time) (stepOutcome, error) {
	fe := step.ForEach
	scope := e.scopeFor(rc, plan, extra)

	var items []any
	err := e.withRetry(ctx, rc, step.ID, fe.Retry, func(ctx context.Context) error {
		var val any
		var err error
		if fe.Source != "" {
			val, err = resolve.ResolveValue(fe.Source, scope)
		} else {
			val, err = e.exprEng.Evaluate(ctx, fe.SourceExpr, scope.Flatten())
		}
		if err != nil {
			return err
		}
		list, err := toItems(step.ID, val)
		if err != nil {
			return err
		}
		items = list
		return nil
	})
	if err != nil {
		return e.settleFailure(ctx, rc, step.ID, fe.Critical, fe.OnFailure, fe.Next, started, err)
	}

	// Iterations run sequentially, in collection order.
	aggregate := make([]any, 0, len(items))
	for i, item := range items {
		iterExtra := map[string]any{fe.ItemVar: item, "index": i}
		for k, v := range extra {
			if _, shadowed := iterExtra[k]; !shadowed {
				iterExtra[k] = v
			}
		}
		e.appendEvent(ctx, rc.RunID, schema.EventIterationStarted, step.ID, map[string]any{"index": i})

		var iterResults map[string]any
		iterErr := e.withRetry(ctx, rc, step.ID, fe.Retry, func(ctx context.Context) error {
			iterRC := rc.Clone()
			iterRC.CurrentStepID = fe.Body
			results, err := e.runRegion(ctx, iterRC, plan, iterExtra)
			if err != nil {
				return err
			}
			iterResults = results
			return nil
		})
		if iterErr != nil {
			if fe.Critical {
				e.recordHistory(rc, step.ID, started, schema.OutcomeFailed, iterErr.Error())
				e.appendEvent(ctx, rc.RunID, schema.EventStepFailed, step.ID, map[string]any{"index": i})
				return stepOutcome{}, iterErr
			}
			aggregate = append(aggregate, map[string]any{
				"index":  i,
				"status": "failed",
				"error":  iterErr.Error(),
			})
			continue
		}

		aggregate = append(aggregate, map[string]any{
			"index":   i,
			"status":  "completed",
			"results": resultsDelta(rc.StepResults, iterResults),
		})
		e.appendEvent(ctx, rc.RunID, schema.EventIterationCompleted, step.ID, map[string]any{"index": i})
	}

	rc.StepResults[step.ID] = aggregate
	e.recordHistory(rc, step.ID, started, schema.OutcomeCompleted, "")
	e.appendEvent(ctx, rc.RunID, schema.EventStepCompleted, step.ID, nil)
	return stepOutcome{next: nextOr(fe.Next)}, nil
}

// toItems coerces the resolved source into an iterable slice. Maps iterate
// over values in key order is NOT guaranteed, so maps are rejected; the
// definition should shape them into a list first.
func toItems(stepID string, val any) ([]any, error) {
	switch v := val.(type) {
	case []any:
		return v, nil
	case nil:
		return nil, schema.NewErrorf(schema.ErrCodeIteration,
			"for_each source of step %q resolved to nothing", stepID).WithStep(stepID)
	}
	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeIteration,
		"for_each source of step %q is not iterable (type %T)", stepID, val).WithStep(stepID)
}

// --- WAIT (top level) ---

func (e *Engine) parkOnWait(ctx context.Context, rc *schema.RunContext, step *schema.Step, started time.Time) (stepOutcome, error) {
	w := step.Wait

	if w.Duration != "" {
		d, err := time.ParseDuration(w.Duration)
		if err != nil {
			return stepOutcome{}, schema.NewErrorf(schema.ErrCodeDefinition,
				"wait step %q has invalid duration %q", step.ID, w.Duration).WithStep(step.ID).WithCause(err)
		}
		resumeAt := time.Now().UTC().Add(d)
		if pw := rc.PendingWait; pw != nil && pw.StepID == step.ID && pw.ResumeAt != nil {
			// Resuming a checkpointed wait keeps its original deadline.
			resumeAt = *pw.ResumeAt
			if d = time.Until(resumeAt); d < 0 {
				d = 0
			}
		}
		rc.PendingWait = &schema.PendingWait{StepID: step.ID, ResumeAt: &resumeAt}
		rc.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
			return stepOutcome{}, err
		}
		e.appendEvent(ctx, rc.RunID, schema.EventWaitStarted, step.ID, map[string]any{"duration": w.Duration})
		e.armTimer(rc.RunID, step.ID, d, true, e.onWaitTimer)
		return stepOutcome{parked: true}, nil
	}

	rc.PendingWait = &schema.PendingWait{StepID: step.ID, Event: w.Event}
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
		return stepOutcome{}, err
	}
	e.appendEvent(ctx, rc.RunID, schema.EventWaitStarted, step.ID, map[string]any{"event": w.Event})
	return stepOutcome{parked: true}, nil
}

// --- HUMAN (top level) ---

func (e *Engine) suspendOnHuman(ctx context.Context, rc *schema.RunContext, plan *Plan, step *schema.Step, started time.Time) (stepOutcome, error) {
	h := step.Human
	scope := e.scopeFor(rc, plan, nil)

	var prompt string
	err := e.withRetry(ctx, rc, step.ID, nil, func(ctx context.Context) error {
		p, err := resolve.ResolveString(h.Prompt, scope)
		if err != nil {
			return err
		}
		prompt = p
		return nil
	})
	if err != nil {
		return e.settleFailure(ctx, rc, step.ID, h.Critical, h.OnFailure, h.Next, started, err)
	}

	bindTo := h.BindTo
	if bindTo == "" {
		bindTo = step.ID
	}

	now := time.Now().UTC()
	var deadline *time.Time
	var timeout time.Duration
	if h.Timeout != "" {
		d, derr := time.ParseDuration(h.Timeout)
		if derr != nil {
			return stepOutcome{}, schema.NewErrorf(schema.ErrCodeDefinition,
				"human step %q has invalid timeout %q", step.ID, h.Timeout).WithStep(step.ID).WithCause(derr)
		}
		timeout = d
		t := now.Add(d)
		deadline = &t
	}

	interruptID := uuid.NewString()
	rc.PendingHuman = &schema.PendingHuman{
		InterruptID: interruptID,
		StepID:      step.ID,
		BindTo:      bindTo,
		Prompt:      prompt,
		Options:     h.Options,
		RequestedAt: now,
		Deadline:    deadline,
	}
	if err := e.fsm.Transition(e.baseCtx, rc, schema.RunStatusWaitingOnHuman); err != nil {
		return stepOutcome{}, err
	}
	rc.UpdatedAt = now
	if err := e.store.SaveCheckpoint(e.baseCtx, rc); err != nil {
		return stepOutcome{}, err
	}
	e.appendEvent(ctx, rc.RunID, schema.EventInterruptRequested, step.ID, map[string]any{"interrupt_id": interruptID})

	req := schema.InterruptRequest{
		InterruptID: interruptID,
		RunID:       rc.RunID,
		StepID:      step.ID,
		Prompt:      prompt,
		Options:     h.Options,
		RequestedAt: now,
		Deadline:    deadline,
	}
	if err := e.humans.Publish(ctx, req); err != nil {
		e.log.Warn("publish interrupt failed",
			slog.String("run_id", rc.RunID), slog.String("step_id", step.ID), logging.Err(err))
	}

	if deadline != nil {
		e.armTimer(rc.RunID, step.ID, timeout, false, e.onHumanTimeout)
	}
	return stepOutcome{suspended: true}, nil
}

// --- shared failure policy ---

// settleFailure applies the critical/non-critical policy after a step
// exhausts its retries: critical failures propagate and fail the run;
// non-critical failures are recorded as the step result and the run
// continues on the failure route.
func (e *Engine) settleFailure(ctx context.Context, rc *schema.RunContext, stepID string, critical bool, onFailure, next string, started time.Time, err error) (stepOutcome, error) {
	e.recordHistory(rc, stepID, started, schema.OutcomeFailed, err.Error())
	e.appendEvent(ctx, rc.RunID, schema.EventStepFailed, stepID, map[string]any{"error": err.Error()})

	if critical || schema.CodeOf(err) == schema.ErrCodeCancelled || schema.CodeOf(err) == schema.ErrCodePersistence {
		return stepOutcome{}, err
	}

	rc.StepResults[stepID] = failureResult(err)
	return stepOutcome{next: failureNext(onFailure, next)}, nil
}

func (e *Engine) recordHistory(rc *schema.RunContext, stepID string, started time.Time, outcome schema.StepOutcome, errMsg string) {
	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    stepID,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Outcome:   outcome,
		Error:     errMsg,
	})
}

// resultsDelta returns the entries in child that are new or changed relative
// to parent.
func resultsDelta(parent, child map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range child {
		if pv, ok := parent[k]; !ok || !reflect.DeepEqual(pv, v) {
			delta[k] = v
		}
	}
	return delta
}
