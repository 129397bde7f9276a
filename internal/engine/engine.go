// Package engine compiles workflow definitions into plans and interprets
// them: one goroutine per run, checkpoints at every step boundary, and
// durable suspension for human decisions and waits.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/human"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// PlanSource resolves definitions into compiled plans. One plan per
// definition; re-registration invalidates the cached plan.
type PlanSource interface {
	Register(ctx context.Context, def *schema.WorkflowDefinition) (*Plan, error)
	Get(ctx context.Context, definitionID string) (*Plan, error)
	List(ctx context.Context) ([]schema.DefinitionSummary, error)
}

// Config tunes engine behavior.
type Config struct {
	// MaxSteps bounds the number of top-level step executions per run, a
	// guard against cyclic graphs that never reach the terminal marker.
	MaxSteps int
	// WorkerPoolSize caps concurrent run loops and parallel branches.
	WorkerPoolSize int
	// DefaultRetry applies to retryable steps without their own policy.
	DefaultRetry *schema.RetryPolicy
	// Breaker configures the per-capability circuit breakers.
	Breaker CircuitBreakerConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:       1000,
		WorkerPoolSize: 32,
		DefaultRetry:   &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", MaxDelay: "5s"},
		Breaker:        DefaultCircuitBreakerConfig(),
	}
}

// Engine executes workflow runs against registered definitions.
type Engine struct {
	cfg      Config
	store    store.Store
	plans    PlanSource
	agents   agent.Client
	humans   human.Channel
	fsm      *RunFSM
	pool     *WorkerPool
	breakers *CircuitBreakerRegistry
	cond     *expressions.ConditionEvaluator
	exprEng  *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	log      *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	leases  map[string]*sync.Mutex
	active  map[string]int
	changed chan struct{}
	cancels map[string]context.CancelFunc
	timers  map[string]*runTimer
}

// runTimer is an armed wait or human-timeout timer for a run. Counted timers
// keep the run active for Await.
type runTimer struct {
	t       *time.Timer
	counted bool
}

// New creates an Engine. The logger may be nil.
func New(cfg Config, st store.Store, plans PlanSource, agents agent.Client, humans human.Channel, log *slog.Logger) (*Engine, error) {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	baseCtx, stop := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		store:    st,
		plans:    plans,
		agents:   agents,
		humans:   humans,
		fsm:      NewRunFSM(st),
		pool:     NewWorkerPool(cfg.WorkerPoolSize),
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		cond:     expressions.NewConditionEvaluator(cel),
		exprEng:  expressions.NewExprEngine(),
		jq:       expressions.NewGoJQEngine(),
		log:      log,
		baseCtx:  baseCtx,
		stop:     stop,
		leases:   make(map[string]*sync.Mutex),
		active:   make(map[string]int),
		changed:  make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
		timers:   make(map[string]*runTimer),
	}, nil
}

// Shutdown stops accepting work, cancels active runs, and waits for their
// loops to checkpoint and exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, t := range e.timers {
		t.t.Stop()
	}
	e.timers = make(map[string]*runTimer)
	e.mu.Unlock()

	e.stop()
	e.pool.Shutdown()
}

// RegisterDefinition validates, compiles, and registers a definition. An
// existing definition with the same ID is replaced and its plan recompiled.
func (e *Engine) RegisterDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	_, err := e.plans.Register(ctx, def)
	return err
}

// ListDefinitions returns summaries of all registered definitions.
func (e *Engine) ListDefinitions(ctx context.Context) ([]schema.DefinitionSummary, error) {
	return e.plans.List(ctx)
}

// StartRun creates a run for the definition and starts driving it
// asynchronously. Caller-supplied variables overlay the definition's
// declared defaults. Returns the new run ID immediately.
func (e *Engine) StartRun(ctx context.Context, definitionID string, variables map[string]any) (string, error) {
	plan, err := e.plans.Get(ctx, definitionID)
	if err != nil {
		return "", err
	}

	vars := make(map[string]any, len(plan.Defaults)+len(variables))
	for k, v := range plan.Defaults {
		vars[k] = v
	}
	for k, v := range variables {
		vars[k] = v
	}

	runID := uuid.NewString()
	rc := schema.NewRunContext(runID, definitionID, plan.EntryID, vars)

	if err := e.store.SaveCheckpoint(ctx, rc); err != nil {
		return "", err
	}
	e.appendEvent(ctx, runID, schema.EventRunStarted, "", map[string]any{"definition_id": definitionID})

	if err := e.launch(runID); err != nil {
		return "", err
	}
	return runID, nil
}

// Resume re-drives a previously checkpointed run. Used by recovery after a
// restart; completed steps are never replayed because the checkpoint records
// the next step to execute.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	rc, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if rc.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already %s", runID, rc.Status)
	}
	if rc.Status == schema.RunStatusWaitingOnHuman {
		// Nothing to drive; the run resumes when a response arrives. A lost
		// timeout timer is re-armed with the remaining time.
		if ph := rc.PendingHuman; ph != nil && ph.Deadline != nil {
			d := time.Until(*ph.Deadline)
			if d < 0 {
				d = 0
			}
			e.armTimer(runID, ph.StepID, d, false, e.onHumanTimeout)
		}
		return nil
	}
	return e.launch(runID)
}

// Status returns the current checkpointed context of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*schema.RunContext, error) {
	return e.store.LoadCheckpoint(ctx, runID)
}

// Events returns the run's event log after the given sequence number.
func (e *Engine) Events(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	return e.store.GetEvents(ctx, runID, since)
}

// Cancel requests cancellation of a run. An active run observes the request
// at its next step boundary; a suspended or parked run is cancelled
// immediately.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, running := e.cancels[runID]
	if t, ok := e.timers[runID]; ok {
		t.t.Stop()
		delete(e.timers, runID)
		if t.counted {
			e.markIdleLocked(runID)
		}
	}
	e.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	lease := e.lease(runID)
	lease.Lock()
	defer lease.Unlock()

	rc, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if rc.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already %s", runID, rc.Status)
	}

	if err := e.fsm.Transition(ctx, rc, schema.RunStatusCancelled); err != nil {
		return err
	}
	rc.PendingHuman = nil
	rc.PendingWait = nil
	rc.UpdatedAt = time.Now().UTC()
	return e.store.SaveCheckpoint(ctx, rc)
}

// DeliverHumanResponse resolves a pending HUMAN interrupt. The response must
// name the exact run and step of the pending record; anything else is a
// HUMAN_MISMATCH and the run state is untouched. The decision value is bound
// into run variables and recorded as the step result before the run resumes.
func (e *Engine) DeliverHumanResponse(ctx context.Context, resp schema.HumanResponse) error {
	lease := e.lease(resp.RunID)
	lease.Lock()
	defer lease.Unlock()

	rc, err := e.store.LoadCheckpoint(ctx, resp.RunID)
	if err != nil {
		return err
	}

	if rc.Status != schema.RunStatusWaitingOnHuman || rc.PendingHuman == nil {
		return schema.NewErrorf(schema.ErrCodeHumanMismatch,
			"run %q is not waiting on a human decision", resp.RunID).
			WithDetails(map[string]any{"status": string(rc.Status)})
	}
	if rc.PendingHuman.StepID != resp.StepID {
		return schema.NewErrorf(schema.ErrCodeHumanMismatch,
			"response targets step %q but run %q is waiting on step %q",
			resp.StepID, resp.RunID, rc.PendingHuman.StepID).
			WithStep(resp.StepID)
	}

	plan, err := e.plans.Get(ctx, rc.DefinitionID)
	if err != nil {
		return err
	}
	step := plan.Step(rc.PendingHuman.StepID)
	if step == nil || step.Human == nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"pending step %q no longer exists in definition %q", rc.PendingHuman.StepID, rc.DefinitionID)
	}

	e.stopTimer(resp.RunID)

	bindTo := rc.PendingHuman.BindTo
	rc.Variables[bindTo] = resp.Value
	rc.StepResults[rc.PendingHuman.StepID] = resp.Value
	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    rc.PendingHuman.StepID,
		StartedAt: rc.PendingHuman.RequestedAt,
		EndedAt:   time.Now().UTC(),
		Outcome:   schema.OutcomeCompleted,
	})
	rc.PendingHuman = nil
	rc.CurrentStepID = nextOr(step.Human.Next)

	if err := e.fsm.Transition(ctx, rc, schema.RunStatusRunning); err != nil {
		return err
	}
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(ctx, rc); err != nil {
		return err
	}
	e.appendEvent(ctx, rc.RunID, schema.EventInterruptResolved, resp.StepID, nil)

	return e.launch(resp.RunID)
}

// DeliverEvent resumes a run parked on an event WAIT. The event name must
// match the pending wait; the payload, when present, becomes the WAIT step's
// result.
func (e *Engine) DeliverEvent(ctx context.Context, ev schema.ExternalEvent) error {
	lease := e.lease(ev.RunID)
	lease.Lock()
	defer lease.Unlock()

	rc, err := e.store.LoadCheckpoint(ctx, ev.RunID)
	if err != nil {
		return err
	}

	if rc.Status != schema.RunStatusRunning || rc.PendingWait == nil || rc.PendingWait.Event == "" {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q is not waiting on an event", ev.RunID)
	}
	if rc.PendingWait.Event != ev.Name {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q is waiting on event %q, not %q", ev.RunID, rc.PendingWait.Event, ev.Name)
	}

	plan, err := e.plans.Get(ctx, rc.DefinitionID)
	if err != nil {
		return err
	}
	step := plan.Step(rc.PendingWait.StepID)
	if step == nil || step.Wait == nil {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"pending step %q no longer exists in definition %q", rc.PendingWait.StepID, rc.DefinitionID)
	}

	if ev.Payload != nil {
		rc.StepResults[rc.PendingWait.StepID] = ev.Payload
	}
	rc.History = append(rc.History, schema.HistoryEntry{
		StepID:    rc.PendingWait.StepID,
		StartedAt: rc.UpdatedAt,
		EndedAt:   time.Now().UTC(),
		Outcome:   schema.OutcomeCompleted,
	})
	rc.PendingWait = nil
	rc.CurrentStepID = nextOr(step.Wait.Next)
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveCheckpoint(ctx, rc); err != nil {
		return err
	}
	e.appendEvent(ctx, ev.RunID, schema.EventExternalEvent, rc.CurrentStepID, map[string]any{"event": ev.Name})

	return e.launch(ev.RunID)
}

// Await blocks until the run has no active driver: it reached a terminal
// status, suspended on a human decision, or parked on an event wait. A run
// parked on a duration wait stays active until the timer fires and the run
// settles.
func (e *Engine) Await(ctx context.Context, runID string) (*schema.RunContext, error) {
	for {
		e.mu.Lock()
		act := e.active[runID]
		ch := e.changed
		e.mu.Unlock()

		if act == 0 {
			return e.store.LoadCheckpoint(ctx, runID)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// --- internals ---

// launch submits the run loop to the pool, marking the run active first so
// Await observes it.
func (e *Engine) launch(runID string) error {
	e.markActive(runID)

	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()

	err := e.pool.Submit(runCtx, func(ctx context.Context) error {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, runID)
			e.markIdleLocked(runID)
			e.mu.Unlock()
		}()
		return e.runLoop(ctx, runID)
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.cancels, runID)
		e.markIdleLocked(runID)
		e.mu.Unlock()
	}
	return err
}

func (e *Engine) lease(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.leases[runID]
	if !ok {
		l = &sync.Mutex{}
		e.leases[runID] = l
	}
	return l
}

func (e *Engine) markActive(runID string) {
	e.mu.Lock()
	e.active[runID]++
	e.mu.Unlock()
}

// markIdleLocked decrements the active count and wakes Await callers. Caller
// holds e.mu.
func (e *Engine) markIdleLocked(runID string) {
	e.active[runID]--
	if e.active[runID] <= 0 {
		delete(e.active, runID)
	}
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) stopTimer(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[runID]; ok {
		t.t.Stop()
		delete(e.timers, runID)
		if t.counted {
			e.markIdleLocked(runID)
		}
	}
}

func (e *Engine) appendEvent(ctx context.Context, runID, eventType, stepID string, payload map[string]any) {
	event := &schema.RunEvent{
		RunID:     runID,
		Type:      eventType,
		StepID:    stepID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.log.WarnContext(ctx, "append event failed",
			slog.String("run_id", runID), slog.String("type", eventType), logging.Err(err))
	}
}

// nextOr normalizes an empty transition target to the terminal marker.
func nextOr(next string) string {
	if next == "" {
		return schema.End
	}
	return next
}
