package engine

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// EventAppender is the slice of the store the FSM needs to emit lifecycle
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.RunEvent) error
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:        {schema.RunStatusWaitingOnHuman, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaitingOnHuman: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:      {},
	schema.RunStatusFailed:         {},
	schema.RunStatusCancelled:      {},
}

// RunFSM validates run lifecycle transitions and emits the matching events.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and applies a run status change on the context. The
// caller persists the mutated context.
func (f *RunFSM) Transition(ctx context.Context, rc *schema.RunContext, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := rc.Status
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": rc.RunID, "from": string(from), "to": string(to)})
	}

	if eventType := runEventType(from, to); eventType != "" {
		event := &schema.RunEvent{
			RunID: rc.RunID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodePersistence, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	rc.Status = to
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusWaitingOnHuman:
		return schema.EventRunSuspended
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaitingOnHuman {
			return schema.EventRunResumed
		}
	}
	return ""
}
