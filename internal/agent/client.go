// Package agent defines the outbound contract to remote agents. The engine
// only ever sees the Client interface; transports and capability routing
// live behind it.
package agent

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Result statuses reported by an agent invocation.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Result is the outcome of one capability invocation. A failure Result is
// not a transport error: the agent was reached and reported that the work
// failed.
type Result struct {
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess
}

// Client invokes a named capability with a fully resolved instruction.
// Implementations must honor ctx cancellation. A non-nil error means the
// invocation itself could not complete (transport failure, unknown
// capability); agent-reported failures come back as a failure Result.
type Client interface {
	Invoke(ctx context.Context, capability, instruction string, meta map[string]any) (*Result, error)
}

// HandlerFunc is an in-process capability implementation.
type HandlerFunc func(ctx context.Context, instruction string, meta map[string]any) (*Result, error)

// Registry is a Client backed by in-process handlers registered per
// capability. Used for local capabilities and as the test double in engine
// tests.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback Client
}

// NewRegistry creates an empty capability registry. An optional fallback
// client receives invocations for capabilities with no local handler.
func NewRegistry(fallback Client) *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		fallback: fallback,
	}
}

// Register binds a handler to a capability name, replacing any previous
// binding.
func (r *Registry) Register(capability string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[capability] = h
}

// Capabilities returns the locally registered capability names.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Invoke dispatches to the registered handler, falling back to the wrapped
// client for unknown capabilities.
func (r *Registry) Invoke(ctx context.Context, capability, instruction string, meta map[string]any) (*Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[capability]
	r.mu.RUnlock()

	if !ok {
		if r.fallback != nil {
			return r.fallback.Invoke(ctx, capability, instruction, meta)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"no agent registered for capability %q", capability).
			WithDetails(map[string]any{"capability": capability})
	}

	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "invocation cancelled").WithCause(err)
	}

	return h(ctx, instruction, meta)
}

var _ Client = (*Registry)(nil)
