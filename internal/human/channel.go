// Package human defines the interaction channel through which suspended runs
// surface interrupt requests and receive decisions back.
package human

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Filter narrows a subscription to one run. Zero value matches everything.
type Filter struct {
	RunID string
}

// Channel is the outbound side of human interaction: the engine publishes an
// InterruptRequest whenever a run suspends on a HUMAN step, and front ends
// subscribe to present them. Responses flow back through the engine's
// DeliverHumanResponse, not through this channel.
type Channel interface {
	Publish(ctx context.Context, req schema.InterruptRequest) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.InterruptRequest, func(), error)
}
