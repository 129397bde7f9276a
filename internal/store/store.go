// Package store is the persistence layer: registered definitions, run
// checkpoints, and the append-only event log per run.
package store

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// RunFilter narrows ListRuns. Zero-value fields are ignored.
type RunFilter struct {
	DefinitionID string
	Status       schema.RunStatus
	// WaitDueBefore matches runs parked on a duration WAIT whose resume
	// deadline is at or before the given instant. Used by recovery.
	WaitDueBefore *time.Time
	Limit         int
}

// Store defines the persistence contract. All implementations must be safe
// for concurrent use. Write failures surface as PERSISTENCE errors and halt
// forward progress on the affected run only.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Checkpoints. SaveCheckpoint persists the full run context; a context
	// loaded back must be identical to the one saved.
	SaveCheckpoint(ctx context.Context, rc *schema.RunContext) error
	LoadCheckpoint(ctx context.Context, runID string) (*schema.RunContext, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunContext, error)

	// Event sourcing (append-only)
	AppendEvent(ctx context.Context, event *schema.RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
