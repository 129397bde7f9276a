// Package registry holds registered workflow definitions and their compiled
// plans. Constructed explicitly at startup; there is no global instance.
package registry

import (
	"context"
	"sync"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// Registry persists definitions through the store and caches one compiled
// plan per definition. Re-registering an ID replaces the definition and
// invalidates its cached plan.
type Registry struct {
	store store.Store

	mu    sync.RWMutex
	plans map[string]*engine.Plan
}

// New creates a Registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		plans: make(map[string]*engine.Plan),
	}
}

// Register compiles and persists a definition. Compilation failures reject
// the whole definition; nothing is stored.
func (r *Registry) Register(ctx context.Context, def *schema.WorkflowDefinition) (*engine.Plan, error) {
	plan, err := engine.Compile(def)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.plans[def.ID] = plan
	r.mu.Unlock()
	return plan, nil
}

// Get returns the cached plan for a definition, compiling it from the store
// on a cache miss (e.g. after a restart).
func (r *Registry) Get(ctx context.Context, definitionID string) (*engine.Plan, error) {
	r.mu.RLock()
	plan, ok := r.plans[definitionID]
	r.mu.RUnlock()
	if ok {
		return plan, nil
	}

	def, err := r.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	plan, err = engine.Compile(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another goroutine may have compiled it meanwhile; either plan is
	// equivalent, last write wins.
	r.plans[definitionID] = plan
	r.mu.Unlock()
	return plan, nil
}

// List returns summaries of all persisted definitions.
func (r *Registry) List(ctx context.Context) ([]schema.DefinitionSummary, error) {
	defs, err := r.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.DefinitionSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, schema.DefinitionSummary{
			ID:       def.ID,
			Name:     def.Name,
			Triggers: def.Triggers,
		})
	}
	return out, nil
}

// Delete removes a definition and drops its cached plan.
func (r *Registry) Delete(ctx context.Context, definitionID string) error {
	if err := r.store.DeleteDefinition(ctx, definitionID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.plans, definitionID)
	r.mu.Unlock()
	return nil
}

var _ engine.PlanSource = (*Registry)(nil)
