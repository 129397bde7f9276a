package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and ephemeral deployments.
// Checkpoints are stored as JSON so the round-trip exercises the same
// serialization path as the durable store.
type MemoryStore struct {
	mu     sync.RWMutex
	defs   map[string][]byte
	runs   map[string][]byte
	events map[string][]*schema.RunEvent
	seq    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:   make(map[string][]byte),
		runs:   make(map[string][]byte),
		events: make(map[string][]*schema.RunEvent),
	}
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "marshal definition").WithCause(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = raw
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	raw, ok := s.defs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal definition").WithCause(err)
	}
	return &def, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(s.defs))
	for _, raw := range s.defs {
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal definition").WithCause(err)
		}
		out = append(out, &def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	delete(s.defs, id)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, rc *schema.RunContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "marshal checkpoint").WithCause(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rc.RunID] = raw
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, runID string) (*schema.RunContext, error) {
	s.mu.RLock()
	raw, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	var rc schema.RunContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal checkpoint").WithCause(err)
	}
	return &rc, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.RunContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.RunContext
	for _, raw := range s.runs {
		var rc schema.RunContext
		if err := json.Unmarshal(raw, &rc); err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal checkpoint").WithCause(err)
		}
		if !matchRun(&rc, filter) {
			continue
		}
		out = append(out, &rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchRun(rc *schema.RunContext, filter RunFilter) bool {
	if filter.DefinitionID != "" && rc.DefinitionID != filter.DefinitionID {
		return false
	}
	if filter.Status != "" && rc.Status != filter.Status {
		return false
	}
	if filter.WaitDueBefore != nil {
		if rc.PendingWait == nil || rc.PendingWait.ResumeAt == nil {
			return false
		}
		if rc.PendingWait.ResumeAt.After(*filter.WaitDueBefore) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *event
	cp.ID = s.seq
	s.events[event.RunID] = append(s.events[event.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.RunEvent
	for _, e := range s.events[runID] {
		if e.ID > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
