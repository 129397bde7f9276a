package engine

import (
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Plan is the read-only compiled form of a workflow definition: a validated
// step index, the single entry step, and the ownership map for steps that
// live inside PARALLEL branches or FOR_EACH bodies.
type Plan struct {
	DefinitionID string
	EntryID      string
	Steps        map[string]*schema.Step
	// Owners maps a step ID to the PARALLEL or FOR_EACH step that owns it.
	// Top-level steps are absent.
	Owners   map[string]string
	Defaults map[string]any
}

// Step returns the step for id, or nil.
func (p *Plan) Step(id string) *schema.Step {
	return p.Steps[id]
}

// Compile validates a definition and produces its executable plan. Any
// violation rejects the whole definition with a DEFINITION error naming the
// offending step.
func Compile(def *schema.WorkflowDefinition) (*Plan, error) {
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition has no id")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "definition %q has no steps", def.ID)
	}

	for id, step := range def.Steps {
		if step == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step %q is empty", id).WithStep(id)
		}
		if step.ID == "" {
			step.ID = id
		}
		if step.ID != id {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"step key %q does not match step id %q", id, step.ID).WithStep(id)
		}
		if step.ID == schema.End {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"step id %q collides with the terminal marker", id).WithStep(id)
		}
		if err := validateStep(step); err != nil {
			return nil, err
		}
	}

	// Every transition, branch, body, and case target must resolve to a real
	// step or the terminal marker.
	for id, step := range def.Steps {
		for _, target := range transitionTargets(step) {
			if target == schema.End {
				continue
			}
			if _, ok := def.Steps[target]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q references unknown step %q", id, target).WithStep(id)
			}
		}
		for _, owned := range ownedHeads(step) {
			if _, ok := def.Steps[owned]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q references unknown step %q", id, owned).WithStep(id)
			}
		}
	}

	owners, err := buildOwners(def)
	if err != nil {
		return nil, err
	}

	entry, err := findEntry(def, owners)
	if err != nil {
		return nil, err
	}

	if err := checkReachability(def, entry); err != nil {
		return nil, err
	}

	// Suspension is a between-steps, top-level mechanism: HUMAN steps and
	// event waits cannot live inside a branch or an iteration body.
	for id, owner := range owners {
		step := def.Steps[id]
		if step.Type == schema.StepTypeHuman {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"human step %q cannot appear inside %q", id, owner).WithStep(id)
		}
		if step.Type == schema.StepTypeWait && step.Wait.Event != "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"event wait step %q cannot appear inside %q", id, owner).WithStep(id)
		}
	}

	return &Plan{
		DefinitionID: def.ID,
		EntryID:      entry,
		Steps:        def.Steps,
		Owners:       owners,
		Defaults:     def.Variables,
	}, nil
}

// validateStep checks that the step carries exactly the spec struct its type
// requires, with well-formed fields.
func validateStep(step *schema.Step) error {
	specs := 0
	for _, present := range []bool{
		step.Action != nil, step.Condition != nil, step.Switch != nil,
		step.Parallel != nil, step.ForEach != nil, step.Wait != nil, step.Human != nil,
	} {
		if present {
			specs++
		}
	}
	if specs != 1 {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"step %q must carry exactly one spec, has %d", step.ID, specs).WithStep(step.ID)
	}

	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == nil {
			return specMismatch(step)
		}
		if step.Action.Capability == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"action step %q has no capability", step.ID).WithStep(step.ID)
		}
		if err := validateRetry(step.ID, step.Action.Retry); err != nil {
			return err
		}
	case schema.StepTypeCondition:
		if step.Condition == nil {
			return specMismatch(step)
		}
		switch step.Condition.Operator {
		case schema.OpEquals, schema.OpNotEquals, schema.OpExists,
			schema.OpCountGreaterThan, schema.OpContains:
		case schema.OpExpression:
			if step.Condition.Expression == "" {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"condition step %q has no expression", step.ID).WithStep(step.ID)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"condition step %q has unknown operator %q", step.ID, step.Condition.Operator).WithStep(step.ID)
		}
	case schema.StepTypeSwitch:
		if step.Switch == nil {
			return specMismatch(step)
		}
		if step.Switch.Default == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"switch step %q has no default case", step.ID).WithStep(step.ID)
		}
	case schema.StepTypeParallel:
		if step.Parallel == nil {
			return specMismatch(step)
		}
		if len(step.Parallel.Branches) == 0 {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"parallel step %q has no branches", step.ID).WithStep(step.ID)
		}
		for _, be := range step.Parallel.BestEffort {
			if !containsStr(step.Parallel.Branches, be) {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"parallel step %q lists unknown best-effort branch %q", step.ID, be).WithStep(step.ID)
			}
		}
	case schema.StepTypeForEach:
		if step.ForEach == nil {
			return specMismatch(step)
		}
		hasSource := step.ForEach.Source != ""
		hasExpr := step.ForEach.SourceExpr != ""
		if hasSource == hasExpr {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"for_each step %q must set exactly one of source and source_expr", step.ID).WithStep(step.ID)
		}
		if step.ForEach.ItemVar == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"for_each step %q has no item_var", step.ID).WithStep(step.ID)
		}
		if err := validateRetry(step.ID, step.ForEach.Retry); err != nil {
			return err
		}
	case schema.StepTypeWait:
		if step.Wait == nil {
			return specMismatch(step)
		}
		hasDuration := step.Wait.Duration != ""
		hasEvent := step.Wait.Event != ""
		if hasDuration == hasEvent {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"wait step %q must set exactly one of duration and event", step.ID).WithStep(step.ID)
		}
		if hasDuration {
			if _, err := time.ParseDuration(step.Wait.Duration); err != nil {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"wait step %q has invalid duration %q", step.ID, step.Wait.Duration).WithStep(step.ID).WithCause(err)
			}
		}
	case schema.StepTypeHuman:
		if step.Human == nil {
			return specMismatch(step)
		}
		if step.Human.Prompt == "" {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"human step %q has no prompt", step.ID).WithStep(step.ID)
		}
		if step.Human.Timeout != "" {
			if _, err := time.ParseDuration(step.Human.Timeout); err != nil {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"human step %q has invalid timeout %q", step.ID, step.Human.Timeout).WithStep(step.ID).WithCause(err)
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"step %q has unknown type %q", step.ID, step.Type).WithStep(step.ID)
	}

	return nil
}

func specMismatch(step *schema.Step) error {
	return schema.NewErrorf(schema.ErrCodeDefinition,
		"step %q of type %q carries the wrong spec", step.ID, step.Type).WithStep(step.ID)
}

func validateRetry(stepID string, policy *schema.RetryPolicy) error {
	if policy == nil {
		return nil
	}
	if policy.MaxAttempts < 1 {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"step %q retry policy needs max_attempts >= 1", stepID).WithStep(stepID)
	}
	for _, d := range []string{policy.BaseDelay, policy.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"step %q retry policy has invalid duration %q", stepID, d).WithStep(stepID).WithCause(err)
		}
	}
	return nil
}

// transitionTargets returns every step ID the step can transition to,
// including failure routes and switch cases. Empty targets are normalized to
// the terminal marker by the engine, so they are skipped here.
func transitionTargets(step *schema.Step) []string {
	var targets []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" {
				targets = append(targets, id)
			}
		}
	}
	switch step.Type {
	case schema.StepTypeAction:
		add(step.Action.Next, step.Action.OnFailure)
	case schema.StepTypeCondition:
		add(step.Condition.TrueNext, step.Condition.FalseNext)
	case schema.StepTypeSwitch:
		for _, target := range step.Switch.Cases {
			add(target)
		}
		add(step.Switch.Default)
	case schema.StepTypeParallel:
		add(step.Parallel.Join)
	case schema.StepTypeForEach:
		add(step.ForEach.Next, step.ForEach.OnFailure)
	case schema.StepTypeWait:
		add(step.Wait.Next)
	case schema.StepTypeHuman:
		add(step.Human.Next, step.Human.OnFailure)
	}
	return targets
}

// ownedHeads returns the entry steps of regions this step owns: parallel
// branch heads and the for_each body head.
func ownedHeads(step *schema.Step) []string {
	switch step.Type {
	case schema.StepTypeParallel:
		return step.Parallel.Branches
	case schema.StepTypeForEach:
		if step.ForEach.Body != "" {
			return []string{step.ForEach.Body}
		}
	}
	return nil
}

// buildOwners assigns each step inside a branch or body to its owning step,
// following transitions transitively from each owned head. A step claimed by
// two different owners rejects the definition.
func buildOwners(def *schema.WorkflowDefinition) (map[string]string, error) {
	owners := make(map[string]string)

	var claim func(id, owner string) error
	claim = func(id, owner string) error {
		if id == schema.End {
			return nil
		}
		if existing, ok := owners[id]; ok {
			if existing != owner {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q is owned by both %q and %q", id, existing, owner).WithStep(id)
			}
			return nil
		}
		owners[id] = owner
		step := def.Steps[id]
		for _, target := range transitionTargets(step) {
			if err := claim(target, owner); err != nil {
				return err
			}
		}
		for _, head := range ownedHeads(step) {
			// Nested regions are owned by the nested step, not the outer one.
			if err := claim(head, id); err != nil {
				return err
			}
		}
		return nil
	}

	for id, step := range def.Steps {
		for _, head := range ownedHeads(step) {
			if head == id {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q owns itself", id).WithStep(id)
			}
			if err := claim(head, id); err != nil {
				return nil, err
			}
		}
	}

	return owners, nil
}

// findEntry locates the single step with no inbound transition or ownership
// edge.
func findEntry(def *schema.WorkflowDefinition, owners map[string]string) (string, error) {
	indegree := make(map[string]int, len(def.Steps))
	for id := range def.Steps {
		indegree[id] = 0
	}
	for _, step := range def.Steps {
		for _, target := range transitionTargets(step) {
			if target != schema.End {
				indegree[target]++
			}
		}
	}
	for id := range owners {
		indegree[id]++
	}

	var entries []string
	for id, n := range indegree {
		if n == 0 {
			entries = append(entries, id)
		}
	}

	switch len(entries) {
	case 1:
		return entries[0], nil
	case 0:
		return "", schema.NewErrorf(schema.ErrCodeDefinition,
			"definition %q has no entry step", def.ID)
	default:
		return "", schema.NewErrorf(schema.ErrCodeDefinition,
			"definition %q has %d entry steps, want exactly one", def.ID, len(entries)).
			WithDetails(map[string]any{"entries": entries})
	}
}

// checkReachability ensures every step is reachable from the entry via
// transition and ownership edges.
func checkReachability(def *schema.WorkflowDefinition, entry string) error {
	seen := make(map[string]bool, len(def.Steps))
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == schema.End || seen[id] {
			continue
		}
		seen[id] = true
		step := def.Steps[id]
		queue = append(queue, transitionTargets(step)...)
		queue = append(queue, ownedHeads(step)...)
	}

	for id := range def.Steps {
		if !seen[id] {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"step %q is unreachable from entry %q", id, entry).WithStep(id)
		}
	}
	return nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
