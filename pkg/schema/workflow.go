package schema

// End is the reserved terminal transition marker. A step whose transition
// target is End completes the run (or the enclosing branch).
const End = "end"

// StepType enumerates the kinds of steps in a workflow definition.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeSwitch    StepType = "switch"
	StepTypeParallel  StepType = "parallel"
	StepTypeForEach   StepType = "for_each"
	StepTypeWait      StepType = "wait"
	StepTypeHuman     StepType = "human"
)

// WorkflowDefinition is an immutable, named graph of steps plus trigger
// metadata and declared variables. Registered by ID; re-registering the same
// ID replaces the definition and invalidates its cached plan.
type WorkflowDefinition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Triggers  []Trigger        `json:"triggers,omitempty"`
	Variables map[string]any   `json:"variables,omitempty"`
	Steps     map[string]*Step `json:"steps"`
}

// Trigger describes one activation source for a definition: a phrase matched
// by an external intent router, or a cron expression for scheduled starts.
type Trigger struct {
	Phrase string `json:"phrase,omitempty"`
	Cron   string `json:"cron,omitempty"`
}

// Step is a single typed unit of work or control-flow decision. Exactly one
// of the per-kind spec fields must be populated, matching Type.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`
	Name string   `json:"name,omitempty"`

	Action    *ActionSpec    `json:"action,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty"`
	Switch    *SwitchSpec    `json:"switch,omitempty"`
	Parallel  *ParallelSpec  `json:"parallel,omitempty"`
	ForEach   *ForEachSpec   `json:"for_each,omitempty"`
	Wait      *WaitSpec      `json:"wait,omitempty"`
	Human     *HumanSpec     `json:"human,omitempty"`
}

// ActionSpec invokes a named remote capability with a resolved instruction.
type ActionSpec struct {
	Capability  string `json:"capability"`
	Instruction string `json:"instruction"`
	// ResultPath is an optional jq expression applied to the agent payload
	// before the result is stored (e.g. ".tickets | length").
	ResultPath string       `json:"result_path,omitempty"`
	Critical   bool         `json:"critical,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
	Next       string       `json:"next"`
	// OnFailure is the transition taken after a non-critical step exhausts
	// its retries. Defaults to Next when empty.
	OnFailure string `json:"on_failure,omitempty"`
}

// Condition operators. OpExpression evaluates Expression as CEL instead of
// comparing operands.
const (
	OpEquals           = "equals"
	OpNotEquals        = "not_equals"
	OpExists           = "exists"
	OpCountGreaterThan = "count_greater_than"
	OpContains         = "contains"
	OpExpression       = "expression"
)

// ConditionSpec evaluates an operator against resolved operands and branches
// on the boolean outcome.
type ConditionSpec struct {
	Operator   string `json:"operator"`
	Left       string `json:"left,omitempty"`
	Right      any    `json:"right,omitempty"`
	Expression string `json:"expression,omitempty"`
	TrueNext   string `json:"true_next"`
	FalseNext  string `json:"false_next"`
}

// SwitchSpec resolves a key template and exact-matches it against case values.
type SwitchSpec struct {
	Key     string            `json:"key"`
	Cases   map[string]string `json:"cases"`
	Default string            `json:"default"`
}

// ParallelSpec spawns one branch per listed step ID and joins when every
// branch reaches its local terminal point. Branches listed in BestEffort may
// fail without failing the join; their failure is recorded as the branch
// result instead.
type ParallelSpec struct {
	Branches   []string `json:"branches"`
	BestEffort []string `json:"best_effort,omitempty"`
	Join       string   `json:"join"`
}

// ForEachSpec iterates a collection, binding each element under ItemVar and
// executing the body chain once per element. Source is a {name} reference;
// SourceExpr is an expr-lang expression evaluated against the run scope
// (exactly one of the two must be set). Iterations execute sequentially in
// collection order.
type ForEachSpec struct {
	Source     string       `json:"source,omitempty"`
	SourceExpr string       `json:"source_expr,omitempty"`
	ItemVar    string       `json:"item_var"`
	Body       string       `json:"body"`
	Critical   bool         `json:"critical,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
	Next       string       `json:"next"`
	OnFailure  string       `json:"on_failure,omitempty"`
}

// WaitSpec suspends the run for a fixed duration or until a named event
// arrives. Exactly one of Duration and Event must be set.
type WaitSpec struct {
	Duration string `json:"duration,omitempty"`
	Event    string `json:"event,omitempty"`
	Next     string `json:"next"`
}

// HumanSpec emits an interrupt request and suspends the run until a response
// is delivered for this exact step. The response value is bound into run
// variables under BindTo (defaults to the step ID) and recorded as the step
// result. Timeout, when set, fails the step after the duration elapses and
// feeds the critical/non-critical policy like an action failure.
type HumanSpec struct {
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
	BindTo    string   `json:"bind_to,omitempty"`
	Timeout   string   `json:"timeout,omitempty"`
	Critical  bool     `json:"critical,omitempty"`
	Next      string   `json:"next"`
	OnFailure string   `json:"on_failure,omitempty"`
}

// RetryPolicy configures retry behavior for a step. Delays double per attempt
// starting from BaseDelay, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// DefinitionSummary is the listing view consumed by external routers.
type DefinitionSummary struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Triggers []Trigger `json:"triggers,omitempty"`
}
