package types

import "fmt"

// ModelRef is an opaque, backend-agnostic identifier for a specific LLM,
// distinct from the richer provider-registry Model (config.go): a ModelRef
// names "which model cast this vote / produced this response", the
// provider-registry Model describes its capabilities and pricing.
type ModelRef string

// InteractionForm classifies what kind of conversational unit an Interaction is.
type InteractionForm string

const (
	FormAsk     InteractionForm = "ask"
	FormDiscuss InteractionForm = "discuss"
	FormAgent   InteractionForm = "agent"
)

// ContextMode controls how much of a parent's context is carried into a child.
type ContextMode string

const (
	ContextFull      ContextMode = "full"
	ContextProjected ContextMode = "projected"
	ContextFresh     ContextMode = "fresh"
)

// MaxNestingDepth is the hard ceiling on interaction nesting (root + 3 levels).
// Product decision per spec §9 Open Questions; implementers may lower it via
// config but may never raise it past this value.
const MaxNestingDepth = 3

// Interaction is one conversational unit: Ask, Discuss, or Agent.
type Interaction struct {
	ID          string
	Form        InteractionForm
	ContextMode ContextMode
	ParentID    string // empty for roots
	Depth       int
}

// IsRoot reports whether this interaction has no parent.
func (i Interaction) IsRoot() bool {
	return i.ParentID == ""
}

// DefaultContextMode returns the context mode a form defaults to when the
// caller does not specify one explicitly (spec §4.7).
func DefaultContextMode(form InteractionForm) ContextMode {
	if form == FormAsk {
		return ContextProjected
	}
	return ContextFull
}

// Question validates a non-empty, non-whitespace-only request string.
type Question string

// NewQuestion constructs a Question, rejecting empty or whitespace-only input.
func NewQuestion(s string) (Question, error) {
	trimmed := trimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("question must not be empty or whitespace-only")
	}
	return Question(s), nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// InteractionResultKind tags an InteractionResult's variant.
type InteractionResultKind string

const (
	ResultAsk     InteractionResultKind = "ask"
	ResultDiscuss InteractionResultKind = "discuss"
	ResultAgent   InteractionResultKind = "agent"
)

// InteractionResult is a tagged union over the three form-specific results.
type InteractionResult struct {
	Kind InteractionResultKind

	// AskResult
	Text string

	// DiscussResult
	Synthesis        string
	ParticipantCount int

	// AgentResult
	Summary string
	Success bool
}

// ToContextInjection renders a short textual snippet for a parent interaction
// to absorb as conversational context, per spec §3.
func (r InteractionResult) ToContextInjection() string {
	switch r.Kind {
	case ResultAsk:
		return r.Text
	case ResultDiscuss:
		return fmt.Sprintf("[discussion among %d participants]\n%s", r.ParticipantCount, r.Synthesis)
	case ResultAgent:
		status := "succeeded"
		if !r.Success {
			status = "failed"
		}
		return fmt.Sprintf("[agent task %s]\n%s", status, r.Summary)
	default:
		return ""
	}
}

// TaskStatus is the mutable state of a Task within a Plan.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Task is one step of a Plan: a tool call plus dependency and status bookkeeping.
type Task struct {
	ID           string
	ToolName     string
	Arguments    map[string]any
	DependsOn    []string
	ContextBrief string
	Status       TaskStatus
}

// IsReady reports whether a task can run: it is Pending and every dependency
// has Completed. A Failed dependency should already have propagated Skipped
// to this task via Plan.PropagateFailures.
func (t Task) IsReady(byID map[string]*Task) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.DependsOn {
		other, ok := byID[dep]
		if !ok || other.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Plan is an ordered, immutable (once accepted) sequence of Tasks.
type Plan struct {
	Objective string
	Reasoning string
	Tasks     []*Task
	Revision  int
}

// ByID indexes tasks by id for dependency lookups.
func (p *Plan) ByID() map[string]*Task {
	m := make(map[string]*Task, len(p.Tasks))
	for _, t := range p.Tasks {
		m[t.ID] = t
	}
	return m
}

// ReadyTasks returns every task currently eligible to run.
func (p *Plan) ReadyTasks() []*Task {
	byID := p.ByID()
	var ready []*Task
	for _, t := range p.Tasks {
		if t.IsReady(byID) {
			ready = append(ready, t)
		}
	}
	return ready
}

// PropagateFailures marks tasks depending (transitively) on a Failed task as
// Skipped. Idempotent; call after any task transitions to Failed.
func (p *Plan) PropagateFailures() {
	byID := p.ByID()
	changed := true
	for changed {
		changed = false
		for _, t := range p.Tasks {
			if t.Status != TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				other, ok := byID[dep]
				if ok && (other.Status == TaskFailed || other.Status == TaskSkipped) {
					t.Status = TaskSkipped
					changed = true
					break
				}
			}
		}
	}
}

// Clone produces an independent copy suitable for a new revision.
func (p *Plan) Clone() *Plan {
	tasks := make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		cp := *t
		cp.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			cp.Arguments[k] = v
		}
		cp.DependsOn = append([]string(nil), t.DependsOn...)
		tasks[i] = &cp
	}
	return &Plan{
		Objective: p.Objective,
		Reasoning: p.Reasoning,
		Tasks:     tasks,
		Revision:  p.Revision + 1,
	}
}

// RiskLevel classifies a tool by whether it has side effects.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// ParamType is the set of parameter types a ToolDefinition can declare.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamPath    ParamType = "path"
)

// ParamSpec describes one parameter of a ToolDefinition.
type ParamSpec struct {
	Type        ParamType
	Required    bool
	Description string
}

// ToolDefinition is the registry-level description of a tool, independent of
// which provider implements it.
type ToolDefinition struct {
	Name        string
	Description string
	Risk        RiskLevel
	Parameters  map[string]ParamSpec
}

// ToolCall is a single structured call emitted by the model.
type ToolCall struct {
	ToolName  string
	Arguments map[string]any
	Reasoning string
	NativeID  string // backend-assigned correlation token, may be empty
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolName   string
	Success    bool
	Output     string
	Metadata   map[string]any // duration_ms, bytes, exit_code, match_count, path
	IsRejected bool
}

// ToolExecutionState is the lifecycle state of one ToolCall's execution.
type ToolExecutionState string

const (
	ExecPending   ToolExecutionState = "pending"
	ExecRunning   ToolExecutionState = "running"
	ExecCompleted ToolExecutionState = "completed"
	ExecFailed    ToolExecutionState = "failed"
)

// legalToolTransitions enumerates the monotonic state machine; anything not
// listed is a no-op (spec §3: "illegal transitions are no-ops").
var legalToolTransitions = map[ToolExecutionState]map[ToolExecutionState]bool{
	ExecPending: {ExecRunning: true},
	ExecRunning: {ExecCompleted: true, ExecFailed: true},
}

// ToolExecution tracks one call's state machine.
type ToolExecution struct {
	State ToolExecutionState
}

// NewToolExecution starts a fresh execution in the Pending state.
func NewToolExecution() *ToolExecution {
	return &ToolExecution{State: ExecPending}
}

// Transition moves to the target state if legal; otherwise it is a no-op and
// returns false. Completed and Failed are terminal: any further transition
// attempt (including to the same state) is a no-op.
func (e *ToolExecution) Transition(to ToolExecutionState) bool {
	if e.State == ExecCompleted || e.State == ExecFailed {
		return false
	}
	if legalToolTransitions[e.State][to] {
		e.State = to
		return true
	}
	return false
}

// Vote is one reviewer's judgment on a plan or action.
type Vote struct {
	Model      ModelRef
	Approved   bool
	Reasoning  string
	Confidence *float64 // optional, in [0,1]
}

// VoteResult aggregates a round's votes plus a rendered summary.
type VoteResult struct {
	Votes   []Vote
	Summary string
}

// Summarize renders the "[●●○]" style summary: one glyph per vote in order.
func Summarize(votes []Vote) string {
	out := make([]byte, 0, len(votes)+2)
	out = append(out, '[')
	for _, v := range votes {
		if v.Approved {
			out = append(out, []byte("●")...)
		} else {
			out = append(out, []byte("○")...)
		}
	}
	out = append(out, ']')
	return string(out)
}

// QuorumRuleKind tags which consensus predicate a QuorumRule applies.
type QuorumRuleKind string

const (
	RuleMajority   QuorumRuleKind = "majority"
	RuleUnanimous  QuorumRuleKind = "unanimous"
	RuleAtLeast    QuorumRuleKind = "atleast"
	RulePercentage QuorumRuleKind = "percentage"
)

// QuorumRule evaluates a set of votes to an approve/reject decision.
type QuorumRule struct {
	Kind QuorumRuleKind
	N    int     // for AtLeast
	P    float64 // for Percentage, in [0,100]
}

// Majority returns the Majority rule.
func Majority() QuorumRule { return QuorumRule{Kind: RuleMajority} }

// Unanimous returns the Unanimous rule.
func Unanimous() QuorumRule { return QuorumRule{Kind: RuleUnanimous} }

// AtLeast returns the AtLeast(n) rule.
func AtLeast(n int) QuorumRule { return QuorumRule{Kind: RuleAtLeast, N: n} }

// Percentage returns the Percentage(p) rule, p in [0,100].
func Percentage(p float64) QuorumRule { return QuorumRule{Kind: RulePercentage, P: p} }

// Evaluate applies the rule to a completed vote set. It is a pure predicate
// over the votes actually collected; the dispatched population, needed to
// compute Pending, is the caller's concern.
func (r QuorumRule) Evaluate(votes []Vote) bool {
	total := len(votes)
	if total == 0 {
		return r.Kind == RulePercentage && r.P == 0
	}
	approvals := 0
	for _, v := range votes {
		if v.Approved {
			approvals++
		}
	}
	rejections := total - approvals

	switch r.Kind {
	case RuleMajority:
		return approvals > rejections
	case RuleUnanimous:
		return approvals == total
	case RuleAtLeast:
		return approvals >= r.N
	case RulePercentage:
		return 100*float64(approvals)/float64(total) >= r.P
	default:
		return false
	}
}

// ConsensusOutcome is the tri-state result of a voting round.
type ConsensusOutcome string

const (
	OutcomeApproved ConsensusOutcome = "approved"
	OutcomeRejected ConsensusOutcome = "rejected"
	OutcomePending  ConsensusOutcome = "pending"
)

// ConsensusRound is one invocation of parallel reviewers plus aggregation.
type ConsensusRound struct {
	RoundNumber int
	Votes       []Vote
	Rule        QuorumRule
	Outcome     ConsensusOutcome
}

// ContentBlockKind tags an LlmResponse content block's variant.
type ContentBlockKind string

const (
	BlockText    ContentBlockKind = "text"
	BlockToolUse ContentBlockKind = "tool_use"
)

// ContentBlock is one block of an LlmResponse: either Text or ToolUse.
type ContentBlock struct {
	Kind ContentBlockKind
	Text string

	// ToolUse fields
	ID    string
	Name  string
	Input map[string]any
}

// StopReasonKind tags why an LlmResponse ended.
type StopReasonKind string

const (
	StopEndTurn   StopReasonKind = "end_turn"
	StopToolUse   StopReasonKind = "tool_use"
	StopMaxTokens StopReasonKind = "max_tokens"
	StopOther     StopReasonKind = "other"
)

// StopReason carries the kind plus, for StopOther, a free-form description.
type StopReason struct {
	Kind  StopReasonKind
	Other string
}

// LlmResponse is an ordered list of content blocks plus a stop reason.
type LlmResponse struct {
	Blocks     []ContentBlock
	Stop       StopReason
	ModelID    string
}

// ToolUses extracts every ToolUse block as a ToolCall, in block order.
func (r LlmResponse) ToolUses() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Blocks {
		if b.Kind == BlockToolUse {
			calls = append(calls, ToolCall{
				ToolName:  b.Name,
				Arguments: b.Input,
				NativeID:  b.ID,
			})
		}
	}
	return calls
}

// Text concatenates every Text block, in block order.
func (r LlmResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}
