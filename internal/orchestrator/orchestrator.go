// Package orchestrator implements the Agent Orchestrator: it drives an Agent
// interaction through five phases (context gathering, planning, plan
// review, execution confirmation, task execution, final review), gated by a
// PhaseScope. The phase-by-phase structure mirrors the teacher's own
// session.Processor.runLoop staged pipeline (system prompt -> completion ->
// tool loop -> compaction), generalized from one LLM turn to a whole
// multi-phase agent run.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/quorumline/core/internal/gateway"
	"github.com/quorumline/core/internal/hil"
	"github.com/quorumline/core/internal/interaction"
	"github.com/quorumline/core/internal/logging"
	"github.com/quorumline/core/internal/quorum"
	"github.com/quorumline/core/internal/reference"
	"github.com/quorumline/core/internal/toolloop"
	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
)

// PhaseScope controls which phases an Agent run goes through (spec §4.5's
// Full / Fast / PlanOnly gating table).
type PhaseScope string

const (
	ScopeFull     PhaseScope = "full"
	ScopeFast     PhaseScope = "fast"
	ScopePlanOnly PhaseScope = "plan_only"
)

// PlanningMode selects how candidate plans are produced.
type PlanningMode string

const (
	PlanningSolo     PlanningMode = "solo"
	PlanningEnsemble PlanningMode = "ensemble"
)

// Phase is one step of the monotonic phase sequence; once advanced past, a
// phase is never re-entered (revisions stay within PhaseReview/PhasePlanning).
type Phase string

const (
	PhaseContextGathering Phase = "context_gathering"
	PhasePlanning         Phase = "planning"
	PhaseReview           Phase = "plan_review"
	PhaseConfirmation     Phase = "execution_confirmation"
	PhaseExecution        Phase = "task_execution"
	PhaseFinalReview      Phase = "final_review"
	PhaseDone             Phase = "done"
)

// DecisionModel is the model the orchestrator asks for plans and falls back
// to when Ensemble planning times out.
type DecisionModel struct {
	ProviderID string
	ModelID    string
	Model      types.ModelRef
}

// SessionMode is a static property of the InteractionForm driving this run:
// which phases it goes through and how candidate plans get produced.
type SessionMode struct {
	Scope    PhaseScope
	Planning PlanningMode
}

// ModelConfig names the models an Orchestrator run talks to: the single
// decision model used for planning/execution, and the reviewer panel used
// for every Quorum Voting round.
type ModelConfig struct {
	Decision  DecisionModel
	Reviewers []quorum.Reviewer
}

// AgentPolicy holds the consensus and revision rules governing how a run
// decides whether to proceed.
type AgentPolicy struct {
	PlanRule         types.QuorumRule
	FinalRule        types.QuorumRule
	MaxPlanRevisions int
	RunFinalReview   bool
}

// ExecutionParams holds the bounds and side inputs for the context-gathering
// and task-execution phases.
type ExecutionParams struct {
	MaxToolTurns    int
	EnsembleTimeout time.Duration
	ExploreTools    []types.ToolDefinition // read-only tools for step 1(b)
	ExecutionTools  []types.ToolDefinition

	// Resolver and its defaults are optional; when Resolver is nil, context
	// gathering skips reference extraction entirely.
	Resolver     reference.Resolver
	DefaultOwner string
	DefaultRepo  string
}

// Config configures one Orchestrator run as four separate groups aggregated
// by the use case (spec §9: "avoid a single fat config struct") rather than
// one flat bag of fields - which groups apply is a static property of the
// InteractionForm driving the run.
type Config struct {
	Session SessionMode
	Model   ModelConfig
	Policy  AgentPolicy
	Exec    ExecutionParams
}

// DefaultMaxPlanRevisions bounds the plan-review loop before escalating to
// the Human-Intervention Port (spec §4.5 step 3).
const DefaultMaxPlanRevisions = 3

// Orchestrator drives Agent interactions through their five-phase lifecycle.
type Orchestrator struct {
	gw   *gateway.Gateway
	tree *interaction.Tree
	qp   *quorum.Panel
	hilP hil.Port
	exec toolloop.Executor
	cfg  Config
}

// New constructs an Orchestrator. cfg.Policy.MaxPlanRevisions and
// cfg.Exec.MaxToolTurns <= 0 fall back to package defaults.
func New(gw *gateway.Gateway, tree *interaction.Tree, qp *quorum.Panel, hilP hil.Port, exec toolloop.Executor, cfg Config) *Orchestrator {
	if cfg.Policy.MaxPlanRevisions <= 0 {
		cfg.Policy.MaxPlanRevisions = DefaultMaxPlanRevisions
	}
	if cfg.Exec.MaxToolTurns <= 0 {
		cfg.Exec.MaxToolTurns = toolloop.DefaultMaxToolTurns
	}
	return &Orchestrator{gw: gw, tree: tree, qp: qp, hilP: hilP, exec: exec, cfg: cfg}
}

var log = logging.Component("orchestrator")

// Run drives one Agent interaction from context gathering through whatever
// final phase cfg.Session.Scope permits, returning the terminal InteractionResult.
func (o *Orchestrator) Run(ctx context.Context, ia types.Interaction, request string) (types.InteractionResult, error) {
	setPhase(ia.ID, PhaseContextGathering)
	contextBrief := o.gatherContext(ctx, ia, request)

	setPhase(ia.ID, PhasePlanning)
	plan, err := o.plan(ctx, request, contextBrief, nil)
	if err != nil {
		return types.InteractionResult{}, fmt.Errorf("orchestrator: planning: %w", err)
	}
	uievent.Publish(uievent.Event{
		Type: uievent.PlanCreated,
		Data: uievent.PlanCreatedData{Objective: plan.Objective, TaskCount: len(plan.Tasks), Revision: plan.Revision},
	})

	if o.cfg.Session.Scope == ScopePlanOnly {
		return types.InteractionResult{Kind: types.ResultAgent, Success: true, Summary: renderPlanSummary(plan)}, nil
	}

	if o.cfg.Session.Scope == ScopeFull {
		setPhase(ia.ID, PhaseReview)
		plan, err = o.reviewPlanUntilApproved(ctx, request, contextBrief, plan)
		if err != nil {
			return types.InteractionResult{}, err
		}
		if plan == nil {
			return types.InteractionResult{Kind: types.ResultAgent, Success: false, Summary: "aborted: plan rejected"}, nil
		}

		setPhase(ia.ID, PhaseConfirmation)
		confirm, err := o.hilP.RequestExecutionConfirmation(ctx, request, plan)
		if err != nil {
			return types.InteractionResult{}, fmt.Errorf("orchestrator: execution confirmation: %w", err)
		}
		if confirm == hil.ConfirmReject {
			return types.InteractionResult{Kind: types.ResultAgent, Success: false, Summary: "aborted: execution not confirmed"}, nil
		}
	}

	setPhase(ia.ID, PhaseExecution)
	summary, execErr := o.executePlan(ctx, plan)

	if o.cfg.Session.Scope == ScopeFull && o.cfg.Policy.RunFinalReview {
		setPhase(ia.ID, PhaseFinalReview)
		round, err := o.qp.Vote(ctx, "final_review", o.cfg.Model.Reviewers, finalReviewPrompt(plan, summary), o.cfg.Policy.FinalRule)
		if err == nil && round.Outcome == types.OutcomeRejected {
			summary += "\n\n[final review: reviewers flagged this outcome]"
		}
	}

	setPhase(ia.ID, PhaseDone)
	result := types.InteractionResult{Kind: types.ResultAgent, Success: execErr == nil, Summary: summary}
	_ = o.tree.Complete(ia.ID, result)
	return result, execErr
}

func setPhase(interactionID string, phase Phase) {
	uievent.Publish(uievent.Event{
		Type: uievent.PhaseChanged,
		Data: uievent.PhaseChangedData{InteractionID: interactionID, Phase: string(phase)},
	})
}

// gatherContext implements the three-level fallback from spec §4.5 step 1:
// known context files (here, a completed child's inbox delivery), then a
// bounded read-only exploration loop, then minimal context if both come up
// short. Resource references are always extracted from the request and
// resolved in parallel, independent of which fallback level supplied the
// rest of the brief.
func (o *Orchestrator) gatherContext(ctx context.Context, ia types.Interaction, request string) string {
	brief := request
	if injected := o.tree.DrainInbox(ia.ID); len(injected) > 0 {
		for _, inj := range injected {
			brief += "\n\n" + inj
		}
	} else if len(o.cfg.Exec.ExploreTools) > 0 {
		loop := toolloop.New(o.gw, o.exec, toolloop.AlwaysApprove{}, o.cfg.Model.Decision.ProviderID, o.cfg.Model.Decision.ModelID, o.cfg.Exec.ExploreTools, 4)
		outcome, err := loop.Run(ctx, []*schema.Message{
			{Role: schema.System, Content: exploreSystemPrompt},
			{Role: schema.User, Content: request},
		})
		if err != nil {
			log.Warn().Err(err).Msg("context exploration failed, proceeding with minimal context")
		} else if outcome.Text != "" {
			brief += "\n\n" + outcome.Text
		}
	}

	if o.cfg.Exec.Resolver != nil {
		refs := reference.Extract(request, o.cfg.Exec.DefaultOwner, o.cfg.Exec.DefaultRepo)
		if len(refs) > 0 {
			resolved := reference.ResolveAll(ctx, o.cfg.Exec.Resolver, refs)
			if rendered := reference.RenderContext(resolved); rendered != "" {
				brief += "\n\n" + rendered
			}
		}
	}

	return brief
}

const exploreSystemPrompt = `You are gathering context for an upcoming task using only read-only tools. Summarize what you find; do not propose changes yet.`

// plan produces a Plan via Solo or Ensemble mode, folding prior review
// feedback into the prompt on a revision.
func (o *Orchestrator) plan(ctx context.Context, request, contextBrief string, feedback []string) (*types.Plan, error) {
	prompt := planningPrompt(request, contextBrief, feedback)

	if o.cfg.Session.Planning == PlanningSolo || len(o.cfg.Model.Reviewers) == 0 {
		return o.planSolo(ctx, prompt)
	}
	return o.planEnsemble(ctx, prompt)
}

func (o *Orchestrator) planSolo(ctx context.Context, prompt string) (*types.Plan, error) {
	resp, err := o.gw.Send(ctx, o.cfg.Model.Decision.ProviderID, o.cfg.Model.Decision.ModelID, []*schema.Message{
		{Role: schema.System, Content: planningSystemPrompt},
		{Role: schema.User, Content: prompt},
	}, 4096)
	if err != nil {
		return nil, err
	}
	return parsePlan(resp.Text()), nil
}

// planCandidate is one reviewer's submitted plan, scored for ensemble
// selection.
type planCandidate struct {
	plan  *types.Plan
	model types.ModelRef
}

// planEnsemble asks every reviewer for a candidate plan in parallel, then
// selects the highest-scored candidate (ties broken by model identifier in
// lexicographic order, so the result is independent of arrival order per
// spec's ensemble-planning ordering guarantee); on timeout or total failure
// it falls back to Solo with the decision model.
func (o *Orchestrator) planEnsemble(ctx context.Context, prompt string) (*types.Plan, error) {
	timeout := o.cfg.Exec.EnsembleTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := make(chan planCandidate, len(o.cfg.Model.Reviewers))
	for _, rv := range o.cfg.Model.Reviewers {
		rv := rv
		go func() {
			resp, err := o.gw.Send(ectx, rv.ProviderID, rv.ModelID, []*schema.Message{
				{Role: schema.System, Content: planningSystemPrompt},
				{Role: schema.User, Content: prompt},
			}, 4096)
			if err != nil {
				return
			}
			plan := parsePlan(resp.Text())
			if plan == nil {
				return
			}
			uievent.Publish(uievent.Event{
				Type: uievent.EnsemblePlanGenerated,
				Data: uievent.EnsemblePlanGeneratedData{Model: string(rv.Model), Tasks: len(plan.Tasks)},
			})
			select {
			case candidates <- planCandidate{plan: plan, model: rv.Model}:
			case <-ectx.Done():
			}
		}()
	}

	var collected []planCandidate
	for len(collected) < len(o.cfg.Model.Reviewers) {
		select {
		case c := <-candidates:
			collected = append(collected, c)
		case <-ectx.Done():
			if len(collected) > 0 {
				return o.selectBestPlan(ctx, collected), nil
			}
			log.Warn().Msg("ensemble planning timed out with no candidates, falling back to solo")
			return o.planSolo(ctx, prompt)
		}
	}

	if len(collected) == 0 {
		return o.planSolo(ctx, prompt)
	}
	return o.selectBestPlan(ctx, collected), nil
}

// scoredCandidate pairs a planCandidate with its voting-round approval
// score.
type scoredCandidate struct {
	planCandidate
	score float64
}

// selectBestPlan runs the quorum voting round spec §4.5 step 2 requires:
// every candidate plan is put to the same reviewer panel, scored by
// quorum.ApprovalFraction over that round's votes, and the
// highest-average-scored candidate wins - not a proxy like task count,
// which would reward padding a plan with pointless tasks. Ties (including
// every candidate scoring 0, e.g. because every review call failed) are
// broken by model identifier in lexicographic order so the outcome does
// not depend on arrival order. Uses ctx rather than the ensemble
// generation's own deadline, since scoring is a separate step that should
// not inherit an already-expired timeout.
func (o *Orchestrator) selectBestPlan(ctx context.Context, candidates []planCandidate) *types.Plan {
	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		round, err := o.qp.Vote(ctx, "ensemble_plan_review", o.cfg.Model.Reviewers, ensemblePlanReviewPrompt(c.plan), o.cfg.Policy.PlanRule)
		score := 0.0
		if err != nil {
			log.Warn().Err(err).Str("model", string(c.model)).Msg("ensemble candidate scoring failed, treating as lowest score")
		} else {
			score = quorum.ApprovalFraction(round.Votes)
		}
		scored[i] = scoredCandidate{planCandidate: c, score: score}
	}

	best := scored[0]
	for _, c := range scored[1:] {
		if c.score > best.score || (c.score == best.score && c.model < best.model) {
			best = c
		}
	}
	return best.plan
}

func ensemblePlanReviewPrompt(plan *types.Plan) string {
	return fmt.Sprintf("Score this candidate plan for a multi-model ensemble selection:\nObjective: %s\n%s", plan.Objective, renderPlanSummary(plan))
}

// reviewPlanUntilApproved runs the plan-review loop (spec §4.5 step 3): a
// rejected plan's feedback is folded into the next planning prompt, bounded
// by MaxPlanRevisions before escalating to the Human-Intervention Port.
func (o *Orchestrator) reviewPlanUntilApproved(ctx context.Context, request, contextBrief string, plan *types.Plan) (*types.Plan, error) {
	var history []hil.ReviewRecord
	var feedback []string

	for revision := 0; revision < o.cfg.Policy.MaxPlanRevisions; revision++ {
		round, err := o.qp.Vote(ctx, "plan_review", o.cfg.Model.Reviewers, reviewPrompt(plan), o.cfg.Policy.PlanRule)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: plan review: %w", err)
		}
		history = append(history, hil.ReviewRecord{Plan: plan, Verdict: round})

		if round.Outcome == types.OutcomeApproved {
			return plan, nil
		}

		for _, v := range round.Votes {
			if !v.Approved && v.Reasoning != "" {
				feedback = append(feedback, v.Reasoning)
			}
		}

		plan.Revision++
		next, err := o.plan(ctx, request, contextBrief, feedback)
		if err != nil {
			return nil, err
		}
		next.Revision = plan.Revision
		plan = next
	}

	decision, err := o.hilP.RequestIntervention(ctx, request, plan, history)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: human intervention: %w", err)
	}
	switch decision.Kind {
	case hil.DecisionReject:
		return nil, nil
	case hil.DecisionEdit:
		return hil.ResolveEditFallback(decision, plan), nil
	default:
		return plan, nil
	}
}

// executePlan runs the Tool-Use Loop for each ready task until the plan is
// exhausted, propagating failures to dependents (spec §4.5 step 5).
func (o *Orchestrator) executePlan(ctx context.Context, plan *types.Plan) (string, error) {
	var summaries []string

	for {
		ready := plan.ReadyTasks()
		if len(ready) == 0 {
			break
		}

		for _, task := range ready {
			task.Status = types.TaskRunning
			result, err := o.runTask(ctx, task)
			if err != nil {
				task.Status = types.TaskFailed
				summaries = append(summaries, fmt.Sprintf("task %s failed: %v", task.ID, err))
				continue
			}
			task.Status = types.TaskCompleted
			summaries = append(summaries, result)
		}
		plan.PropagateFailures()
	}

	text := ""
	for i, s := range summaries {
		if i > 0 {
			text += "\n"
		}
		text += s
	}

	var failed bool
	for _, t := range plan.Tasks {
		if t.Status == types.TaskFailed {
			failed = true
		}
	}
	if failed {
		return text, fmt.Errorf("orchestrator: one or more tasks failed")
	}
	return text, nil
}

// runTask drives one task through a Tool-Use Loop of up to MaxToolTurns
// turns, starting from a prompt that names the task's tool and context; the
// model issues the tool calls, and high-risk ones pass through the
// ActionReviewer before executing.
func (o *Orchestrator) runTask(ctx context.Context, task *types.Task) (string, error) {
	reviewer := toolloop.ActionReviewer(toolloop.AlwaysApprove{})
	if o.cfg.Session.Scope == ScopeFull {
		reviewer = quorumActionReviewer{qp: o.qp, rule: o.cfg.Policy.PlanRule, reviewers: o.cfg.Model.Reviewers}
	}

	loop := toolloop.New(o.gw, o.exec, reviewer, o.cfg.Model.Decision.ProviderID, o.cfg.Model.Decision.ModelID, o.cfg.Exec.ExecutionTools, o.cfg.Exec.MaxToolTurns)
	outcome, err := loop.Run(ctx, []*schema.Message{
		{Role: schema.System, Content: taskSystemPrompt},
		{Role: schema.User, Content: fmt.Sprintf("Task: %s\nContext: %s", task.ToolName, task.ContextBrief)},
	})
	if err != nil {
		return "", err
	}
	return outcome.Text, nil
}

const taskSystemPrompt = `You are executing one task from an approved plan. Use the available tools to complete it, then summarize the outcome in one or two sentences.`

// quorumActionReviewer gates a single High-risk tool call with a Quorum
// Voting round, the "Action Review" of spec §4.5 step 4a.
type quorumActionReviewer struct {
	qp        *quorum.Panel
	rule      types.QuorumRule
	reviewers []quorum.Reviewer
}

func (r quorumActionReviewer) Review(ctx context.Context, call types.ToolCall) (bool, string) {
	round, err := r.qp.Vote(ctx, "action_review", r.reviewers, actionReviewPrompt(call), r.rule)
	if err != nil {
		return false, err.Error()
	}
	if round.Outcome != types.OutcomeApproved {
		return false, "reviewers did not approve this action"
	}
	return true, ""
}

func planningPrompt(request, contextBrief string, feedback []string) string {
	prompt := fmt.Sprintf("Request: %s\n\nContext:\n%s", request, contextBrief)
	if len(feedback) > 0 {
		prompt += "\n\nPrior review feedback to address:\n"
		for _, f := range feedback {
			prompt += "- " + f + "\n"
		}
	}
	return prompt
}

const planningSystemPrompt = `You are a planning model. Produce a numbered list of concrete tasks to accomplish the request. One task per line, format: "N. tool_name: brief description".`

func reviewPrompt(plan *types.Plan) string {
	return fmt.Sprintf("Review this plan:\nObjective: %s\n%s", plan.Objective, renderPlanSummary(plan))
}

func actionReviewPrompt(call types.ToolCall) string {
	return fmt.Sprintf("Review this proposed high-risk tool call before it runs:\nTool: %s\nArguments: %v\nReasoning: %s", call.ToolName, call.Arguments, call.Reasoning)
}

func finalReviewPrompt(plan *types.Plan, summary string) string {
	return fmt.Sprintf("Review the outcome of this completed plan:\nObjective: %s\nSummary:\n%s", plan.Objective, summary)
}

func renderPlanSummary(plan *types.Plan) string {
	out := plan.Objective
	for _, t := range plan.Tasks {
		out += fmt.Sprintf("\n- [%s] %s", t.Status, t.ToolName)
	}
	return out
}

// parsePlan turns a decision model's free-text plan into a structured Plan.
// Lines of the form "N. tool_name: description" become Tasks in order, with
// each depending on the previous (a conservative default that is safe even
// when the model's own text did not spell out dependencies explicitly).
func parsePlan(text string) *types.Plan {
	lines := splitNonEmptyLines(text)
	plan := &types.Plan{Objective: firstLine(text)}

	var prevID string
	for i, line := range lines {
		tool, desc := parseTaskLine(line)
		if tool == "" {
			continue
		}
		id := fmt.Sprintf("t%d", i+1)
		var deps []string
		if prevID != "" {
			deps = []string{prevID}
		}
		plan.Tasks = append(plan.Tasks, &types.Task{
			ID: id, ToolName: tool, ContextBrief: desc, DependsOn: deps, Status: types.TaskPending,
		})
		prevID = id
	}
	return plan
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := trimSpace(s[start:i])
			if line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return trimSpace(s[:i])
		}
	}
	return trimSpace(s)
}

// parseTaskLine extracts "tool_name" and "description" from a line shaped
// like "N. tool_name: description", tolerating missing numbering.
func parseTaskLine(line string) (tool, desc string) {
	rest := line
	if i := indexByte(rest, '.'); i >= 0 && i < 4 && isAllDigits(rest[:i]) {
		rest = trimSpace(rest[i+1:])
	}
	colon := indexByte(rest, ':')
	if colon < 0 {
		return trimSpace(rest), ""
	}
	return trimSpace(rest[:colon]), trimSpace(rest[colon+1:])
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isBlank(s[start]) {
		start++
	}
	for end > start && isBlank(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isBlank(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}
