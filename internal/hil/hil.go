// Package hil implements the Human-Intervention Port: a blocking point where
// a person can approve, reject, or edit a plan before the Agent Orchestrator
// proceeds. The pending-request/response-channel pattern is adapted from the
// teacher's internal/permission Checker.Ask, generalized from "approve a
// tool call" to "approve, reject, or edit a plan".
package hil

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
)

// describePlan renders a short summary for the uievent bus, which carries
// the plan as plain text rather than a structured value.
func describePlan(plan *types.Plan) string {
	if plan == nil {
		return ""
	}
	return fmt.Sprintf("%s (%d tasks, revision %d)", plan.Objective, len(plan.Tasks), plan.Revision)
}

// DecisionKind tags an InterventionDecision's variant.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionEdit    DecisionKind = "edit"
)

// InterventionDecision is the tagged-union result of request_intervention.
type InterventionDecision struct {
	Kind    DecisionKind
	NewPlan *types.Plan // set only when Kind == DecisionEdit
}

// ConfirmationDecision is the result of request_execution_confirmation.
type ConfirmationDecision string

const (
	ConfirmApprove ConfirmationDecision = "approve"
	ConfirmReject  ConfirmationDecision = "reject"
)

// ReviewRecord is one prior rejected-or-edited round, kept for the
// intervention prompt's review_history argument.
type ReviewRecord struct {
	Plan    *types.Plan
	Verdict types.ConsensusRound
}

// Port is the Human-Intervention Port interface the Agent Orchestrator
// depends on; Interactive, AutoApprove, and AutoReject each implement it.
type Port interface {
	RequestIntervention(ctx context.Context, request string, plan *types.Plan, history []ReviewRecord) (InterventionDecision, error)
	RequestExecutionConfirmation(ctx context.Context, request string, plan *types.Plan) (ConfirmationDecision, error)
}

// pendingResponse is what a UI delivers back through RespondIntervention.
type pendingResponse struct {
	decision InterventionDecision
}

// InteractiveChecker delegates to whatever renderer is subscribed to the
// uievent bus: it publishes HumanInterventionNeeded, blocks on a response
// channel, and completes when RespondIntervention or RespondConfirmation is
// called with the operator's choice.
type InteractiveChecker struct {
	mu      sync.Mutex
	pending map[string]chan pendingResponse
	confirm map[string]chan ConfirmationDecision
}

// NewInteractive constructs an InteractiveChecker.
func NewInteractive() *InteractiveChecker {
	return &InteractiveChecker{
		pending: make(map[string]chan pendingResponse),
		confirm: make(map[string]chan ConfirmationDecision),
	}
}

// RequestIntervention publishes a HumanInterventionNeeded event and blocks
// until RespondIntervention delivers a decision or ctx is cancelled.
func (c *InteractiveChecker) RequestIntervention(ctx context.Context, request string, plan *types.Plan, history []ReviewRecord) (InterventionDecision, error) {
	id := ulid.Make().String()
	ch := make(chan pendingResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	uievent.Publish(uievent.Event{
		Type: uievent.HumanInterventionNeeded,
		Data: uievent.HumanInterventionRequiredData{ID: id, Kind: "plan_review", Plan: describePlan(plan), Rationale: request},
	})

	select {
	case <-ctx.Done():
		return InterventionDecision{}, ctx.Err()
	case resp := <-ch:
		uievent.Publish(uievent.Event{
			Type: uievent.HumanInterventionResult,
			Data: uievent.HumanInterventionResolvedData{ID: id, Action: string(resp.decision.Kind)},
		})
		return resp.decision, nil
	}
}

// RequestExecutionConfirmation publishes a HumanInterventionNeeded event for
// the pre-execution gate and blocks for a response.
func (c *InteractiveChecker) RequestExecutionConfirmation(ctx context.Context, request string, plan *types.Plan) (ConfirmationDecision, error) {
	id := ulid.Make().String()
	ch := make(chan ConfirmationDecision, 1)
	c.mu.Lock()
	c.confirm[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.confirm, id)
		c.mu.Unlock()
	}()

	uievent.Publish(uievent.Event{
		Type: uievent.HumanInterventionNeeded,
		Data: uievent.HumanInterventionRequiredData{ID: id, Kind: "execution_confirmation", Plan: describePlan(plan), Rationale: request},
	})

	select {
	case <-ctx.Done():
		return ConfirmReject, ctx.Err()
	case resp := <-ch:
		uievent.Publish(uievent.Event{
			Type: uievent.HumanInterventionResult,
			Data: uievent.HumanInterventionResolvedData{ID: id, Action: string(resp)},
		})
		return resp, nil
	}
}

// RespondIntervention delivers an operator's decision to a pending
// RequestIntervention call.
func (c *InteractiveChecker) RespondIntervention(id string, decision InterventionDecision) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- pendingResponse{decision: decision}
	}
}

// RespondConfirmation delivers an operator's decision to a pending
// RequestExecutionConfirmation call.
func (c *InteractiveChecker) RespondConfirmation(id string, decision ConfirmationDecision) {
	c.mu.Lock()
	ch, ok := c.confirm[id]
	c.mu.Unlock()
	if ok {
		ch <- decision
	}
}

// AutoApprovePort always approves, never blocking - for fully unattended runs.
type AutoApprovePort struct{}

func (AutoApprovePort) RequestIntervention(ctx context.Context, request string, plan *types.Plan, history []ReviewRecord) (InterventionDecision, error) {
	return InterventionDecision{Kind: DecisionApprove}, nil
}

func (AutoApprovePort) RequestExecutionConfirmation(ctx context.Context, request string, plan *types.Plan) (ConfirmationDecision, error) {
	return ConfirmApprove, nil
}

// AutoRejectPort always rejects - for dry-run / plan-only inspection.
type AutoRejectPort struct{}

func (AutoRejectPort) RequestIntervention(ctx context.Context, request string, plan *types.Plan, history []ReviewRecord) (InterventionDecision, error) {
	return InterventionDecision{Kind: DecisionReject}, nil
}

func (AutoRejectPort) RequestExecutionConfirmation(ctx context.Context, request string, plan *types.Plan) (ConfirmationDecision, error) {
	return ConfirmReject, nil
}

// DefaultConfirmation is the "default implementation returns Approve to
// preserve backward compatibility" behavior spec'd for
// request_execution_confirmation when no operator is attached at all.
func DefaultConfirmation() ConfirmationDecision { return ConfirmApprove }

// ResolveEditFallback implements the Open-Question decision that an
// Edit(Plan) outcome with no actual plan attached is treated as equivalent
// to an Approve of the current plan, rather than a protocol error.
func ResolveEditFallback(decision InterventionDecision, current *types.Plan) *types.Plan {
	if decision.Kind == DecisionEdit && decision.NewPlan != nil {
		return decision.NewPlan
	}
	return current
}
