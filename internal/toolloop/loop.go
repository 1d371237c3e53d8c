// Package toolloop implements the native Tool-Use Loop (spec §4.6): a
// multi-turn cycle of "send to model -> execute returned tool calls ->
// send results back" bounded by a turn ceiling, partitioning calls by risk
// level so independent low-risk calls run concurrently (errgroup, grounded
// on the teacher's tool/batch.go) while high-risk calls run one at a time
// through an action reviewer.
package toolloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/quorumline/core/internal/gateway"
	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
)

// DefaultMaxToolTurns is the teacher's own ceiling applied generically to
// every Tool-Use Loop invocation (spec §4.6 step 5, default 10).
const DefaultMaxToolTurns = 10

// Executor runs one tool call and returns its result. Implementations adapt
// a domain ToolCall into whatever an actual tool registry's native Execute
// expects; the loop itself only ever talks in domain vocabulary.
type Executor interface {
	Execute(ctx context.Context, call types.ToolCall) types.ToolResult
}

// ActionReviewer gates a single high-risk tool call before it runs - backed
// by Quorum Voting, the Human-Intervention Port, or both, depending on the
// Agent Orchestrator's configured phase scope.
type ActionReviewer interface {
	Review(ctx context.Context, call types.ToolCall) (approved bool, reason string)
}

// AlwaysApprove is the zero-friction ActionReviewer used when no review gate
// is configured (e.g. a Fast-scope interaction).
type AlwaysApprove struct{}

func (AlwaysApprove) Review(ctx context.Context, call types.ToolCall) (bool, string) { return true, "" }

// ErrProtocolViolation names the failure where the backend's tool_use ids
// returned by a completion do not match one-to-one with the ids the loop sent
// in the prior turn's results. Run performs no such id check and never
// returns this error: it answers every call of a turn by position.
type ErrProtocolViolation struct {
	Missing []string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("toolloop: protocol violation, missing tool_use_id(s): %v", e.Missing)
}

// StopKind classifies why a Run call returned.
type StopKind string

const (
	StopDone        StopKind = "done"
	StopTruncated   StopKind = "truncated" // turn_count >= max_tool_turns
	StopCancelled   StopKind = "cancelled"
)

// Outcome is the Tool-Use Loop's terminal result.
type Outcome struct {
	Text      string
	Stop      StopKind
	TurnCount int
}

// Loop drives one Tool-Use Loop instance for a single interaction turn.
type Loop struct {
	gw       *gateway.Gateway
	exec     Executor
	reviewer ActionReviewer

	providerID, modelID string
	tools               []types.ToolDefinition
	maxTurns            int
}

// New constructs a Loop. maxTurns <= 0 defaults to DefaultMaxToolTurns.
func New(gw *gateway.Gateway, exec Executor, reviewer ActionReviewer, providerID, modelID string, tools []types.ToolDefinition, maxTurns int) *Loop {
	if reviewer == nil {
		reviewer = AlwaysApprove{}
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxToolTurns
	}
	return &Loop{
		gw:         gw,
		exec:       exec,
		reviewer:   reviewer,
		providerID: providerID,
		modelID:    modelID,
		tools:      tools,
		maxTurns:   maxTurns,
	}
}

// Run executes the loop starting from an initial message history, honoring
// ctx as the cancellation token at every suspension point (LLM call and tool
// call), per spec §4.6's cancellation semantics: in-flight calls that have
// not yet started are dropped, running ones finish, and the loop terminates
// with StopCancelled.
func (l *Loop) Run(ctx context.Context, messages []*schema.Message) (Outcome, error) {
	turnCount := 0
	var lastText string

	resp, err := l.gw.SendWithTools(ctx, l.providerID, l.modelID, messages, l.tools, 4096)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Stop: StopCancelled, TurnCount: turnCount}, nil
		}
		return Outcome{}, fmt.Errorf("toolloop: turn %d: %w", turnCount, err)
	}

	for {
		if resp.Text() != "" {
			lastText = resp.Text()
		}

		select {
		case <-ctx.Done():
			return Outcome{Text: lastText, Stop: StopCancelled, TurnCount: turnCount}, nil
		default:
		}

		if resp.Stop.Kind != types.StopToolUse {
			return Outcome{Text: lastText, Stop: StopDone, TurnCount: turnCount}, nil
		}

		calls := resp.ToolUses()
		results, err := l.executeBatch(ctx, calls)
		if err != nil {
			return Outcome{}, err
		}

		messages = append(messages, assistantMessage(resp))
		messages = gateway.AppendToolResults(messages, results)
		turnCount++

		if turnCount >= l.maxTurns {
			return Outcome{Text: lastText, Stop: StopTruncated, TurnCount: turnCount}, nil
		}

		resp, err = l.gw.SendWithTools(ctx, l.providerID, l.modelID, messages, l.tools, 4096)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Text: lastText, Stop: StopCancelled, TurnCount: turnCount}, nil
			}
			return Outcome{}, fmt.Errorf("toolloop: send results turn %d: %w", turnCount, err)
		}
	}
}

// assistantMessage renders an LlmResponse back into the message history so
// the next turn's request carries the assistant's own tool_use content.
func assistantMessage(resp types.LlmResponse) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant, Content: resp.Text()}
	for _, tu := range resp.ToolUses() {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:       tu.NativeID,
			Function: schema.FunctionCall{Name: tu.ToolName},
		})
	}
	return msg
}

// executeBatch partitions calls by risk level: RiskLow calls run
// concurrently via errgroup (mirroring the teacher's batch.Execute ordered-
// results pattern); RiskHigh calls run sequentially, each gated by the
// configured ActionReviewer first.
func (l *Loop) executeBatch(ctx context.Context, calls []types.ToolCall) ([]types.ToolResult, error) {
	results := make([]types.ToolResult, len(calls))
	executions := make([]*types.ToolExecution, len(calls))
	for i := range calls {
		executions[i] = types.NewToolExecution()
	}

	var lowIdx, highIdx []int
	for i, c := range calls {
		if toolRisk(l.tools, c.ToolName) == types.RiskHigh {
			highIdx = append(highIdx, i)
		} else {
			lowIdx = append(lowIdx, i)
		}
	}

	if len(lowIdx) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range lowIdx {
			idx := idx
			g.Go(func() error {
				if ctx.Err() != nil {
					// Never started, so the execution stays Pending.
					mu.Lock()
					results[idx] = stampExecState(executions[idx], types.ToolResult{ToolName: calls[idx].ToolName, Success: false, IsRejected: true, Output: "cancelled"})
					mu.Unlock()
					return nil
				}
				before := time.Now()
				uievent.Publish(uievent.Event{Type: uievent.ToolCallBefore, Data: uievent.ToolCallBeforeData{
					CallID: calls[idx].NativeID, ToolName: calls[idx].ToolName, Args: calls[idx].Arguments,
				}})
				executions[idx].Transition(types.ExecRunning)
				result := l.exec.Execute(gctx, calls[idx])
				result = finishExecution(executions[idx], result)
				mu.Lock()
				results[idx] = result
				mu.Unlock()
				uievent.Publish(uievent.Event{Type: uievent.ToolCallAfter, Data: uievent.ToolCallAfterData{
					CallID: calls[idx].NativeID, ToolName: calls[idx].ToolName, Success: result.Success,
					DurationMs: time.Since(before).Milliseconds(),
				}})
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, idx := range highIdx {
		select {
		case <-ctx.Done():
			// Never started, so the execution stays Pending rather than
			// forcing an illegal Pending->Failed transition.
			result := types.ToolResult{ToolName: calls[idx].ToolName, Success: false, IsRejected: true, Output: "cancelled"}
			results[idx] = stampExecState(executions[idx], result)
			continue
		default:
		}

		approved, reason := l.reviewer.Review(ctx, calls[idx])
		if !approved {
			result := types.ToolResult{ToolName: calls[idx].ToolName, Success: false, IsRejected: true, Output: "rejected: " + reason}
			results[idx] = stampExecState(executions[idx], result)
			continue
		}

		before := time.Now()
		uievent.Publish(uievent.Event{Type: uievent.ToolCallBefore, Data: uievent.ToolCallBeforeData{
			CallID: calls[idx].NativeID, ToolName: calls[idx].ToolName, Args: calls[idx].Arguments,
		}})
		executions[idx].Transition(types.ExecRunning)
		result := l.exec.Execute(ctx, calls[idx])
		result = finishExecution(executions[idx], result)
		results[idx] = result
		uievent.Publish(uievent.Event{Type: uievent.ToolCallAfter, Data: uievent.ToolCallAfterData{
			CallID: calls[idx].NativeID, ToolName: calls[idx].ToolName, Success: result.Success,
			DurationMs: time.Since(before).Milliseconds(),
		}})
	}

	return results, nil
}

// finishExecution transitions exec out of Running to its terminal state
// based on result.Success and stamps that state into the result's metadata
// (spec §3/§8's ToolExecution lifecycle).
func finishExecution(exec *types.ToolExecution, result types.ToolResult) types.ToolResult {
	if result.Success {
		exec.Transition(types.ExecCompleted)
	} else {
		exec.Transition(types.ExecFailed)
	}
	return stampExecState(exec, result)
}

// stampExecState records exec's current state into the result's metadata
// without attempting any transition, for calls that never ran (cancelled or
// rejected before execution) and so stay at ExecPending.
func stampExecState(exec *types.ToolExecution, result types.ToolResult) types.ToolResult {
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["exec_state"] = string(exec.State)
	return result
}

func toolRisk(defs []types.ToolDefinition, name string) types.RiskLevel {
	for _, d := range defs {
		if d.Name == name {
			return d.Risk
		}
	}
	return types.RiskLow
}
