// Package gateway implements the LLM Session component: it turns an
// Interaction's message history into provider completions, optionally
// carrying a tool manifest in the completion request, and translates the
// result back into the domain's LlmResponse. Every call goes through the
// provider registry; no call opens a Transport Router session.
//
// The retry/backoff strategy is lifted from the teacher's session/loop.go
// runLoop, generalized from one hardcoded provider call site into a
// reusable Gateway method any caller (Tool-Use Loop, Quorum Voting,
// Orchestrator) can use.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/quorumline/core/internal/logging"
	"github.com/quorumline/core/internal/provider"
	"github.com/quorumline/core/internal/transport"
	"github.com/quorumline/core/pkg/types"
)

const (
	// MaxRetries bounds the number of backoff attempts per completion call.
	MaxRetries = 3
	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval = time.Second
	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime bounds the total time spent retrying one call.
	RetryMaxElapsedTime = 2 * time.Minute
)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// StreamEventKind tags a streamed gateway event's variant.
type StreamEventKind string

const (
	StreamDelta            StreamEventKind = "delta"
	StreamToolCallDelta    StreamEventKind = "tool_call_delta"
	StreamCompletedResponse StreamEventKind = "completed_response"
	StreamError            StreamEventKind = "error"
)

// StreamEvent is one item of a SendStreaming channel.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	Response types.LlmResponse
	Err      error
}

// ToolSchemaPort translates domain ToolDefinitions into the tool manifest a
// provider completion request carries. The teacher's Eino ToolInfo
// translation (resolveTools/parseJSONSchemaToParams in session/loop.go) is
// the default adapter and the only implementation in this package.
type ToolSchemaPort interface {
	Translate(defs []types.ToolDefinition) ([]*schema.ToolInfo, error)
}

// einoSchemaAdapter is the teacher's JSON-Schema-to-Eino translation,
// generalized from one tool.Registry instance to an arbitrary []ToolDefinition.
type einoSchemaAdapter struct{}

// Translate implements ToolSchemaPort using Eino's native ToolInfo shape.
func (einoSchemaAdapter) Translate(defs []types.ToolDefinition) ([]*schema.ToolInfo, error) {
	result := make([]*schema.ToolInfo, 0, len(defs))
	for _, d := range defs {
		params := make(map[string]*schema.ParameterInfo, len(d.Parameters))
		for name, p := range d.Parameters {
			paramType := schema.String
			switch p.Type {
			case types.ParamInteger:
				paramType = schema.Integer
			case types.ParamNumber:
				paramType = schema.Number
			case types.ParamBoolean:
				paramType = schema.Boolean
			}
			params[name] = &schema.ParameterInfo{
				Type:     paramType,
				Desc:     p.Description,
				Required: p.Required,
			}
		}
		result = append(result, &schema.ToolInfo{
			Name:        d.Name,
			Desc:        d.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return result, nil
}

// Gateway is the LLM Session component (spec §4.2).
type Gateway struct {
	providers  *provider.Registry
	schemaPort ToolSchemaPort

	// router is the Router passed to New, kept as given. No Gateway method
	// reads it: tool manifests travel inside the provider completion request,
	// not over a separate Router session.
	router *transport.Router

	log zerolog.Logger
}

// New constructs a Gateway over a provider registry. router may be nil; the
// Gateway only stores it.
func New(providers *provider.Registry, router *transport.Router) *Gateway {
	return &Gateway{
		providers:  providers,
		schemaPort: einoSchemaAdapter{},
		router:     router,
		log:        logging.Component("gateway"),
	}
}

// Send performs a single non-streaming completion over the full message
// history, with no tool manifest attached.
func (g *Gateway) Send(ctx context.Context, providerID, modelID string, messages []*schema.Message, maxTokens int) (types.LlmResponse, error) {
	return g.complete(ctx, providerID, modelID, messages, nil, maxTokens)
}

// SendWithTools performs a completion with a tool manifest attached, so the
// backend may respond with tool_use content blocks.
func (g *Gateway) SendWithTools(ctx context.Context, providerID, modelID string, messages []*schema.Message, tools []types.ToolDefinition, maxTokens int) (types.LlmResponse, error) {
	return g.complete(ctx, providerID, modelID, messages, tools, maxTokens)
}

// AppendToolResults renders each ToolResult as a tool-role message, the wire
// shape a ToolCall's results are reported back in. Callers that need the
// extended history for a further turn (the Tool-Use Loop) should keep the
// returned slice rather than re-deriving it from SendToolResults.
func AppendToolResults(messages []*schema.Message, results []types.ToolResult) []*schema.Message {
	for _, r := range results {
		content := r.Output
		if r.IsRejected {
			content = "Rejected by reviewer: " + content
		}
		messages = append(messages, &schema.Message{
			Role:    schema.Tool,
			Content: content,
		})
	}
	return messages
}

// SendToolResults appends tool result messages to the history and performs
// another completion. The tool manifest is carried again on this call, since
// a Tool-Use Loop turn may itself return further ToolUse blocks (spec §4.6
// step 4 loops back to step 2's stop-reason inspection, not just to EndTurn).
func (g *Gateway) SendToolResults(ctx context.Context, providerID, modelID string, messages []*schema.Message, results []types.ToolResult, tools []types.ToolDefinition, maxTokens int) (types.LlmResponse, error) {
	messages = AppendToolResults(messages, results)
	return g.complete(ctx, providerID, modelID, messages, tools, maxTokens)
}

// SendStreaming performs a completion the same way SendWithTools does, but
// reports text and tool-call-argument deltas on the returned channel as they
// arrive instead of waiting for the full response. The channel always ends
// with exactly one StreamCompletedResponse or StreamError event, then closes.
// Streamed calls are not retried: once a delta has reached the caller there
// is no way to safely discard it, unlike complete's pre-first-chunk retries.
func (g *Gateway) SendStreaming(ctx context.Context, providerID, modelID string, messages []*schema.Message, tools []types.ToolDefinition, maxTokens int) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		prov, err := g.providers.Get(providerID)
		if err != nil {
			out <- StreamEvent{Kind: StreamError, Err: fmt.Errorf("gateway: provider not found: %w", err)}
			return
		}

		var toolInfos []*schema.ToolInfo
		if len(tools) > 0 {
			toolInfos, err = g.schemaPort.Translate(tools)
			if err != nil {
				out <- StreamEvent{Kind: StreamError, Err: fmt.Errorf("gateway: translate tool schema: %w", err)}
				return
			}
		}

		req := &provider.CompletionRequest{
			Model:     modelID,
			Messages:  messages,
			Tools:     toolInfos,
			MaxTokens: maxTokens,
		}

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			out <- StreamEvent{Kind: StreamError, Err: fmt.Errorf("gateway: completion failed: %w", err)}
			return
		}
		defer stream.Close()

		resp, err := g.relayStream(ctx, stream, modelID, out)
		if err != nil {
			out <- StreamEvent{Kind: StreamError, Err: err}
			return
		}
		out <- StreamEvent{Kind: StreamCompletedResponse, Response: resp}
	}()

	return out
}

// relayStream is accumulate's streaming twin: it does the same chunk
// bookkeeping but forwards a StreamDelta/StreamToolCallDelta event per chunk
// as it accumulates, instead of staying silent until EOF.
func (g *Gateway) relayStream(ctx context.Context, stream *provider.CompletionStream, modelID string, out chan<- StreamEvent) (types.LlmResponse, error) {
	var text string
	toolCalls := map[int]*schema.ToolCall{}
	order := []int{}
	var stop types.StopReason

	for {
		select {
		case <-ctx.Done():
			return types.LlmResponse{}, ctx.Err()
		default:
		}

		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.LlmResponse{}, err
		}
		if chunk == nil {
			break
		}

		if chunk.Content != "" {
			text += chunk.Content
			out <- StreamEvent{Kind: StreamDelta, Text: chunk.Content}
		}

		for i := range chunk.ToolCalls {
			tc := chunk.ToolCalls[i]
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCalls[idx]
			if !ok {
				cp := tc
				toolCalls[idx] = &cp
				order = append(order, idx)
			} else {
				existing.Function.Arguments += tc.Function.Arguments
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
			}
			if tc.Function.Arguments != "" {
				out <- StreamEvent{Kind: StreamToolCallDelta, Text: tc.Function.Arguments}
			}
		}

		if chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != "" {
			stop = resolveStopReason(chunk.ResponseMeta.FinishReason, len(toolCalls) > 0)
		}
	}

	var blocks []types.ContentBlock
	if text != "" {
		blocks = append(blocks, types.ContentBlock{Kind: types.BlockText, Text: text})
	}
	for _, idx := range order {
		tc := toolCalls[idx]
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		blocks = append(blocks, types.ContentBlock{
			Kind:  types.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	if stop.Kind == "" {
		if len(toolCalls) > 0 {
			stop = types.StopReason{Kind: types.StopToolUse}
		} else {
			stop = types.StopReason{Kind: types.StopEndTurn}
		}
	}

	return types.LlmResponse{Blocks: blocks, Stop: stop, ModelID: modelID}, nil
}

func (g *Gateway) complete(
	ctx context.Context,
	providerID, modelID string,
	messages []*schema.Message,
	tools []types.ToolDefinition,
	maxTokens int,
) (types.LlmResponse, error) {
	prov, err := g.providers.Get(providerID)
	if err != nil {
		return types.LlmResponse{}, fmt.Errorf("gateway: provider not found: %w", err)
	}

	var toolInfos []*schema.ToolInfo
	if len(tools) > 0 {
		toolInfos, err = g.schemaPort.Translate(tools)
		if err != nil {
			return types.LlmResponse{}, fmt.Errorf("gateway: translate tool schema: %w", err)
		}
	}

	req := &provider.CompletionRequest{
		Model:     modelID,
		Messages:  messages,
		Tools:     toolInfos,
		MaxTokens: maxTokens,
	}

	retryBackoff := newRetryBackoff(ctx)
	for {
		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			next := retryBackoff.NextBackOff()
			if next == backoff.Stop {
				return types.LlmResponse{}, fmt.Errorf("gateway: completion failed after retries: %w", err)
			}
			g.log.Warn().Err(err).Dur("retry_in", next).Msg("completion request failed, retrying")
			time.Sleep(next)
			continue
		}

		resp, err := accumulate(stream, modelID)
		stream.Close()
		if err != nil {
			next := retryBackoff.NextBackOff()
			if next == backoff.Stop {
				return types.LlmResponse{}, fmt.Errorf("gateway: stream failed after retries: %w", err)
			}
			g.log.Warn().Err(err).Dur("retry_in", next).Msg("stream read failed, retrying")
			time.Sleep(next)
			continue
		}

		return resp, nil
	}
}

// accumulate drains a provider stream into a single LlmResponse, merging
// streamed text deltas and tool-call argument fragments the way the
// teacher's processStream does, but returning the finished value instead of
// invoking a UI callback per chunk.
func accumulate(stream *provider.CompletionStream, modelID string) (types.LlmResponse, error) {
	var text string
	toolCalls := map[int]*schema.ToolCall{}
	order := []int{}
	var stop types.StopReason

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.LlmResponse{}, err
		}
		if chunk == nil {
			break
		}

		text += chunk.Content

		for i := range chunk.ToolCalls {
			tc := chunk.ToolCalls[i]
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCalls[idx]
			if !ok {
				cp := tc
				toolCalls[idx] = &cp
				order = append(order, idx)
				continue
			}
			existing.Function.Arguments += tc.Function.Arguments
			if tc.Function.Name != "" {
				existing.Function.Name = tc.Function.Name
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
		}

		if chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != "" {
			stop = resolveStopReason(chunk.ResponseMeta.FinishReason, len(toolCalls) > 0)
		}
	}

	var blocks []types.ContentBlock
	if text != "" {
		blocks = append(blocks, types.ContentBlock{Kind: types.BlockText, Text: text})
	}
	for _, idx := range order {
		tc := toolCalls[idx]
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		blocks = append(blocks, types.ContentBlock{
			Kind:  types.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	if stop.Kind == "" {
		if len(toolCalls) > 0 {
			stop = types.StopReason{Kind: types.StopToolUse}
		} else {
			stop = types.StopReason{Kind: types.StopEndTurn}
		}
	}

	return types.LlmResponse{Blocks: blocks, Stop: stop, ModelID: modelID}, nil
}

func resolveStopReason(finish string, hasToolCalls bool) types.StopReason {
	switch finish {
	case "stop", "end_turn":
		return types.StopReason{Kind: types.StopEndTurn}
	case "tool_use", "tool_calls":
		return types.StopReason{Kind: types.StopToolUse}
	case "max_tokens", "length":
		return types.StopReason{Kind: types.StopMaxTokens}
	default:
		if hasToolCalls {
			return types.StopReason{Kind: types.StopToolUse}
		}
		return types.StopReason{Kind: types.StopOther, Other: finish}
	}
}
