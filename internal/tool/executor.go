package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agnivade/levenshtein"

	"github.com/quorumline/core/internal/permission"
	"github.com/quorumline/core/pkg/types"
)

// Executor adapts a Registry into the Tool-Use Loop's Executor port (spec
// §4.6): it translates a domain ToolCall into the registry's native
// Execute(ctx, json.RawMessage, *Context) call and translates the tool's
// Result back into a domain ToolResult.
type Executor struct {
	registry  *Registry
	sessionID string
	agent     string
	abortCh   <-chan struct{}
}

// NewExecutor builds an Executor backed by registry. sessionID/agent are
// threaded into every tool's Context so tools that key off them (bash
// permission memory, todo storage) behave the same as when driven directly
// from a chat turn.
func NewExecutor(registry *Registry, sessionID, agent string, abortCh <-chan struct{}) *Executor {
	return &Executor{registry: registry, sessionID: sessionID, agent: agent, abortCh: abortCh}
}

// Execute runs call.ToolName with call.Arguments against the registry. An
// unknown tool name or a marshal/execution failure becomes a failed
// ToolResult rather than a panic or bubbled error - the Tool-Use Loop treats
// every outcome, successful or not, as a result to hand back to the model.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	t, ok := e.registry.Get(call.ToolName)
	if !ok {
		output := fmt.Sprintf("unknown tool: %s", call.ToolName)
		if suggestion := e.suggestToolName(call.ToolName); suggestion != "" {
			output = fmt.Sprintf("%s (did you mean %q?)", output, suggestion)
		}
		return types.ToolResult{
			ToolName: call.ToolName,
			Success:  false,
			Output:   output,
		}
	}

	input, err := json.Marshal(call.Arguments)
	if err != nil {
		return types.ToolResult{
			ToolName: call.ToolName,
			Success:  false,
			Output:   fmt.Sprintf("invalid arguments: %v", err),
		}
	}

	toolCtx := &Context{
		SessionID: e.sessionID,
		Agent:     e.agent,
		WorkDir:   e.registry.workDir,
		AbortCh:   e.abortCh,
		CallID:    call.NativeID,
	}

	result, err := t.Execute(ctx, input, toolCtx)
	if err != nil {
		if permission.IsRejectedError(err) {
			return types.ToolResult{ToolName: call.ToolName, Success: false, IsRejected: true, Output: err.Error()}
		}
		return types.ToolResult{ToolName: call.ToolName, Success: false, Output: err.Error()}
	}

	return types.ToolResult{
		ToolName: call.ToolName,
		Success:  true,
		Output:   result.Output,
		Metadata: result.Metadata,
	}
}

// Definitions converts the registry's contents into the ToolDefinition
// manifest a Gateway call advertises to a provider, risk-classifying each by
// name against the teacher's own high-risk tool set (anything that mutates
// the filesystem or runs a shell).
func (e *Executor) Definitions() []types.ToolDefinition {
	tools := e.registry.List()
	defs := make([]types.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, types.ToolDefinition{
			Name:        t.ID(),
			Description: t.Description(),
			Risk:        riskFor(t.ID()),
			Parameters:  paramsFromSchema(t.Parameters()),
		})
	}
	return defs
}

// suggestToolName finds the registered tool name closest to name by edit
// distance, for "did you mean" hints when a model hallucinates a tool. Only
// offers a suggestion within a small distance - a long-range match is more
// confusing than no suggestion at all.
func (e *Executor) suggestToolName(name string) string {
	const maxDistance = 3

	best := ""
	bestDist := maxDistance + 1
	for _, id := range e.registry.IDs() {
		d := levenshtein.ComputeDistance(name, id)
		if d < bestDist {
			bestDist = d
			best = id
		}
	}
	if bestDist > maxDistance {
		return ""
	}
	return best
}

// riskFor classifies a tool by name. Tools that only read state are Low
// risk; anything that writes, deletes, or runs arbitrary commands is High.
func riskFor(id string) types.RiskLevel {
	switch id {
	case "read", "glob", "grep", "list", "todoread", "webfetch":
		return types.RiskLow
	default:
		return types.RiskHigh
	}
}

func paramsFromSchema(raw json.RawMessage) map[string]types.ParamSpec {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &jsonSchema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(jsonSchema.Required))
	for _, r := range jsonSchema.Required {
		required[r] = true
	}

	out := make(map[string]types.ParamSpec, len(jsonSchema.Properties))
	for name, prop := range jsonSchema.Properties {
		paramType := types.ParamString
		switch prop.Type {
		case "integer":
			paramType = types.ParamInteger
		case "number":
			paramType = types.ParamNumber
		case "boolean":
			paramType = types.ParamBoolean
		}
		out[name] = types.ParamSpec{Type: paramType, Required: required[name], Description: prop.Description}
	}
	return out
}
