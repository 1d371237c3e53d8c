package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/quorumline/core/internal/permission"
	"github.com/quorumline/core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute_UnknownTool(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	exec := NewExecutor(registry, "sess", "build", nil)

	result := exec.Execute(context.Background(), types.ToolCall{ToolName: "does_not_exist"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "unknown tool")
}

func TestExecutor_Execute_UnknownTool_SuggestsClosestMatch(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	registry.Register(newMockTool("bash", "runs a command"))
	exec := NewExecutor(registry, "sess", "build", nil)

	result := exec.Execute(context.Background(), types.ToolCall{ToolName: "basg"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, `did you mean "bash"`)
}

func TestExecutor_Execute_DelegatesToRegistry(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	registry.Register(newMockTool("mock", "a mock tool"))
	exec := NewExecutor(registry, "sess", "build", nil)

	result := exec.Execute(context.Background(), types.ToolCall{ToolName: "mock", Arguments: map[string]any{}})
	assert.True(t, result.Success)
	assert.Equal(t, "mock result", result.Output)
}

// rejectingTool always fails with a permission.RejectedError, exercising the
// executor's is_rejected translation.
type rejectingTool struct{ mockTool }

func (r *rejectingTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	return nil, &permission.RejectedError{Message: "denied by reviewer"}
}

func TestExecutor_Execute_TranslatesRejection(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	registry.Register(&rejectingTool{mockTool: *newMockTool("risky", "a risky tool")})
	exec := NewExecutor(registry, "sess", "build", nil)

	result := exec.Execute(context.Background(), types.ToolCall{ToolName: "risky", Arguments: map[string]any{}})
	assert.False(t, result.Success)
	assert.True(t, result.IsRejected)
	assert.Contains(t, result.Output, "denied by reviewer")
}

func TestExecutor_Definitions_ClassifiesRisk(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	registry.Register(newMockTool("read", "reads a file"))
	registry.Register(newMockTool("bash", "runs a command"))
	exec := NewExecutor(registry, "sess", "build", nil)

	defs := exec.Definitions()
	require.Len(t, defs, 2)

	byName := map[string]types.ToolDefinition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	assert.Equal(t, types.RiskLow, byName["read"].Risk)
	assert.Equal(t, types.RiskHigh, byName["bash"].Risk)
}
