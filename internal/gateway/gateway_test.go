package gateway

import (
	"context"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumline/core/internal/provider"
	"github.com/quorumline/core/pkg/types"
)

// fakeProvider implements provider.Provider and returns a scripted sequence
// of chunks, mirroring the mockProvider pattern from internal/provider's own
// registry_test.go.
type fakeProvider struct {
	id     string
	chunks []*schema.Message
}

func (f *fakeProvider) ID() string            { return f.id }
func (f *fakeProvider) Name() string          { return f.id }
func (f *fakeProvider) Models() []types.Model { return nil }
func (f *fakeProvider) ChatModel() einoModel.ToolCallingChatModel {
	return nil
}

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	reader := schema.StreamReaderFromArray(f.chunks)
	return provider.NewCompletionStream(reader), nil
}

func newTestRegistry(provs ...provider.Provider) *provider.Registry {
	reg := provider.NewRegistry(nil)
	for _, p := range provs {
		reg.Register(p)
	}
	return reg
}

func TestGateway_Send_AccumulatesText(t *testing.T) {
	fp := &fakeProvider{id: "fake", chunks: []*schema.Message{
		{Role: schema.Assistant, Content: "Hello, "},
		{Role: schema.Assistant, Content: "world."},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
	}}

	g := New(newTestRegistry(fp), nil)

	resp, err := g.Send(context.Background(), "fake", "model-1", []*schema.Message{
		{Role: schema.User, Content: "hi"},
	}, 1024)
	require.NoError(t, err)

	assert.Equal(t, types.StopEndTurn, resp.Stop.Kind)
	assert.Equal(t, "Hello, world.", resp.Text())
}

func TestGateway_SendWithTools_ExtractsToolUse(t *testing.T) {
	idx0 := 0
	fp := &fakeProvider{id: "fake", chunks: []*schema.Message{
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
			{Index: &idx0, ID: "call_1", Function: schema.FunctionCall{Name: "search"}},
		}},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
			{Index: &idx0, Function: schema.FunctionCall{Arguments: `{"query":`}},
		}},
		{Role: schema.Assistant, ToolCalls: []schema.ToolCall{
			{Index: &idx0, Function: schema.FunctionCall{Arguments: `"go"}`}},
		}},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "tool_calls"}},
	}}

	g := New(newTestRegistry(fp), nil)

	resp, err := g.SendWithTools(context.Background(), "fake", "model-1",
		[]*schema.Message{{Role: schema.User, Content: "search for go"}},
		[]types.ToolDefinition{{Name: "search", Description: "web search", Risk: types.RiskLow}},
		1024,
	)
	require.NoError(t, err)

	assert.Equal(t, types.StopToolUse, resp.Stop.Kind)
	calls := resp.ToolUses()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].ToolName)
	assert.Equal(t, "go", calls[0].Arguments["query"])
}

func TestGateway_Send_ProviderNotFound(t *testing.T) {
	g := New(newTestRegistry(), nil)
	_, err := g.Send(context.Background(), "missing", "model-1", nil, 1024)
	assert.Error(t, err)
}

func TestGateway_SendStreaming_RelaysDeltasThenCompletes(t *testing.T) {
	fp := &fakeProvider{id: "fake", chunks: []*schema.Message{
		{Role: schema.Assistant, Content: "Hello, "},
		{Role: schema.Assistant, Content: "world."},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
	}}

	g := New(newTestRegistry(fp), nil)

	events := g.SendStreaming(context.Background(), "fake", "model-1", []*schema.Message{
		{Role: schema.User, Content: "hi"},
	}, nil, 1024)

	var deltas []string
	var final types.LlmResponse
	var gotFinal bool
	for ev := range events {
		switch ev.Kind {
		case StreamDelta:
			deltas = append(deltas, ev.Text)
		case StreamCompletedResponse:
			final = ev.Response
			gotFinal = true
		case StreamError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	require.True(t, gotFinal)
	assert.Equal(t, []string{"Hello, ", "world."}, deltas)
	assert.Equal(t, "Hello, world.", final.Text())
	assert.Equal(t, types.StopEndTurn, final.Stop.Kind)
}

func TestGateway_SendStreaming_ProviderNotFound(t *testing.T) {
	g := New(newTestRegistry(), nil)
	events := g.SendStreaming(context.Background(), "missing", "model-1", nil, nil, 1024)

	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, StreamError, ev.Kind)
	assert.Error(t, ev.Err)

	_, stillOpen := <-events
	assert.False(t, stillOpen)
}
