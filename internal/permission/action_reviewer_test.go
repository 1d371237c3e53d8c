package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionReviewer_ApprovesAfterRespond(t *testing.T) {
	uievent.Reset()

	checker := NewChecker()
	reviewer := NewActionReviewer(checker, "test-session")

	var receivedEvent uievent.Event
	var wg sync.WaitGroup
	wg.Add(1)
	unsub := uievent.Subscribe(uievent.PermissionRequired, func(e uievent.Event) {
		receivedEvent = e
		wg.Done()
	})
	defer unsub()

	type reviewResult struct {
		approved bool
		reason   string
	}
	resultCh := make(chan reviewResult, 1)
	go func() {
		approved, reason := reviewer.Review(context.Background(), types.ToolCall{
			ToolName:  "bash",
			Arguments: map[string]any{"command": "rm -rf build/"},
			Reasoning: "clean the build directory",
		})
		resultCh <- reviewResult{approved, reason}
	}()

	wg.Wait()
	data, ok := receivedEvent.Data.(uievent.PermissionRequiredData)
	require.True(t, ok)
	assert.Equal(t, "bash", data.PermissionType)
	assert.Equal(t, "test-session", data.SessionID)

	checker.Respond(data.ID, "once")

	select {
	case res := <-resultCh:
		assert.True(t, res.approved)
		assert.Empty(t, res.reason)
	case <-time.After(time.Second):
		t.Fatal("Review should complete after Respond")
	}
}

func TestActionReviewer_RejectionCarriesReason(t *testing.T) {
	uievent.Reset()

	checker := NewChecker()
	reviewer := NewActionReviewer(checker, "test-session")

	var receivedEvent uievent.Event
	var wg sync.WaitGroup
	wg.Add(1)
	unsub := uievent.Subscribe(uievent.PermissionRequired, func(e uievent.Event) {
		receivedEvent = e
		wg.Done()
	})
	defer unsub()

	type reviewResult struct {
		approved bool
		reason   string
	}
	resultCh := make(chan reviewResult, 1)
	go func() {
		approved, reason := reviewer.Review(context.Background(), types.ToolCall{
			ToolName:  "edit",
			Arguments: map[string]any{"path": "prod.yaml"},
		})
		resultCh <- reviewResult{approved, reason}
	}()

	wg.Wait()
	data, ok := receivedEvent.Data.(uievent.PermissionRequiredData)
	require.True(t, ok)
	assert.Equal(t, "edit", data.PermissionType)

	checker.Respond(data.ID, "reject")

	select {
	case res := <-resultCh:
		assert.False(t, res.approved)
		assert.NotEmpty(t, res.reason)
	case <-time.After(time.Second):
		t.Fatal("Review should complete after Respond")
	}
}

func TestActionReviewer_AlreadyApprovedSessionSkipsPrompt(t *testing.T) {
	uievent.Reset()

	checker := NewChecker()
	checker.approve("test-session", PermWebFetch, nil)
	reviewer := NewActionReviewer(checker, "test-session")

	approved, reason := reviewer.Review(context.Background(), types.ToolCall{
		ToolName:  "webfetch",
		Arguments: map[string]any{"url": "https://example.com"},
	})
	assert.True(t, approved)
	assert.Empty(t, reason)
}
