package permission

import (
	"context"
	"fmt"

	"github.com/quorumline/core/pkg/types"
)

// ActionReviewer adapts a Checker into the Tool-Use Loop's ActionReviewer
// port (spec §4.6 step 3 / §4.5 Phase 4a's "n-a/skip" gate), reusing the
// same Ask/Respond blocking-request machinery the teacher built for single
// bash/edit/webfetch approvals, generalized to any High-risk ToolCall
// regardless of which concrete tool produced it.
type ActionReviewer struct {
	checker   *Checker
	sessionID string
}

// NewActionReviewer builds a reviewer that asks through checker on behalf of
// sessionID - one Checker, and its accumulated "always approve" state, is
// meant to be shared across every review a single interaction performs.
func NewActionReviewer(checker *Checker, sessionID string) *ActionReviewer {
	return &ActionReviewer{checker: checker, sessionID: sessionID}
}

// Review asks the checker whether call may proceed. A call whose tool name
// this reviewer does not recognize is treated as an edit-class permission -
// the conservative default, since an unrecognized high-risk tool is closer
// in shape to a filesystem mutation than to a read.
func (r *ActionReviewer) Review(ctx context.Context, call types.ToolCall) (bool, string) {
	req := Request{
		Type:      classifyPermission(call.ToolName),
		SessionID: r.sessionID,
		Title:     call.ToolName,
		Metadata:  call.Arguments,
	}
	if req.Title == "" {
		req.Title = "tool call"
	}
	if call.Reasoning != "" {
		req.Title = fmt.Sprintf("%s: %s", call.ToolName, call.Reasoning)
	}
	if req.Type == PermBash {
		if cmd, ok := call.Arguments["command"].(string); ok && cmd != "" {
			req.Pattern = []string{cmd}
		}
	}

	if err := r.checker.Check(ctx, req, ActionAsk); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// classifyPermission maps a tool name onto the permission type whose
// approval state (and pattern memory, for bash) should gate it.
func classifyPermission(toolName string) PermissionType {
	switch toolName {
	case "bash":
		return PermBash
	case "webfetch":
		return PermWebFetch
	case "edit", "write":
		return PermEdit
	default:
		return PermEdit
	}
}
