// Package interaction implements the Interaction Tree: it allocates
// interaction identities, enforces the nesting-depth ceiling, and routes a
// completed child's result back into its parent's input queue.
//
// Ids are ULIDs (oklog/ulid), distinct from the UUID session ids the
// transport Router allocates - a wire-boundary id has a different lifetime
// and audience than a domain-object id, so the two id spaces are kept apart
// deliberately (see the teacher's own use of ULIDs for message/session
// identity in internal/message).
package interaction

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
)

// ErrParentNotFound is returned by SpawnChild when parentID is unknown.
var ErrParentNotFound = fmt.Errorf("interaction: parent not found")

// ErrMaxDepthExceeded is returned by SpawnChild when the parent is already at
// the hard nesting ceiling (types.MaxNestingDepth).
var ErrMaxDepthExceeded = fmt.Errorf("interaction: max nesting depth exceeded")

// node is the tree's internal bookkeeping entry for one interaction.
type node struct {
	interaction types.Interaction
	children    []string
	// inbox receives ToContextInjection() strings delivered by completed
	// children; the Agent Orchestrator drains this between phases.
	inbox []string
}

// Tree owns the mapping from interaction id to Interaction plus forward
// adjacency, scoped to one interactive session (spec §6's "Interaction Tree
// (per interactive session)" global state note).
type Tree struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// New constructs an empty Tree.
func New() *Tree {
	return &Tree{nodes: make(map[string]*node)}
}

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// CreateRoot allocates a new root interaction (depth 0, no parent).
func (t *Tree) CreateRoot(form types.InteractionForm) types.Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	ia := types.Interaction{
		ID:          newID(),
		Form:        form,
		ContextMode: types.DefaultContextMode(form),
		Depth:       0,
	}
	t.nodes[ia.ID] = &node{interaction: ia}

	uievent.Publish(uievent.Event{
		Type: uievent.InteractionSpawned,
		Data: uievent.InteractionSpawnedData{ID: ia.ID, Form: string(form), Depth: 0},
	})
	return ia
}

// SpawnChild allocates a child of parentID. contextMode, when the zero
// value, defaults per form (Agent/Discuss -> Full, Ask -> Projected).
func (t *Tree) SpawnChild(parentID string, form types.InteractionForm, contextMode types.ContextMode) (types.Interaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return types.Interaction{}, ErrParentNotFound
	}
	if parent.interaction.Depth+1 > types.MaxNestingDepth {
		return types.Interaction{}, ErrMaxDepthExceeded
	}

	if contextMode == "" {
		contextMode = types.DefaultContextMode(form)
	}

	ia := types.Interaction{
		ID:          newID(),
		Form:        form,
		ContextMode: contextMode,
		ParentID:    parentID,
		Depth:       parent.interaction.Depth + 1,
	}
	t.nodes[ia.ID] = &node{interaction: ia}
	parent.children = append(parent.children, ia.ID)

	uievent.Publish(uievent.Event{
		Type: uievent.InteractionSpawned,
		Data: uievent.InteractionSpawnedData{ID: ia.ID, Form: string(form), Depth: ia.Depth, ParentID: parentID},
	})
	return ia, nil
}

// Get returns the Interaction registered under id.
func (t *Tree) Get(id string) (types.Interaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return types.Interaction{}, false
	}
	return n.interaction, true
}

// Children returns the ids of id's direct children, in spawn order.
func (t *Tree) Children(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, len(n.children))
	copy(out, n.children)
	return out
}

// Complete delivers result's context injection to the parent's inbox (if id
// has a parent) and publishes InteractionCompleted. It does not remove id
// from the tree: a completed interaction's record stays addressable so a
// later reference to it (e.g. in review history) still resolves.
func (t *Tree) Complete(id string, result types.InteractionResult) error {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("interaction: unknown id %q", id)
	}

	parentID := n.interaction.ParentID
	injection := result.ToContextInjection()
	if parentID != "" && injection != "" {
		if parent, ok := t.nodes[parentID]; ok {
			parent.inbox = append(parent.inbox, injection)
		}
	}
	t.mu.Unlock()

	uievent.Publish(uievent.Event{
		Type: uievent.InteractionCompleted,
		Data: uievent.InteractionCompletedData{ID: id, Summary: injection},
	})
	return nil
}

// DrainInbox returns and clears the context-injection strings delivered by
// id's completed children since the last drain.
func (t *Tree) DrainInbox(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok || len(n.inbox) == 0 {
		return nil
	}
	out := n.inbox
	n.inbox = nil
	return out
}
