package reference

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_FullURL(t *testing.T) {
	refs := Extract("see https://github.com/acme/widgets/issues/42 for details", "me", "mine")
	require.Len(t, refs, 1)
	assert.Equal(t, Reference{Owner: "acme", Repo: "widgets", Number: 42, Kind: KindIssue, Raw: "github.com/acme/widgets/issues/42"}, refs[0])
}

func TestExtract_FullURL_PullRequest(t *testing.T) {
	refs := Extract("github.com/acme/widgets/pull/7", "me", "mine")
	require.Len(t, refs, 1)
	assert.Equal(t, KindPR, refs[0].Kind)
	assert.Equal(t, 7, refs[0].Number)
}

func TestExtract_Shorthand(t *testing.T) {
	refs := Extract("fixed by acme/widgets#9", "me", "mine")
	require.Len(t, refs, 1)
	assert.Equal(t, "acme", refs[0].Owner)
	assert.Equal(t, "widgets", refs[0].Repo)
	assert.Equal(t, 9, refs[0].Number)
}

func TestExtract_Typed(t *testing.T) {
	refs := Extract("see Issue #3 and PR #4", "me", "mine")
	require.Len(t, refs, 2)
	assert.Equal(t, KindIssue, refs[0].Kind)
	assert.Equal(t, 3, refs[0].Number)
	assert.Equal(t, KindPR, refs[1].Kind)
	assert.Equal(t, 4, refs[1].Number)
}

func TestExtract_Range_ExpandsWithinLimit(t *testing.T) {
	refs := Extract("see #10-12", "me", "mine")
	require.Len(t, refs, 3)
	assert.Equal(t, 10, refs[0].Number)
	assert.Equal(t, 11, refs[1].Number)
	assert.Equal(t, 12, refs[2].Number)
}

func TestExtract_Range_TooWideFallsThroughToBare(t *testing.T) {
	// a span wider than maxRangeSpan is not expanded; only the leading "#10"
	// is left for the bare pattern to pick up ("99" has no "#" of its own).
	refs := Extract("see #10-99", "me", "mine")
	require.Len(t, refs, 1)
	assert.Equal(t, 10, refs[0].Number)
}

func TestExtract_Bare(t *testing.T) {
	refs := Extract("closes #5", "me", "mine")
	require.Len(t, refs, 1)
	assert.Equal(t, "me", refs[0].Owner)
	assert.Equal(t, "mine", refs[0].Repo)
	assert.Equal(t, 5, refs[0].Number)
}

func TestExtract_HigherPrecedenceClaimsSpan(t *testing.T) {
	refs := Extract("see acme/widgets#9 about this", "me", "mine")
	require.Len(t, refs, 1, "the bare-number pattern must not also match the #9 inside the shorthand reference")
	assert.Equal(t, "acme", refs[0].Owner)
}

// fakeResolver resolves references from a map and fails anything unlisted.
type fakeResolver struct {
	byNumber map[int]Resolved
}

func (f *fakeResolver) Resolve(ctx context.Context, ref Reference) (Resolved, error) {
	r, ok := f.byNumber[ref.Number]
	if !ok {
		return Resolved{}, fmt.Errorf("not found: #%d", ref.Number)
	}
	return r, nil
}

func TestResolveAll_DegradesGracefullyOnPartialFailure(t *testing.T) {
	resolver := &fakeResolver{byNumber: map[int]Resolved{
		1: {Reference: Reference{Number: 1}, Title: "first"},
		3: {Reference: Reference{Number: 3}, Title: "third"},
	}}
	refs := []Reference{{Number: 1}, {Number: 2}, {Number: 3}}

	resolved := ResolveAll(context.Background(), resolver, refs)
	require.Len(t, resolved, 2)

	titles := map[string]bool{}
	for _, r := range resolved {
		titles[r.Title] = true
	}
	assert.True(t, titles["first"])
	assert.True(t, titles["third"])
}

func TestRenderContext(t *testing.T) {
	resolved := []Resolved{
		{Reference: Reference{Owner: "acme", Repo: "widgets", Number: 1, Kind: KindIssue}, Title: "bug", Body: "it breaks"},
	}
	out := RenderContext(resolved)
	assert.Contains(t, out, "acme/widgets#1")
	assert.Contains(t, out, "it breaks")
}
