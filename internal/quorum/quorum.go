// Package quorum implements Quorum Voting: dispatching a plan or action to
// several reviewer models in parallel and aggregating their votes against a
// QuorumRule. The parallel fan-out follows the teacher's tool/batch.go
// errgroup pattern, generalized from "N independent tool calls" to "N
// independent reviewer completions".
package quorum

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quorumline/core/internal/gateway"
	"github.com/quorumline/core/internal/logging"
	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
)

// Reviewer identifies one model to dispatch a review prompt to.
type Reviewer struct {
	ProviderID string
	ModelID    string
	Model      types.ModelRef
}

// ErrNoModelsResponded is returned when fewer reviewer calls succeeded than
// the partial-failure floor (MinModels).
var ErrNoModelsResponded = fmt.Errorf("quorum: no reviewer models responded")

// Panel runs parallel reviewer dispatch and aggregates votes against a rule.
type Panel struct {
	gw *gateway.Gateway
	// MinModels is the floor below which a round is aborted rather than
	// evaluated on a partial vote set (spec §4.4 partial-failure tolerance).
	MinModels int

	log zerolog.Logger
}

func NewPanel(gw *gateway.Gateway, minModels int) *Panel {
	return &Panel{gw: gw, MinModels: minModels, log: logging.Component("quorum")}
}

// Vote dispatches prompt to every reviewer in parallel, parses each response
// as an approve/reject judgment, and aggregates the result against rule.
// Reviewer calls that error are dropped from the vote set; if fewer than
// MinModels respond, ErrNoModelsResponded is returned instead of a forced
// decision on a too-small sample.
func (p *Panel) Vote(ctx context.Context, phase string, reviewers []Reviewer, prompt string, rule types.QuorumRule) (types.ConsensusRound, error) {
	votes := make([]types.Vote, len(reviewers))
	errs := make([]error, len(reviewers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i, rv := range reviewers {
		i, rv := i, rv
		g.Go(func() error {
			vote, err := p.reviewOne(gctx, rv, prompt)
			mu.Lock()
			votes[i] = vote
			errs[i] = err
			mu.Unlock()
			return nil // never abort siblings on one reviewer's failure
		})
	}
	_ = g.Wait()

	var collected []types.Vote
	for i, err := range errs {
		if err != nil {
			p.log.Warn().Err(err).Str("model", string(reviewers[i].Model)).Msg("reviewer call failed, dropping from vote set")
			continue
		}
		collected = append(collected, votes[i])
		uievent.PublishSync(uievent.Event{
			Type: uievent.QuorumVote,
			Data: uievent.QuorumVoteData{Phase: phase, Model: string(votes[i].Model), Approved: votes[i].Approved},
		})
	}

	if len(collected) < p.MinModels {
		return types.ConsensusRound{}, ErrNoModelsResponded
	}

	// An AtLeast(n) rule with n greater than the dispatched reviewer count
	// can never be satisfied, no matter how every reviewer votes - spec §8
	// names this boundary explicitly as always yielding Pending rather than
	// Rejected, since a rejection implies the reviewers actually weighed in
	// against the proposal.
	if rule.Kind == types.RuleAtLeast && rule.N > len(reviewers) {
		return types.ConsensusRound{Votes: collected, Rule: rule, Outcome: types.OutcomePending}, nil
	}

	outcome := types.OutcomePending
	if rule.Evaluate(collected) {
		outcome = types.OutcomeApproved
	} else {
		outcome = types.OutcomeRejected
	}

	return types.ConsensusRound{
		Votes:   collected,
		Rule:    rule,
		Outcome: outcome,
	}, nil
}

func (p *Panel) reviewOne(ctx context.Context, rv Reviewer, prompt string) (types.Vote, error) {
	resp, err := p.gw.Send(ctx, rv.ProviderID, rv.ModelID, []*schema.Message{
		{Role: schema.System, Content: reviewerSystemPrompt},
		{Role: schema.User, Content: prompt},
	}, 2048)
	if err != nil {
		return types.Vote{}, fmt.Errorf("quorum: reviewer %s failed: %w", rv.Model, err)
	}

	approved, reasoning := parseVerdict(resp.Text())
	return types.Vote{Model: rv.Model, Approved: approved, Reasoning: reasoning}, nil
}

const reviewerSystemPrompt = `You are reviewing a proposed plan or action on behalf of a multi-model consensus system. Reply with your verdict on the first line, exactly "APPROVE" or "REJECT", followed by your reasoning on subsequent lines.`

// parseVerdict extracts the APPROVE/REJECT decision from a reviewer's
// response text. Anything other than an explicit APPROVE is a rejection -
// reviewers that fail to follow the format should not silently pass.
func parseVerdict(text string) (approved bool, reasoning string) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return false, "empty response"
	}

	first := trimUpper(lines[0])
	approved = first == "APPROVE"

	if len(lines) > 1 {
		reasoning = joinLines(lines[1:])
	}
	return approved, reasoning
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func trimUpper(s string) string {
	start, end := 0, len(s)
	for start < end && isBlank(s[start]) {
		start++
	}
	for end > start && isBlank(s[end-1]) {
		end--
	}
	s = s[start:end]

	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r'
}

// ApprovalFraction returns the fraction of votes with Approved set, in
// [0,1]. Used to score a candidate plan in Ensemble planning's voting round
// (spec §4.5 step 2: "select the highest average-scored plan") rather than
// just this round's threshold Outcome, since two candidates can both be
// Approved by a rule but still differ in how strongly reviewers backed
// them.
func ApprovalFraction(votes []types.Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	approved := 0
	for _, v := range votes {
		if v.Approved {
			approved++
		}
	}
	return float64(approved) / float64(len(votes))
}

// SortedModels returns reviewer model names sorted for deterministic vote
// ordering in UI summaries.
func SortedModels(reviewers []Reviewer) []string {
	names := make([]string, len(reviewers))
	for i, r := range reviewers {
		names[i] = string(r.Model)
	}
	sort.Strings(names)
	return names
}
