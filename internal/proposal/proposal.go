// Package proposal implements team decision making: proposals with options,
// upserted votes, and resolution rules evaluated after every vote.
package proposal

import (
	"fmt"
	"log"
	"sort"

	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

// Service runs proposal use cases over the store.
type Service struct {
	store  *sqlite.Store
	logger *log.Logger
}

// NewService returns a new Service.
func NewService(store *sqlite.Store, logger *log.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Create validates and stores a new proposal. Missing type, resolution and
// status default to decision, plurality and active. Binding is taken as
// given; the tool layer defaults it to true when the argument is absent.
func (s *Service) Create(p domain.Proposal) (domain.Proposal, error) {
	if p.Title == "" {
		return domain.Proposal{}, fmt.Errorf("proposal title is required")
	}
	if len(p.Options) == 0 {
		return domain.Proposal{}, fmt.Errorf("proposal needs at least one option")
	}
	for i, opt := range p.Options {
		if opt == "" {
			return domain.Proposal{}, fmt.Errorf("option %d is empty", i)
		}
	}
	switch p.Resolution {
	case "", domain.ResolvePlurality, domain.ResolveMajority, domain.ResolveUnanimous:
	default:
		return domain.Proposal{}, fmt.Errorf("unknown resolution rule %q", p.Resolution)
	}
	created, err := s.store.InsertProposal(p)
	if err != nil {
		return domain.Proposal{}, err
	}
	s.logger.Printf("Proposal %s created by %s: %s (%s)", created.ID, created.Creator, created.Title, created.Resolution)
	return created, nil
}

// VoteResult reports a vote's effect. Resolved and Result are set when this
// vote completed the proposal.
type VoteResult struct {
	Success  bool   `json:"success"`
	Resolved bool   `json:"resolved,omitempty"`
	Result   string `json:"result,omitempty"`
}

// Vote records an agent's choice on an active proposal and re-evaluates the
// resolution rule. A repeat vote by the same agent replaces the earlier one.
func (s *Service) Vote(proposalID, agent, choice, reason string) (VoteResult, error) {
	p, err := s.store.GetProposal(proposalID)
	if err != nil {
		return VoteResult{}, err
	}
	if p.Status != domain.ProposalActive {
		return VoteResult{}, fmt.Errorf("proposal %s is not active (status %s)", p.ID, p.Status)
	}
	valid := false
	for _, opt := range p.Options {
		if opt == choice {
			valid = true
			break
		}
	}
	if !valid {
		return VoteResult{}, fmt.Errorf("choice %q is not among the options %v", choice, p.Options)
	}

	if err := s.store.UpsertVote(domain.Vote{ProposalID: p.ID, Agent: agent, Choice: choice, Reason: reason}); err != nil {
		return VoteResult{}, err
	}

	votes, err := s.store.ListVotes(p.ID)
	if err != nil {
		return VoteResult{}, err
	}
	eligible, err := s.eligibleCount(p, len(votes))
	if err != nil {
		return VoteResult{}, err
	}

	result, resolved := evaluate(p.Resolution, votes, eligible)
	if !resolved {
		return VoteResult{Success: true}, nil
	}
	if err := s.store.MarkProposalResolved(p.ID, result); err != nil {
		return VoteResult{}, err
	}
	s.logger.Printf("Proposal %s resolved to %q (%d votes, %d eligible)", p.ID, result, len(votes), eligible)
	return VoteResult{Success: true, Resolved: true, Result: result}, nil
}

// Summary is a proposal with its votes and per-option tally.
type Summary struct {
	Proposal domain.Proposal `json:"proposal"`
	Votes    []domain.Vote   `json:"votes"`
	Tally    map[string]int  `json:"tally"`
}

// Status returns the proposal with its current votes and tally.
func (s *Service) Status(proposalID string) (Summary, error) {
	p, err := s.store.GetProposal(proposalID)
	if err != nil {
		return Summary{}, err
	}
	votes, err := s.store.ListVotes(p.ID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Proposal: p, Votes: votes, Tally: tally(votes)}, nil
}

// ListActive returns the active proposals in a workflow instance.
func (s *Service) ListActive(workflow, tag string) ([]domain.Proposal, error) {
	return s.store.ListProposals(workflow, tag, domain.ProposalActive)
}

// Cancel withdraws an active proposal. Only the creator may cancel.
func (s *Service) Cancel(proposalID, actor string) error {
	p, err := s.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalActive {
		return fmt.Errorf("proposal %s is not active (status %s)", p.ID, p.Status)
	}
	if actor != p.Creator {
		return fmt.Errorf("only the creator (%s) can cancel proposal %s", p.Creator, p.ID)
	}
	return s.store.MarkProposalCancelled(p.ID)
}

// eligibleCount is the number of agents registered in the proposal's
// workflow instance, falling back to the votes cast when the instance has
// no agents (for example after members were removed).
func (s *Service) eligibleCount(p domain.Proposal, votesCast int) (int, error) {
	names, err := s.store.ListAgentNames(p.Workflow, p.Tag)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return votesCast, nil
	}
	return len(names), nil
}

// evaluate applies the resolution rule to the current votes. The winning
// option is the highest-count one; ties break to the alphabetically
// smallest option so resolution is deterministic.
func evaluate(rule domain.Resolution, votes []domain.Vote, eligible int) (string, bool) {
	if len(votes) == 0 {
		return "", false
	}
	counts := tally(votes)
	options := make([]string, 0, len(counts))
	for opt := range counts {
		options = append(options, opt)
	}
	sort.Strings(options)
	top := options[0]
	for _, opt := range options[1:] {
		if counts[opt] > counts[top] {
			top = opt
		}
	}

	switch rule {
	case domain.ResolvePlurality:
		if len(votes) >= 2 {
			return top, true
		}
	case domain.ResolveMajority:
		if counts[top] > eligible/2 {
			return top, true
		}
	case domain.ResolveUnanimous:
		if counts[top] == eligible && len(votes) == eligible {
			return top, true
		}
	}
	return "", false
}

func tally(votes []domain.Vote) map[string]int {
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.Choice]++
	}
	return counts
}
