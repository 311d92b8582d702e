package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
)

// InsertProposal stores a new proposal, assigning id, status and timestamp
// when missing.
func (s *Store) InsertProposal(p domain.Proposal) (domain.Proposal, error) {
	if p.ID == "" {
		p.ID = NewID("prop")
	}
	if p.Type == "" {
		p.Type = domain.ProposalDecision
	}
	if p.Resolution == "" {
		p.Resolution = domain.ResolvePlurality
	}
	if p.Status == "" {
		p.Status = domain.ProposalActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	binding := 0
	if p.Binding {
		binding = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO proposals (id, workflow, tag, type, title, options, resolution, binding, status, creator, result, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Workflow, p.Tag, string(p.Type), p.Title,
		marshalJSON(p.Options, "[]"), string(p.Resolution), binding,
		string(p.Status), p.Creator, p.Result,
		formatTime(p.CreatedAt), formatTime(p.ResolvedAt),
	)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return p, nil
}

// GetProposal returns the proposal by id, or domain.ErrNotFound.
func (s *Store) GetProposal(id string) (domain.Proposal, error) {
	row := s.db.QueryRow(proposalSelect+" WHERE id = ?", id)
	p, err := scanProposal(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Proposal{}, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

// ListProposals returns proposals for a workflow instance in creation order,
// restricted to one status when status is non-empty.
func (s *Store) ListProposals(workflow, tag string, status domain.ProposalStatus) ([]domain.Proposal, error) {
	q := proposalSelect + " WHERE workflow = ? AND tag = ?"
	args := []interface{}{workflow, tag}
	if status != "" {
		q += " AND status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY rowid"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkProposalResolved flips an active proposal to resolved with the winning
// option. Returns domain.ErrNotFound if the proposal is absent or no longer
// active.
func (s *Store) MarkProposalResolved(id, result string) error {
	res, err := s.db.Exec(
		"UPDATE proposals SET status = ?, result = ?, resolved_at = ? WHERE id = ? AND status = ?",
		string(domain.ProposalResolved), result, formatTime(time.Now()), id, string(domain.ProposalActive),
	)
	if err != nil {
		return fmt.Errorf("resolve proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkProposalCancelled flips an active proposal to cancelled. Returns
// domain.ErrNotFound if the proposal is absent or no longer active.
func (s *Store) MarkProposalCancelled(id string) error {
	res, err := s.db.Exec(
		"UPDATE proposals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?",
		string(domain.ProposalCancelled), formatTime(time.Now()), id, string(domain.ProposalActive),
	)
	if err != nil {
		return fmt.Errorf("cancel proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpsertVote records an agent's vote, replacing any earlier one on the same
// proposal.
func (s *Store) UpsertVote(v domain.Vote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO votes (proposal_id, agent, choice, reason, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(proposal_id, agent) DO UPDATE SET choice = excluded.choice, reason = excluded.reason, created_at = excluded.created_at`,
		v.ProposalID, v.Agent, v.Choice, v.Reason, formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

// ListVotes returns the votes on a proposal in the order they first arrived.
func (s *Store) ListVotes(proposalID string) ([]domain.Vote, error) {
	rows, err := s.db.Query(
		"SELECT proposal_id, agent, choice, reason, created_at FROM votes WHERE proposal_id = ? ORDER BY rowid",
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var createdAt string
		if err := rows.Scan(&v.ProposalID, &v.Agent, &v.Choice, &v.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		t, err := parseTime(createdAt, "votes")
		if err != nil {
			return nil, err
		}
		v.CreatedAt = t
		out = append(out, v)
	}
	return out, rows.Err()
}

const proposalSelect = "SELECT id, workflow, tag, type, title, options, resolution, binding, status, creator, result, created_at, resolved_at FROM proposals"

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var typ, options, resolution, status, createdAt, resolvedAt string
	var binding int
	if err := row.Scan(&p.ID, &p.Workflow, &p.Tag, &typ, &p.Title, &options,
		&resolution, &binding, &status, &p.Creator, &p.Result, &createdAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Proposal{}, domain.ErrNotFound
		}
		return domain.Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	p.Type = domain.ProposalType(typ)
	p.Resolution = domain.Resolution(resolution)
	p.Status = domain.ProposalStatus(status)
	p.Binding = binding != 0
	if options != "" && options != "[]" {
		if err := parseJSON([]byte(options), &p.Options, "proposals options"); err != nil {
			return domain.Proposal{}, err
		}
	}
	t, err := parseTime(createdAt, "proposals")
	if err != nil {
		return domain.Proposal{}, err
	}
	p.CreatedAt = t
	if resolvedAt != "" {
		t, err := parseTime(resolvedAt, "proposals resolved_at")
		if err != nil {
			return domain.Proposal{}, err
		}
		p.ResolvedAt = t
	}
	return p, nil
}
