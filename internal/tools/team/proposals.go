package team

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/domain"
)

func proposalCreateTool() mcp.Tool {
	return mcp.NewTool("team_proposal_create",
		mcp.WithDescription("Open a proposal for the team to vote on. Resolution happens automatically as votes arrive."),
		mcp.WithString("title", mcp.Required(), mcp.Description("What is being decided")),
		mcp.WithArray("options", mcp.Required(), mcp.Description("The choices, as strings")),
		mcp.WithString("type", mcp.Description("Proposal type: decision, election, approval or assignment (default decision)")),
		mcp.WithString("resolution", mcp.Description("Resolution rule: plurality, majority or unanimous (default plurality)")),
		mcp.WithBoolean("binding", mcp.Description("Whether the outcome is binding (default true)")),
	)
}

func (h *Handler) proposalCreate(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	title, err := requireString(args, "title")
	if err != nil {
		return nil, err
	}
	options, err := requireStringSlice(args, "options")
	if err != nil {
		return nil, err
	}
	typ := domain.ProposalType(optionalString(args, "type"))
	if typ == "" {
		typ = domain.ProposalDecision
	}
	p, err := h.proposals.Create(domain.Proposal{
		Workflow:   workflow,
		Tag:        tag,
		Type:       typ,
		Title:      title,
		Options:    options,
		Resolution: domain.Resolution(optionalString(args, "resolution")),
		Binding:    optionalBool(args, "binding", true),
		Creator:    agent,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func voteTool() mcp.Tool {
	return mcp.NewTool("team_vote",
		mcp.WithDescription("Vote on an active proposal. Voting again replaces your earlier choice."),
		mcp.WithString("proposal_id", mcp.Required(), mcp.Description("Proposal id")),
		mcp.WithString("choice", mcp.Required(), mcp.Description("One of the proposal's options")),
		mcp.WithString("reason", mcp.Description("Optional rationale recorded with the vote")),
	)
}

func (h *Handler) vote(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	proposalID, err := requireString(args, "proposal_id")
	if err != nil {
		return nil, err
	}
	choice, err := requireString(args, "choice")
	if err != nil {
		return nil, err
	}
	result, err := h.proposals.Vote(proposalID, agent, choice, optionalString(args, "reason"))
	if errors.Is(err, domain.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("proposal %s not found", proposalID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func proposalStatusTool() mcp.Tool {
	return mcp.NewTool("team_proposal_status",
		mcp.WithDescription("Show a proposal with its votes and per-option tally, or list the active proposals when no id is given."),
		mcp.WithString("proposal_id", mcp.Description("Proposal id; omit to list active proposals")),
	)
}

func (h *Handler) proposalStatus(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if id := optionalString(args, "proposal_id"); id != "" {
		summary, err := h.proposals.Status(id)
		if errors.Is(err, domain.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("proposal %s not found", id)), nil
		}
		if err != nil {
			return nil, err
		}
		return jsonResult(summary)
	}
	active, err := h.proposals.ListActive(workflow, tag)
	if err != nil {
		return nil, err
	}
	return jsonResult(active)
}

func proposalCancelTool() mcp.Tool {
	return mcp.NewTool("team_proposal_cancel",
		mcp.WithDescription("Withdraw a proposal you created while it is still active."),
		mcp.WithString("proposal_id", mcp.Required(), mcp.Description("Proposal id")),
	)
}

func (h *Handler) proposalCancel(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	proposalID, err := requireString(args, "proposal_id")
	if err != nil {
		return nil, err
	}
	err = h.proposals.Cancel(proposalID, agent)
	if errors.Is(err, domain.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("proposal %s not found", proposalID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("proposal %s cancelled", proposalID)), nil
}
