package team

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func teamMembersTool() mcp.Tool {
	return mcp.NewTool("team_members",
		mcp.WithDescription("List the agents registered in your workflow with their runtime state and self-reported status."),
	)
}

type memberView struct {
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Backend string `json:"backend"`
	State   string `json:"state"`
	Status  string `json:"status,omitempty"`
}

func (h *Handler) teamMembers(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	agents, err := h.channel.Members(workflow, tag)
	if err != nil {
		return nil, err
	}
	members := make([]memberView, 0, len(agents))
	for _, a := range agents {
		members = append(members, memberView{
			Name:    a.Name,
			Model:   a.Model,
			Backend: a.Backend,
			State:   string(a.State),
			Status:  a.Status,
		})
	}
	return jsonResult(members)
}

func myStatusSetTool() mcp.Tool {
	return mcp.NewTool("my_status_set",
		mcp.WithDescription("Set your free-form presence line, shown to teammates by team_members (e.g. 'reviewing PR 42')."),
		mcp.WithString("status", mcp.Required(), mcp.Description("Short presence text")),
	)
}

func (h *Handler) myStatusSet(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	status, err := requireString(args, "status")
	if err != nil {
		return nil, err
	}
	if err := h.channel.SetStatus(agent, workflow, tag, status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("status updated"), nil
}
