package team

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/domain"
)

func resourceCreateTool() mcp.Tool {
	return mcp.NewTool("resource_create",
		mcp.WithDescription("Store a large payload (diff, report, JSON blob) out of the channel and get back a resource id to reference in messages."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Payload stored verbatim")),
		mcp.WithString("type", mcp.Description("Payload type: markdown, json, text or diff (default text)")),
	)
}

func (h *Handler) resourceCreate(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	typ := domain.ResourceType(optionalString(args, "type"))
	switch typ {
	case "":
		typ = domain.ResourceText
	case domain.ResourceMarkdown, domain.ResourceJSON, domain.ResourceText, domain.ResourceDiff:
	default:
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrBadArguments, typ)
	}
	res, err := h.channel.CreateResource(content, typ, agent, workflow, tag)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]string{"id": res.ID, "type": string(res.Type)})
}

func resourceReadTool() mcp.Tool {
	return mcp.NewTool("resource_read",
		mcp.WithDescription("Fetch the full content of a resource by id, e.g. one referenced as [Resource res_...] in the channel."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Resource id")),
	)
}

func (h *Handler) resourceRead(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "id")
	if err != nil {
		return nil, err
	}
	res, err := h.channel.ReadResource(id)
	if errors.Is(err, domain.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("resource %s not found", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(res.Content), nil
}
