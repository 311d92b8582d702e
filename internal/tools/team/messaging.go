package team

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/domain"
)

// WakeFunc pokes an agent's scheduler after a send commits. Optional; the
// server wires it once the scheduler manager exists.
type WakeFunc func(agent, workflow, tag string)

// SetWake installs the post-send wake fan-out.
func (h *Handler) SetWake(wake WakeFunc) {
	h.wake = wake
}

func channelSendTool() mcp.Tool {
	return mcp.NewTool("channel_send",
		mcp.WithDescription("Post a message to the team channel. Address teammates with @name; @all reaches everyone. Long messages are stored as a resource automatically."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message body, may include @mentions")),
		mcp.WithString("to", mcp.Description("Send as a direct message to this agent instead of the open channel")),
	)
}

func (h *Handler) channelSend(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	res, err := h.channel.Send(agent, content, workflow, tag, collab.SendOptions{
		To: optionalString(args, "to"),
	})
	if err != nil {
		return nil, err
	}
	if h.wake != nil {
		for _, r := range res.Recipients {
			h.wake(r, workflow, tag)
		}
	}
	return jsonResult(res)
}

func channelReadTool() mcp.Tool {
	return mcp.NewTool("channel_read",
		mcp.WithDescription("Read the team channel in chronological order. Direct messages between other agents are hidden."),
		mcp.WithString("since", mcp.Description("Message id; only strictly later messages are returned")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 50)")),
	)
}

func (h *Handler) channelRead(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	msgs, err := h.channel.Read(workflow, tag, collab.ReadOptions{
		Agent: agent,
		Since: optionalString(args, "since"),
		Limit: optionalInt(args, "limit", 50),
	})
	if errors.Is(err, domain.ErrNotFound) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(msgs)
}

func myInboxTool() mcp.Tool {
	return mcp.NewTool("my_inbox",
		mcp.WithDescription("List your unread messages with priorities. Acknowledge with my_inbox_ack when handled."),
	)
}

func (h *Handler) myInbox(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	entries, err := h.channel.InboxQuery(agent, workflow, tag)
	if err != nil {
		return nil, err
	}
	return jsonResult(entries)
}

func myInboxAckTool() mcp.Tool {
	return mcp.NewTool("my_inbox_ack",
		mcp.WithDescription("Advance your inbox cursor. Without a message_id everything currently unread is acknowledged."),
		mcp.WithString("message_id", mcp.Description("Acknowledge up to and including this message")),
	)
}

func (h *Handler) myInboxAck(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if id := optionalString(args, "message_id"); id != "" {
		if err := h.channel.Ack(agent, workflow, tag, id); err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(fmt.Sprintf("acknowledged up to %s", id)), nil
	}
	if err := h.channel.AckAll(agent, workflow, tag); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText("inbox acknowledged"), nil
}
