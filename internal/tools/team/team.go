// Package team implements the tool surface workers call back into the
// daemon with. The HTTP layer owns the JSON-RPC envelope; this package owns
// the tool catalog and the per-tool handlers. Every handler runs with the
// calling agent's identity resolved from the URL, never from the arguments.
package team

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/docs"
	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/proposal"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

// ErrBadArguments marks malformed tool arguments so the dispatcher can map
// them to the invalid-params JSON-RPC code. Operational failures (not found,
// conflicts, validation against stored state) come back as isError results
// instead, inside a normal response.
var ErrBadArguments = errors.New("invalid arguments")

// ErrUnknownTool marks a tool name absent from the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// toolFunc runs one tool for an agent within its resolved scope.
type toolFunc func(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error)

type toolEntry struct {
	tool mcp.Tool
	run  toolFunc
}

// Handler holds the tool table and the services the tools act on.
type Handler struct {
	store     *sqlite.Store
	channel   *collab.Service
	proposals *proposal.Service
	docs      docs.Provider // nil when no document root is configured
	logger    *log.Logger
	wake      WakeFunc

	tools   map[string]toolEntry
	catalog []mcp.Tool
}

// NewHandler builds the tool table. docs may be nil; document tools then
// answer with a diagnostic error result.
func NewHandler(store *sqlite.Store, channel *collab.Service, proposals *proposal.Service, docsProvider docs.Provider, logger *log.Logger) *Handler {
	h := &Handler{
		store:     store,
		channel:   channel,
		proposals: proposals,
		docs:      docsProvider,
		logger:    logger,
		tools:     make(map[string]toolEntry),
	}
	h.register(channelSendTool(), h.channelSend)
	h.register(channelReadTool(), h.channelRead)
	h.register(myInboxTool(), h.myInbox)
	h.register(myInboxAckTool(), h.myInboxAck)
	h.register(teamMembersTool(), h.teamMembers)
	h.register(myStatusSetTool(), h.myStatusSet)
	h.register(resourceCreateTool(), h.resourceCreate)
	h.register(resourceReadTool(), h.resourceRead)
	h.register(docReadTool(), h.docRead)
	h.register(docWriteTool(), h.docWrite)
	h.register(docAppendTool(), h.docAppend)
	h.register(docListTool(), h.docList)
	h.register(docCreateTool(), h.docCreate)
	h.register(proposalCreateTool(), h.proposalCreate)
	h.register(voteTool(), h.vote)
	h.register(proposalStatusTool(), h.proposalStatus)
	h.register(proposalCancelTool(), h.proposalCancel)
	return h
}

func (h *Handler) register(tool mcp.Tool, run toolFunc) {
	h.tools[tool.Name] = toolEntry{tool: tool, run: run}
	h.catalog = append(h.catalog, tool)
}

// Catalog returns the tool declarations in registration order, for tools/list.
func (h *Handler) Catalog() []mcp.Tool {
	return h.catalog
}

// Call resolves the agent's scope and runs the named tool. The returned
// error is either ErrUnknownTool, an ErrBadArguments wrap, or an internal
// failure; tool-level problems come back as isError results with a nil error.
func (h *Handler) Call(agent, name string, args map[string]any) (*mcp.CallToolResult, error) {
	entry, ok := h.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	workflow, tag, err := h.scope(agent)
	if err != nil {
		return nil, err
	}
	res, err := entry.run(agent, workflow, tag, args)
	if err != nil {
		return nil, err
	}
	h.logger.Printf("Tool %s by %s (%s:%s)", name, agent, workflow, tag)
	return res, nil
}

// scope resolves the agent's (workflow, tag) from its registry row. Agents
// without a row (e.g. the operator poking with curl) act in global:main.
func (h *Handler) scope(agent string) (string, string, error) {
	workflow, tag, err := h.store.FindAgentScope(agent)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.GlobalWorkflow, domain.GlobalTag, nil
	}
	if err != nil {
		return "", "", err
	}
	return workflow, tag, nil
}

// jsonResult marshals v and wraps it as a text content result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
