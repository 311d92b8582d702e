package team

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// requireDocs guards the document tools when no document root is configured.
func (h *Handler) requireDocs() *mcp.CallToolResult {
	if h.docs == nil {
		return mcp.NewToolResultError("document storage is not configured (set docs_root)")
	}
	return nil
}

func docReadTool() mcp.Tool {
	return mcp.NewTool("team_doc_read",
		mcp.WithDescription("Read a shared team document by path."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path, e.g. notes/plan.md")),
	)
}

func (h *Handler) docRead(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if res := h.requireDocs(); res != nil {
		return res, nil
	}
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, found, err := h.docs.Read(workflow, tag, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("document %s not found", path)), nil
	}
	return mcp.NewToolResultText(content), nil
}

func docWriteTool() mcp.Tool {
	return mcp.NewTool("team_doc_write",
		mcp.WithDescription("Write a shared team document, replacing any existing content."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full document content")),
	)
}

func (h *Handler) docWrite(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if res := h.requireDocs(); res != nil {
		return res, nil
	}
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	if err := h.docs.Write(workflow, tag, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %s", path)), nil
}

func docAppendTool() mcp.Tool {
	return mcp.NewTool("team_doc_append",
		mcp.WithDescription("Append to a shared team document, creating it when missing. Good for logs and running notes."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content appended verbatim")),
	)
}

func (h *Handler) docAppend(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if res := h.requireDocs(); res != nil {
		return res, nil
	}
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	if err := h.docs.Append(workflow, tag, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("appended to %s", path)), nil
}

func docListTool() mcp.Tool {
	return mcp.NewTool("team_doc_list",
		mcp.WithDescription("List the documents in your workflow's shared document store."),
	)
}

func (h *Handler) docList(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if res := h.requireDocs(); res != nil {
		return res, nil
	}
	paths, err := h.docs.List(workflow, tag)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(paths)
}

func docCreateTool() mcp.Tool {
	return mcp.NewTool("team_doc_create",
		mcp.WithDescription("Create a new shared team document. Fails if the path already exists."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Initial document content")),
	)
}

func (h *Handler) docCreate(agent, workflow, tag string, args map[string]any) (*mcp.CallToolResult, error) {
	if res := h.requireDocs(); res != nil {
		return res, nil
	}
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(args, "content")
	if err != nil {
		return nil, err
	}
	if err := h.docs.Create(workflow, tag, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created %s", path)), nil
}
