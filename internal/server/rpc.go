package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/tools/team"
)

// rpcStorageError is the implementation-defined code for storage and other
// internal failures surfaced through /mcp.
const rpcStorageError = -32000

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleRPC is the worker-facing JSON-RPC endpoint. The calling agent's
// identity comes exclusively from the agent query parameter; nothing in the
// body is trusted for identity.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req rpcRequest
	if err := decodeBody(r, &req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{
			Code: mcp.INVALID_REQUEST, Message: "invalid JSON-RPC body: " + err.Error(),
		}})
		return
	}

	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: mcp.INVALID_REQUEST, Message: "agent query parameter is required",
		}})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "meshd", "version": "1.0.0"},
		}
	case "notifications/initialized":
		// Notification; acknowledge with an empty success.
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		resp.Result = map[string]any{"tools": h.tools.Catalog()}
	case "tools/call":
		resp = h.callTool(agent, req)
	case "ping":
		resp.Result = map[string]any{}
	default:
		resp.Error = &rpcError{Code: mcp.METHOD_NOT_FOUND, Message: "unsupported method " + req.Method}
	}
	writeRPC(w, resp)
}

func (h *Handler) callTool(agent string, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		resp.Error = &rpcError{Code: mcp.INVALID_PARAMS, Message: "params must carry a tool name and arguments"}
		return resp
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	result, err := h.tools.Call(agent, params.Name, params.Arguments)
	switch {
	case errors.Is(err, team.ErrUnknownTool), errors.Is(err, team.ErrBadArguments):
		resp.Error = &rpcError{Code: mcp.INVALID_PARAMS, Message: err.Error()}
	case err != nil:
		resp.Error = &rpcError{Code: rpcStorageError, Message: err.Error()}
	default:
		resp.Result = result
	}
	return resp
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
