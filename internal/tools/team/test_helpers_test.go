package team

import (
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/docs"
	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/proposal"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

// newHandler builds a Handler over a temp database with a file-backed
// document provider, plus the store for direct seeding.
func newHandler(t *testing.T) (*Handler, *sqlite.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store, err := sqlite.New(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureGlobalWorkflow(); err != nil {
		t.Fatalf("ensure global workflow: %v", err)
	}
	channel := collab.NewService(store, 1200, logger)
	proposals := proposal.NewService(store, logger)
	provider := docs.NewDir(t.TempDir(), logger)
	return NewHandler(store, channel, proposals, provider, logger), store
}

// addAgent registers an agent in review:pr-1 so scope resolution finds it.
func addAgent(t *testing.T, store *sqlite.Store, name string) {
	t.Helper()
	if err := store.EnsureWorkflow("review", "pr-1", ""); err != nil {
		t.Fatalf("ensure workflow: %v", err)
	}
	_, err := store.CreateAgent(domain.Agent{
		Name: name, Workflow: "review", Tag: "pr-1", Backend: domain.BackendMock,
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// decodeResult unmarshals a JSON text result into out.
func decodeResult(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

// call runs a tool and fails the test on dispatch-level errors.
func call(t *testing.T, h *Handler, agent, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h.Call(agent, name, args)
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return result
}
