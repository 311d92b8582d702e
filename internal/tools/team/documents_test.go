package team

import (
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/proposal"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

func TestDocWriteReadAppendList(t *testing.T) {
	h, store := newHandler(t)
	addAgent(t, store, "alice")

	res := call(t, h, "alice", "team_doc_write", map[string]any{"path": "notes/plan.md", "content": "# Plan\n"})
	if res.IsError {
		t.Fatalf("write errored: %s", resultText(t, res))
	}
	res = call(t, h, "alice", "team_doc_append", map[string]any{"path": "notes/plan.md", "content": "- step one\n"})
	if res.IsError {
		t.Fatalf("append errored: %s", resultText(t, res))
	}

	res = call(t, h, "alice", "team_doc_read", map[string]any{"path": "notes/plan.md"})
	if got := resultText(t, res); got != "# Plan\n- step one\n" {
		t.Errorf("document content = %q", got)
	}

	var paths []string
	decodeResult(t, call(t, h, "alice", "team_doc_list", map[string]any{}), &paths)
	if len(paths) != 1 || paths[0] != "notes/plan.md" {
		t.Errorf("listed paths = %v", paths)
	}
}

func TestDocCreateFailsOnExisting(t *testing.T) {
	h, store := newHandler(t)
	addAgent(t, store, "alice")

	res := call(t, h, "alice", "team_doc_create", map[string]any{"path": "readme.md", "content": "v1"})
	if res.IsError {
		t.Fatalf("first create errored: %s", resultText(t, res))
	}
	res = call(t, h, "alice", "team_doc_create", map[string]any{"path": "readme.md", "content": "v2"})
	if !res.IsError {
		t.Error("second create of the same path should be a tool error")
	}
}

func TestDocReadMissing(t *testing.T) {
	h, _ := newHandler(t)

	res := call(t, h, "alice", "team_doc_read", map[string]any{"path": "nope.md"})
	if !res.IsError {
		t.Error("reading a missing document should be a tool error")
	}
}

func TestDocPathEscapeRejected(t *testing.T) {
	h, _ := newHandler(t)

	res := call(t, h, "alice", "team_doc_write", map[string]any{"path": "../../etc/passwd", "content": "x"})
	if !res.IsError {
		t.Error("path escaping the workspace should be a tool error")
	}
}

func TestDocToolsWithoutProvider(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	store, err := sqlite.New(filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.EnsureGlobalWorkflow(); err != nil {
		t.Fatalf("ensure global workflow: %v", err)
	}
	h := NewHandler(store, collab.NewService(store, 1200, logger), proposal.NewService(store, logger), nil, logger)

	res := call(t, h, "alice", "team_doc_list", map[string]any{})
	if !res.IsError || !strings.Contains(resultText(t, res), "not configured") {
		t.Errorf("doc tool without provider = %q, want a diagnostic error", resultText(t, res))
	}
}
