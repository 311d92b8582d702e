package app

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/policy"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

func newWorkerManager(t *testing.T, cfg *policy.Config) (*WorkerManager, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	logger := log.New(os.Stderr, "[test] ", 0)
	m := NewWorkerManager(policy.New(cfg), store, logger)
	m.SetBaseURL("http://127.0.0.1:0")
	return m, store
}

func mockAgent(name, config string) domain.Agent {
	return domain.Agent{
		Name:     name,
		Workflow: "test-run",
		Tag:      "main",
		Backend:  domain.BackendMock,
		Config:   config,
	}
}

func TestRunMockWorkerReportsResult(t *testing.T) {
	m, _ := newWorkerManager(t, nil)

	res, err := m.Run(context.Background(), mockAgent("bot", `{"output":"reviewed"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "reviewed" {
		t.Errorf("content = %q, want %q", res.Content, "reviewed")
	}
}

func TestRunSilentCleanExitYieldsEmptyResult(t *testing.T) {
	m, _ := newWorkerManager(t, nil)

	res, err := m.Run(context.Background(), mockAgent("bot", `{"script":"exit 0"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "" {
		t.Errorf("content = %q, want empty", res.Content)
	}
}

func TestRunNonZeroExitCarriesStderrTail(t *testing.T) {
	m, _ := newWorkerManager(t, nil)

	_, err := m.Run(context.Background(), mockAgent("bot", `{"script":"echo boom >&2; exit 3"}`))
	if err == nil {
		t.Fatal("Run succeeded, want exit error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry the stderr tail", err)
	}
}

func TestRunIPCErrorRejects(t *testing.T) {
	m, _ := newWorkerManager(t, nil)

	_, err := m.Run(context.Background(), mockAgent("bot",
		`{"script":"printf '%s' '{\"type\":\"error\",\"error\":\"no api key\"}' >&3"}`))
	if err == nil {
		t.Fatal("Run succeeded, want IPC error")
	}
	if !strings.Contains(err.Error(), "no api key") {
		t.Errorf("error = %q, want the worker-reported message", err)
	}
}

func TestRunTimeoutIsDistinguished(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.WorkerIdleTimeoutSecs = 1
	m, _ := newWorkerManager(t, cfg)

	start := time.Now()
	_, err := m.Run(context.Background(), mockAgent("bot", `{"script":"echo started; sleep 30"}`))
	if err == nil {
		t.Fatal("Run succeeded, want timeout")
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T (%v), want *TimeoutError", err, err)
	}
	if !te.SawOutput {
		t.Error("SawOutput = false, the worker printed before stalling")
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("Run took %s, the kill path did not engage", elapsed)
	}
}

func TestKillEscalatesWhenTermIsIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the kill grace period")
	}
	cfg := policy.DefaultConfig()
	cfg.WorkerIdleTimeoutSecs = 1
	m, _ := newWorkerManager(t, cfg)

	// The shell ignores SIGTERM and keeps respawning sleeps; only the
	// escalation to SIGKILL ends the session.
	start := time.Now()
	_, err := m.Run(context.Background(), mockAgent("bot",
		`{"script":"trap '' TERM; while :; do sleep 1; done"}`))
	if err == nil {
		t.Fatal("Run succeeded, want timeout")
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T (%v), want *TimeoutError", err, err)
	}
	elapsed := time.Since(start)
	if elapsed < killGracePeriod {
		t.Errorf("Run took %s, ended before the SIGKILL escalation could fire", elapsed)
	}
	if elapsed > 20*time.Second {
		t.Errorf("Run took %s, the hard kill did not engage", elapsed)
	}
}

func TestRunResultBeforeTimeoutWins(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.WorkerIdleTimeoutSecs = 1
	m, _ := newWorkerManager(t, cfg)

	// The worker delivers its result over IPC, then hangs until the idle
	// timeout kills it. The delivered result must survive the kill.
	res, err := m.Run(context.Background(), mockAgent("bot",
		`{"script":"printf '%s' '{\"type\":\"result\",\"data\":{\"content\":\"done\"}}' >&3; sleep 30"}`))
	if err != nil {
		t.Fatalf("Run: %v, want the IPC result despite the timeout", err)
	}
	if res.Content != "done" {
		t.Errorf("content = %q, want %q", res.Content, "done")
	}
}

func TestRunMaintainsWorkerRow(t *testing.T) {
	m, store := newWorkerManager(t, nil)
	addTestAgent(t, store, "bot")

	if _, err := m.Run(context.Background(), mockAgent("bot", `{"output":"ok"}`)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	workers, err := store.ListWorkers("test-run", "main")
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("len(workers) = %d, want 1", len(workers))
	}
	if workers[0].State != domain.WorkerIdle || workers[0].PID != 0 {
		t.Errorf("worker row after exit = %+v, want idle with pid 0", workers[0])
	}
}

func TestResolveCommandUnknownBackendFails(t *testing.T) {
	m, _ := newWorkerManager(t, nil)

	agent := mockAgent("bot", "")
	agent.Backend = "claude"
	if _, err := m.Run(context.Background(), agent); err == nil {
		t.Fatal("Run succeeded with no backend command configured")
	}
}

func TestResolveCommandExpandsTemplates(t *testing.T) {
	argv := expandArgv(
		[]string{"runner", "--agent={agent}", "--mcp={mcp_url}", "--scope={workflow}:{tag}"},
		domain.Agent{Name: "alice", Workflow: "review", Tag: "pr-1"},
		"http://127.0.0.1:7421/mcp?agent=alice",
	)
	want := []string{"runner", "--agent=alice", "--mcp=http://127.0.0.1:7421/mcp?agent=alice", "--scope=review:pr-1"}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestMCPURLCarriesAgentIdentity(t *testing.T) {
	m, _ := newWorkerManager(t, nil)
	m.SetBaseURL("http://127.0.0.1:7421/")

	got := m.MCPURLFor("alice")
	if got != "http://127.0.0.1:7421/mcp?agent=alice" {
		t.Errorf("MCPURLFor = %q", got)
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := &tailBuffer{max: 8}
	if b.SawOutput() {
		t.Error("SawOutput before any write")
	}
	_, _ = b.Write([]byte("0123456789abcdef"))
	if got := b.String(); got != "89abcdef" {
		t.Errorf("String() = %q, want the last 8 bytes", got)
	}
	if !b.SawOutput() {
		t.Error("SawOutput = false after a write")
	}
}

func addTestAgent(t *testing.T, store *sqlite.Store, name string) {
	t.Helper()
	if _, err := store.CreateAgent(domain.Agent{Name: name, Workflow: "test-run", Tag: "main", Backend: domain.BackendMock}); err != nil {
		t.Fatalf("CreateAgent(%s): %v", name, err)
	}
}
