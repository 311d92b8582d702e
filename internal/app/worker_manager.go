// Package app runs the kernel's active side: the worker process manager
// and the per-agent schedulers that drive it.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/policy"
)

const (
	defaultWorkerTimeout = 3 * time.Minute
	killGracePeriod      = 5 * time.Second
	stderrTailBytes      = 4096
)

// WorkerConfig is the serialisable description handed to a spawned worker
// through its environment. The MCP URL carries the agent identity as a
// query parameter; the daemon trusts only that, never the tool-call body.
type WorkerConfig struct {
	Agent    string `json:"agent"`
	Workflow string `json:"workflow"`
	Tag      string `json:"tag"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	MCPURL   string `json:"mcp_url"`
}

// WorkerResult is what a worker reports back over IPC before exiting.
type WorkerResult struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ipcMessage is one line on the worker's IPC pipe (fd 3 in the child).
type ipcMessage struct {
	Type  string        `json:"type"` // "result" or "error"
	Data  *WorkerResult `json:"data,omitempty"`
	Error string        `json:"error,omitempty"`
}

// TimeoutError reports a worker killed by the idle timeout. SawOutput
// distinguishes "no output ever" from "output then silence".
type TimeoutError struct {
	Timeout   time.Duration
	SawOutput bool
	Stderr    string
}

func (e *TimeoutError) Error() string {
	if e.SawOutput {
		return fmt.Sprintf("worker produced output then went silent for %s", e.Timeout)
	}
	return fmt.Sprintf("worker produced no output within %s", e.Timeout)
}

// WorkerRows is the slice of the store the manager needs: tracking which
// agent currently owns a live subprocess.
type WorkerRows interface {
	UpsertWorker(w domain.Worker) error
	ClearWorker(agent, workflow, tag string) error
}

// WorkerManager spawns, supervises and reaps worker subprocesses, one per
// running agent at most. Spawned workers converse with a model and reach
// back into the daemon over the MCP URL they were handed.
type WorkerManager struct {
	pol    *policy.Policy
	rows   WorkerRows
	logger *log.Logger

	mu      sync.Mutex
	baseURL string
	running map[string]*runningWorker
}

type runningWorker struct {
	pid    int
	cancel context.CancelFunc
	reaped chan struct{} // closed once Wait returns; stops escalation to SIGKILL
}

// NewWorkerManager creates a manager. Call SetBaseURL once the HTTP server
// has bound, before the first spawn.
func NewWorkerManager(pol *policy.Policy, rows WorkerRows, logger *log.Logger) *WorkerManager {
	return &WorkerManager{
		pol:     pol,
		rows:    rows,
		logger:  logger,
		running: make(map[string]*runningWorker),
	}
}

// SetBaseURL records the daemon's bound address, e.g. "http://127.0.0.1:7421".
func (m *WorkerManager) SetBaseURL(url string) {
	m.mu.Lock()
	m.baseURL = strings.TrimSuffix(url, "/")
	m.mu.Unlock()
}

// MCPURLFor returns the tool-dispatch URL a worker for agent should call.
func (m *WorkerManager) MCPURLFor(agent string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%s/mcp?agent=%s", m.baseURL, agent)
}

// Run spawns one worker for the agent and blocks until it finishes.
// The worker row is marked running with the new pid for the duration and
// cleared on exit. Success is the first IPC result, or an empty result on
// a silent clean exit; failures carry the exit code and the stderr tail.
func (m *WorkerManager) Run(ctx context.Context, agent domain.Agent) (WorkerResult, error) {
	argv, err := m.resolveCommand(agent)
	if err != nil {
		return WorkerResult{}, err
	}

	timeout := m.pol.WorkerIdleTimeout()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ipcRead, ipcWrite, err := os.Pipe()
	if err != nil {
		return WorkerResult{}, fmt.Errorf("worker ipc pipe: %w", err)
	}
	defer ipcRead.Close()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = m.workerEnv(agent)
	cmd.ExtraFiles = []*os.File{ipcWrite} // fd 3 in the child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		_ = ipcWrite.Close()
		return WorkerResult{}, fmt.Errorf("spawn worker for %s: %w", agent.Name, err)
	}
	// The child holds its copy of the write end; drop ours so the reader
	// sees EOF when the child exits.
	_ = ipcWrite.Close()

	pid := cmd.Process.Pid
	reaped := make(chan struct{})
	key := workerKey(agent.Name, agent.Workflow, agent.Tag)
	m.mu.Lock()
	m.running[key] = &runningWorker{pid: pid, cancel: cancel, reaped: reaped}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, key)
		m.mu.Unlock()
	}()

	if err := m.rows.UpsertWorker(domain.Worker{
		Agent:     agent.Name,
		Workflow:  agent.Workflow,
		Tag:       agent.Tag,
		PID:       pid,
		State:     domain.WorkerRunning,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		m.logger.Printf("WorkerManager: worker row for %s: %v", agent.Name, err)
	}
	m.logger.Printf("WorkerManager: spawned %s (pid %d, timeout %s)", agent.Name, pid, timeout)

	var timedOut bool
	var timedOutMu sync.Mutex
	timer := time.AfterFunc(timeout, func() {
		timedOutMu.Lock()
		timedOut = true
		timedOutMu.Unlock()
		m.logger.Printf("WorkerManager: %s (pid %d) hit idle timeout, terminating", agent.Name, pid)
		killGroup(pid, reaped)
	})

	// Drain the IPC pipe concurrently with the wait; the first result or
	// error message decides the outcome.
	type ipcOutcome struct {
		result *WorkerResult
		err    error
	}
	ipcCh := make(chan ipcOutcome, 1)
	go func() {
		dec := json.NewDecoder(ipcRead)
		for {
			var msg ipcMessage
			if err := dec.Decode(&msg); err != nil {
				ipcCh <- ipcOutcome{}
				return
			}
			switch msg.Type {
			case "result":
				res := msg.Data
				if res == nil {
					res = &WorkerResult{}
				}
				ipcCh <- ipcOutcome{result: res}
				return
			case "error":
				ipcCh <- ipcOutcome{err: fmt.Errorf("worker %s reported: %s", agent.Name, msg.Error)}
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(reaped)
	timer.Stop()
	ipc := <-ipcCh

	if err := m.rows.ClearWorker(agent.Name, agent.Workflow, agent.Tag); err != nil {
		m.logger.Printf("WorkerManager: clear worker row for %s: %v", agent.Name, err)
	}

	if ipc.err != nil {
		return WorkerResult{}, ipc.err
	}
	// A delivered IPC result is a completed session even when the worker
	// then lingered past the idle timeout; the result wins over the kill.
	if ipc.result != nil {
		m.logger.Printf("WorkerManager: %s completed with %d bytes of content", agent.Name, len(ipc.result.Content))
		return *ipc.result, nil
	}
	timedOutMu.Lock()
	wasTimeout := timedOut
	timedOutMu.Unlock()
	if wasTimeout {
		return WorkerResult{}, &TimeoutError{
			Timeout:   timeout,
			SawOutput: output.SawOutput(),
			Stderr:    output.String(),
		}
	}
	if waitErr != nil {
		return WorkerResult{}, fmt.Errorf("worker %s exited: %w (stderr: %s)",
			agent.Name, waitErr, strings.TrimSpace(output.String()))
	}
	// Clean exit with no IPC message counts as an empty session.
	return WorkerResult{}, nil
}

// Kill terminates the running worker for an agent, if any. Returns true
// when a process was signalled.
func (m *WorkerManager) Kill(agent, workflow, tag string) bool {
	m.mu.Lock()
	w, ok := m.running[workerKey(agent, workflow, tag)]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Printf("WorkerManager: killing worker for %s", agent)
	killGroup(w.pid, w.reaped)
	w.cancel()
	return true
}

// KillAll terminates every running worker. Used on daemon shutdown.
func (m *WorkerManager) KillAll() {
	m.mu.Lock()
	workers := make([]*runningWorker, 0, len(m.running))
	for _, w := range m.running {
		workers = append(workers, w)
	}
	m.mu.Unlock()
	for _, w := range workers {
		killGroup(w.pid, w.reaped)
		w.cancel()
	}
}

// resolveCommand maps the agent's backend tag to an argv. Configured
// backends come from policy; the mock backend has a built-in shell
// template driven by the agent's config JSON.
func (m *WorkerManager) resolveCommand(agent domain.Agent) ([]string, error) {
	if agent.Backend == domain.BackendMock {
		return m.mockCommand(agent)
	}
	bc, ok := m.pol.Backend(agent.Backend)
	if !ok || len(bc.Command) == 0 {
		return nil, fmt.Errorf("no command configured for backend %q (agent %s)", agent.Backend, agent.Name)
	}
	return expandArgv(bc.Command, agent, m.MCPURLFor(agent.Name)), nil
}

// mockCommand builds the built-in mock worker: a shell that either runs the
// config's "script" verbatim or reports the config's "output" over IPC.
func (m *WorkerManager) mockCommand(agent domain.Agent) ([]string, error) {
	var cfg struct {
		Script string `json:"script"`
		Output string `json:"output"`
	}
	if agent.Config != "" {
		if err := json.Unmarshal([]byte(agent.Config), &cfg); err != nil {
			return nil, fmt.Errorf("mock agent %s config: %w", agent.Name, err)
		}
	}
	script := cfg.Script
	if script == "" {
		payload, err := json.Marshal(ipcMessage{Type: "result", Data: &WorkerResult{Content: cfg.Output}})
		if err != nil {
			return nil, fmt.Errorf("mock agent %s payload: %w", agent.Name, err)
		}
		script = "printf '%s' " + shellQuote(string(payload)) + " >&3"
	}
	return []string{"/bin/sh", "-c", script}, nil
}

// workerEnv layers the worker's environment: the inherited one, then the
// per-spawn mesh variables including the serialised config.
func (m *WorkerManager) workerEnv(agent domain.Agent) []string {
	cfg := WorkerConfig{
		Agent:    agent.Name,
		Workflow: agent.Workflow,
		Tag:      agent.Tag,
		Model:    agent.Model,
		Prompt:   agent.Prompt,
		MCPURL:   m.MCPURLFor(agent.Name),
	}
	cfgJSON, _ := json.Marshal(cfg)

	env := append([]string(nil), os.Environ()...)
	env = append(env,
		"MESH_AGENT="+agent.Name,
		"MESH_WORKFLOW="+agent.Workflow,
		"MESH_TAG="+agent.Tag,
		"MESH_MCP_URL="+cfg.MCPURL,
		"MESH_WORKER_CONFIG="+string(cfgJSON),
		"MESH_IPC_FD=3",
	)
	if agent.Provider != nil {
		if agent.Provider.BaseURL != "" {
			env = append(env, "MESH_PROVIDER_BASE_URL="+agent.Provider.BaseURL)
		}
		if agent.Provider.APIKeyEnv != "" {
			env = append(env, "MESH_PROVIDER_API_KEY_ENV="+agent.Provider.APIKeyEnv)
		}
	}
	return env
}

// expandArgv substitutes spawn-time placeholders in a backend argv template.
func expandArgv(argv []string, agent domain.Agent, mcpURL string) []string {
	replacer := strings.NewReplacer(
		"{agent}", agent.Name,
		"{workflow}", agent.Workflow,
		"{tag}", agent.Tag,
		"{model}", agent.Model,
		"{mcp_url}", mcpURL,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = replacer.Replace(a)
	}
	return out
}

// killGroup sends a polite SIGTERM to the worker's process group, then a
// hard SIGKILL after the grace period if the process has not been reaped.
// The reaped channel stops the escalation so a recycled pid is never hit.
func killGroup(pid int, reaped <-chan struct{}) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		select {
		case <-reaped:
		case <-time.After(killGracePeriod):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

func workerKey(agent, workflow, tag string) string {
	return agent + "/" + workflow + "/" + tag
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tailBuffer keeps the last max bytes written and records whether anything
// was written at all.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	buf  []byte
	seen bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) > 0 {
		b.seen = true
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) SawOutput() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen
}
