package app

import (
	"testing"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
)

func newTestManager() (*SchedulerManager, *fakeContext) {
	ctx := &fakeContext{}
	return NewSchedulerManager(ctx, &fakeStates{}, &fakeRunner{content: "ok"}, time.Hour, 3, testLogger()), ctx
}

func workflowAgent(name, workflow, tag string) domain.Agent {
	return domain.Agent{Name: name, Workflow: workflow, Tag: tag, Backend: domain.BackendMock}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.StopAll()

	agent := workflowAgent("alice", "review", "pr-1")
	mgr.StartAgent(agent)
	mgr.StartAgent(agent) // second start must not replace the scheduler

	mgr.mu.Lock()
	n := len(mgr.schedulers)
	mgr.mu.Unlock()
	if n != 1 {
		t.Errorf("schedulers = %d, want 1", n)
	}
}

func TestManagerWakeUnknownAgentIsNoop(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.StopAll()
	mgr.Wake("ghost", "review", "pr-1")
}

func TestManagerStopWorkflowScopes(t *testing.T) {
	mgr, _ := newTestManager()
	defer mgr.StopAll()

	mgr.StartAgent(workflowAgent("alice", "review", "pr-1"))
	mgr.StartAgent(workflowAgent("bob", "review", "pr-1"))
	mgr.StartAgent(workflowAgent("carol", "deploy", "main"))

	mgr.StopWorkflow("review", "pr-1")

	mgr.mu.Lock()
	n := len(mgr.schedulers)
	mgr.mu.Unlock()
	if n != 1 {
		t.Errorf("schedulers after StopWorkflow = %d, want only deploy:main left", n)
	}
	if !mgr.AllIdle("review", "pr-1") {
		t.Error("a workflow with no schedulers must report idle")
	}
}

func TestManagerAllIdleTracksRunningScheduler(t *testing.T) {
	ctx := &fakeContext{}
	started := make(chan struct{})
	release := make(chan struct{})
	mgr := NewSchedulerManager(ctx, &fakeStates{}, &blockingRunner{started: started, release: release},
		time.Hour, 3, testLogger())
	defer mgr.StopAll()

	ctx.fill(1)
	mgr.StartAgent(workflowAgent("alice", "review", "pr-1"))

	<-started
	if mgr.AllIdle("review", "pr-1") {
		t.Error("AllIdle = true while a worker is in flight")
	}
	if mgr.IsIdle("alice", "review", "pr-1") {
		t.Error("IsIdle(alice) = true while its worker is in flight")
	}
	close(release)

	waitFor(t, "idle after worker exit", func() bool { return mgr.AllIdle("review", "pr-1") })
}

func TestManagerStopAllStopsEverything(t *testing.T) {
	mgr, _ := newTestManager()
	mgr.StartAgent(workflowAgent("alice", "review", "pr-1"))
	mgr.StartAgent(workflowAgent("bob", "deploy", "main"))

	mgr.StopAll()

	mgr.mu.Lock()
	n := len(mgr.schedulers)
	mgr.mu.Unlock()
	if n != 0 {
		t.Errorf("schedulers after StopAll = %d, want 0", n)
	}
}
