package app

import (
	"log"
	"sync"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
)

// SchedulerManager holds the scheduler collection keyed by
// (agent, workflow, tag). All mutation goes through its methods; the map is
// never exposed.
type SchedulerManager struct {
	store   ContextStore
	states  AgentStates
	workers WorkerRunner
	logger  *log.Logger

	pollInterval time.Duration
	maxRetries   int

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewSchedulerManager creates an empty manager. pollInterval and maxRetries
// apply to every scheduler it starts.
func NewSchedulerManager(store ContextStore, states AgentStates, workers WorkerRunner, pollInterval time.Duration, maxRetries int, logger *log.Logger) *SchedulerManager {
	return &SchedulerManager{
		store:        store,
		states:       states,
		workers:      workers,
		logger:       logger,
		pollInterval: pollInterval,
		maxRetries:   maxRetries,
		schedulers:   make(map[string]*Scheduler),
	}
}

// StartAgent creates and starts a scheduler for the agent. Starting an
// agent that already has one is a no-op.
func (m *SchedulerManager) StartAgent(agent domain.Agent) {
	key := workerKey(agent.Name, agent.Workflow, agent.Tag)
	m.mu.Lock()
	if _, ok := m.schedulers[key]; ok {
		m.mu.Unlock()
		return
	}
	s := NewScheduler(agent, m.store, m.states, m.workers, m.Wake, m.logger,
		WithPollInterval(m.pollInterval), WithMaxRetries(m.maxRetries))
	m.schedulers[key] = s
	m.mu.Unlock()
	s.Start()
	m.logger.Printf("SchedulerManager: started %s (%s:%s)", agent.Name, agent.Workflow, agent.Tag)
}

// Wake requests an immediate tick of one agent's scheduler. Unknown agents
// are ignored; the message stays unread until the agent is started.
func (m *SchedulerManager) Wake(agent, workflow, tag string) {
	m.mu.Lock()
	s, ok := m.schedulers[workerKey(agent, workflow, tag)]
	m.mu.Unlock()
	if ok {
		s.Wake()
	}
}

// WakeWorkflow wakes every scheduler in a workflow instance.
func (m *SchedulerManager) WakeWorkflow(workflow, tag string) {
	for _, s := range m.scoped(workflow, tag) {
		s.Wake()
	}
}

// StopAgent stops and removes one agent's scheduler. No-op when absent.
func (m *SchedulerManager) StopAgent(agent, workflow, tag string) {
	key := workerKey(agent, workflow, tag)
	m.mu.Lock()
	s, ok := m.schedulers[key]
	delete(m.schedulers, key)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// StopWorkflow stops every scheduler in a workflow instance.
func (m *SchedulerManager) StopWorkflow(workflow, tag string) {
	m.mu.Lock()
	var stopping []*Scheduler
	for key, s := range m.schedulers {
		if s.agent.Workflow == workflow && s.agent.Tag == tag {
			stopping = append(stopping, s)
			delete(m.schedulers, key)
		}
	}
	m.mu.Unlock()
	for _, s := range stopping {
		s.Stop()
	}
}

// StopAll stops every scheduler. Used on daemon shutdown.
func (m *SchedulerManager) StopAll() {
	m.mu.Lock()
	all := make([]*Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		all = append(all, s)
	}
	m.schedulers = make(map[string]*Scheduler)
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}

// IsIdle reports whether one agent's scheduler is idle. Agents without a
// scheduler count as idle.
func (m *SchedulerManager) IsIdle(agent, workflow, tag string) bool {
	m.mu.Lock()
	s, ok := m.schedulers[workerKey(agent, workflow, tag)]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return s.IsIdle()
}

// AllIdle reports whether every scheduler in a workflow instance is idle.
// An instance with no schedulers at all is trivially idle.
func (m *SchedulerManager) AllIdle(workflow, tag string) bool {
	for _, s := range m.scoped(workflow, tag) {
		if !s.IsIdle() {
			return false
		}
	}
	return true
}

func (m *SchedulerManager) scoped(workflow, tag string) []*Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Scheduler
	for _, s := range m.schedulers {
		if s.agent.Workflow == workflow && s.agent.Tag == tag {
			out = append(out, s)
		}
	}
	return out
}
