package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxRetries   = 3
)

// ContextStore is the slice of the collab service a scheduler drives: the
// inbox it polls and the channel it appends worker output to.
type ContextStore interface {
	InboxQuery(agent, workflow, tag string) ([]domain.InboxEntry, error)
	AckAll(agent, workflow, tag string) error
	Send(sender, content, workflow, tag string, opts collab.SendOptions) (collab.SendResult, error)
}

// AgentStates updates the registry's view of an agent's runtime state.
type AgentStates interface {
	UpdateAgentState(name, workflow, tag string, state domain.AgentState) error
}

// WorkerRunner spawns one worker session and blocks until it finishes.
type WorkerRunner interface {
	Run(ctx context.Context, agent domain.Agent) (WorkerResult, error)
}

// WakeFunc requests an immediate tick of another agent's scheduler.
type WakeFunc func(agent, workflow, tag string)

// Scheduler owns one agent's execution loop. It polls the agent's inbox on
// an interval, spawns a worker when there is unread work, appends the
// worker's output to the channel, and acknowledges the inbox. A single
// goroutine serialises ticks; Wake requests are coalesced into it.
type Scheduler struct {
	agent   domain.Agent
	store   ContextStore
	states  AgentStates
	workers WorkerRunner
	wake    WakeFunc
	logger  *log.Logger

	pollInterval time.Duration
	maxRetries   int

	mu       sync.Mutex
	state    domain.AgentState
	retries  int
	badCron  bool // cron schedule already reported as unsupported
	stopOnce sync.Once

	wakeCh chan struct{}
	stopCh chan struct{}
}

// SchedulerOption configures a scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets the default inbox poll interval.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithMaxRetries sets the retry budget before a force-ack.
func WithMaxRetries(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxRetries = n }
}

// NewScheduler creates a scheduler for one agent. wake is called for each
// recipient of the worker's channel output; it may target this scheduler
// itself (self-wakes are coalesced like any other).
func NewScheduler(agent domain.Agent, store ContextStore, states AgentStates, workers WorkerRunner, wake WakeFunc, logger *log.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		agent:        agent,
		store:        store,
		states:       states,
		workers:      workers,
		wake:         wake,
		logger:       logger,
		pollInterval: defaultPollInterval,
		maxRetries:   defaultMaxRetries,
		state:        domain.AgentIdle,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the scheduler loop with an immediate first tick.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop signals the loop to halt and returns without waiting for it. An
// in-flight worker cannot be preempted here; it runs to completion (or is
// killed separately) and its result is discarded. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.setState(domain.AgentStopped)
		if err := s.states.UpdateAgentState(s.agent.Name, s.agent.Workflow, s.agent.Tag, domain.AgentStopped); err != nil {
			s.logger.Printf("Scheduler %s: record stopped state: %v", s.agent.Name, err)
		}
	})
}

// Wake requests a tick now, bypassing the poll interval. Wakes during a
// running tick coalesce into one follow-up tick.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() domain.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsIdle reports whether the scheduler is idle (not running, not stopped).
func (s *Scheduler) IsIdle() bool {
	return s.State() == domain.AgentIdle
}

func (s *Scheduler) loop() {
	timer := time.NewTimer(0) // immediate first tick
	defer timer.Stop()

	for {
		var scheduled bool
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			scheduled = true
		}
		s.tick(scheduled)
		select {
		case <-s.stopCh:
			return
		default:
		}
		timer.Reset(s.interval())
	}
}

// interval is the agent's schedule interval when one parses, otherwise the
// default poll interval. Cron expressions are accepted into the row but not
// evaluated; they fall back to polling.
func (s *Scheduler) interval() time.Duration {
	sched := s.agent.Schedule
	if sched == nil {
		return s.pollInterval
	}
	if sched.Interval != "" {
		if d, err := time.ParseDuration(sched.Interval); err == nil && d > 0 {
			return d
		}
		s.logger.Printf("Scheduler %s: bad schedule interval %q, using poll interval", s.agent.Name, sched.Interval)
	} else if sched.Cron != "" {
		s.mu.Lock()
		reported := s.badCron
		s.badCron = true
		s.mu.Unlock()
		if !reported {
			s.logger.Printf("Scheduler %s: cron schedules are not evaluated, using poll interval", s.agent.Name)
		}
	}
	return s.pollInterval
}

// tick runs one scheduling pass. Database errors bail without counting as
// retries so shutdown-in-progress does not spiral.
func (s *Scheduler) tick(scheduled bool) {
	entries, err := s.store.InboxQuery(s.agent.Name, s.agent.Workflow, s.agent.Tag)
	if err != nil {
		s.logger.Printf("Scheduler %s: inbox query: %v (will retry next tick)", s.agent.Name, err)
		return
	}

	// A schedule prompt gives the timer-fired tick work to do: the agent
	// sends itself the prompt as a system DM and processes it like any
	// other inbox entry.
	if len(entries) == 0 && scheduled && s.agent.Schedule != nil && s.agent.Schedule.Prompt != "" {
		_, err := s.store.Send("system", s.agent.Schedule.Prompt, s.agent.Workflow, s.agent.Tag, collab.SendOptions{
			To:               s.agent.Name,
			Kind:             domain.KindSystem,
			SkipAutoResource: true,
		})
		if err != nil {
			s.logger.Printf("Scheduler %s: schedule prompt: %v", s.agent.Name, err)
			return
		}
		entries, err = s.store.InboxQuery(s.agent.Name, s.agent.Workflow, s.agent.Tag)
		if err != nil {
			s.logger.Printf("Scheduler %s: inbox query: %v (will retry next tick)", s.agent.Name, err)
			return
		}
	}
	if len(entries) == 0 {
		return
	}

	s.setState(domain.AgentRunning)
	if err := s.states.UpdateAgentState(s.agent.Name, s.agent.Workflow, s.agent.Tag, domain.AgentRunning); err != nil {
		s.logger.Printf("Scheduler %s: record running state: %v", s.agent.Name, err)
	}
	s.logger.Printf("Scheduler %s: %d unread message(s), spawning worker", s.agent.Name, len(entries))

	result, runErr := s.workers.Run(context.Background(), s.agent)

	if s.stopped() {
		s.logger.Printf("Scheduler %s: stopped during worker run, discarding result", s.agent.Name)
		return
	}

	if runErr != nil {
		s.mu.Lock()
		s.retries++
		retries := s.retries
		exhausted := retries >= s.maxRetries
		if exhausted {
			s.retries = 0
		}
		s.mu.Unlock()
		s.logger.Printf("Scheduler %s: worker failed (attempt %d/%d): %v", s.agent.Name, retries, s.maxRetries, runErr)
		if exhausted {
			// Force-ack so a crash-looping agent cannot hold the whole
			// workflow out of its idle state forever.
			s.logger.Printf("Scheduler %s: retry budget exhausted, acknowledging inbox", s.agent.Name)
			if err := s.store.AckAll(s.agent.Name, s.agent.Workflow, s.agent.Tag); err != nil {
				s.logger.Printf("Scheduler %s: force-ack: %v", s.agent.Name, err)
			}
		}
		s.finishIdle()
		return
	}

	// Output goes to the channel before the inbox is acknowledged: a crash
	// between the two re-processes the inbox rather than losing the reply.
	if result.Content != "" {
		sent, err := s.store.Send(s.agent.Name, result.Content, s.agent.Workflow, s.agent.Tag, collab.SendOptions{
			Metadata: result.Metadata,
		})
		if err != nil {
			s.logger.Printf("Scheduler %s: append worker output: %v", s.agent.Name, err)
		} else if s.wake != nil {
			for _, r := range sent.Recipients {
				s.wake(r, s.agent.Workflow, s.agent.Tag)
			}
		}
	}
	if err := s.store.AckAll(s.agent.Name, s.agent.Workflow, s.agent.Tag); err != nil {
		s.logger.Printf("Scheduler %s: ack inbox: %v", s.agent.Name, err)
	}
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
	s.finishIdle()
}

func (s *Scheduler) finishIdle() {
	if s.stopped() {
		return
	}
	s.setState(domain.AgentIdle)
	if err := s.states.UpdateAgentState(s.agent.Name, s.agent.Workflow, s.agent.Tag, domain.AgentIdle); err != nil {
		s.logger.Printf("Scheduler %s: record idle state: %v", s.agent.Name, err)
	}
}

func (s *Scheduler) setState(state domain.AgentState) {
	s.mu.Lock()
	if s.state != domain.AgentStopped || state == domain.AgentStopped {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
