// Package domain holds the kernel entities shared by the registry, the
// context store, the scheduler and the HTTP surface. It has no dependencies
// on other packages.
package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Sentinel errors shared across the kernel. Storage and service layers wrap
// these with context; the HTTP layer maps them to status codes.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// GlobalWorkflow and GlobalTag name the implicit workflow instance that owns
// standalone agents. It is created on daemon start if absent.
const (
	GlobalWorkflow = "global"
	GlobalTag      = "main"
)

// WorkflowState is the lifecycle state of a workflow instance.
type WorkflowState string

const (
	WorkflowRunning WorkflowState = "running"
	WorkflowStopped WorkflowState = "stopped"
)

// Workflow is a (name, tag) instance grouping agents and isolating their
// channel, documents and proposals.
type Workflow struct {
	Name      string        `json:"name"`
	Tag       string        `json:"tag"`
	State     WorkflowState `json:"state"`
	Config    string        `json:"config,omitempty"` // opaque serialized configuration
	CreatedAt time.Time     `json:"created_at"`
}

// AgentState is the runtime state of an agent. It is mutated only by the
// owning scheduler and the delete path.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentRunning AgentState = "running"
	AgentStopped AgentState = "stopped"
)

// Known backend tags. The registry stores whatever tag it is given;
// resolution to a worker command happens at spawn time.
const (
	BackendDefault  = "default"
	BackendSDK      = "sdk"
	BackendClaude   = "claude"
	BackendCodex    = "codex"
	BackendCursor   = "cursor"
	BackendOpencode = "opencode"
	BackendMock     = "mock"
)

// Provider is an optional model-provider override for an agent.
type Provider struct {
	Name      string `json:"name,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"` // env var holding the key, never the key itself
}

// Schedule is an optional wake-up schedule for an agent. Interval is a Go
// duration string; Cron is accepted into the row but not evaluated.
type Schedule struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Agent is a runtime agent registration, unique by (name, workflow, tag).
type Agent struct {
	Name      string     `json:"name"`
	Workflow  string     `json:"workflow"`
	Tag       string     `json:"tag"`
	Model     string     `json:"model,omitempty"`
	Backend   string     `json:"backend"`
	Prompt    string     `json:"prompt,omitempty"`
	Provider  *Provider  `json:"provider,omitempty"`
	Schedule  *Schedule  `json:"schedule,omitempty"`
	Config    string     `json:"config,omitempty"` // opaque JSON blob
	State     AgentState `json:"state"`
	Status    string     `json:"status,omitempty"` // free-text presence set by the agent itself
	CreatedAt time.Time  `json:"created_at"`
}

// WorkerState is the state of a worker row.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerRunning WorkerState = "running"
)

// Worker is the row tracking an agent's active subprocess, if any.
type Worker struct {
	Agent     string      `json:"agent"`
	Workflow  string      `json:"workflow"`
	Tag       string      `json:"tag"`
	PID       int         `json:"pid,omitempty"`
	State     WorkerState `json:"state"`
	StartedAt time.Time   `json:"started_at,omitempty"`
}

// MessageKind classifies channel messages.
type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindToolCall MessageKind = "tool_call"
	KindSystem   MessageKind = "system"
	KindOutput   MessageKind = "output"
	KindDebug    MessageKind = "debug"
)

// Message is one entry in a workflow channel. Seq is assigned at insert and
// totally orders the channel; two messages written in the same clock tick
// still compare by Seq.
type Message struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	Sender     string            `json:"sender"`
	Workflow   string            `json:"workflow"`
	Tag        string            `json:"tag"`
	Content    string            `json:"content"`
	Recipients []string          `json:"recipients"`
	Kind       MessageKind       `json:"kind"`
	To         string            `json:"to,omitempty"` // direct-message target; restricts visibility
	ToolCall   string            `json:"tool_call,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Priority is the inbox priority of an unread message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// InboxEntry is a message as seen from one agent's inbox. The message
// fields are inlined so tool output reads as a message with a priority.
type InboxEntry struct {
	Message
	Priority Priority `json:"priority"`
}

// ResourceType classifies resource payloads.
type ResourceType string

const (
	ResourceMarkdown ResourceType = "markdown"
	ResourceJSON     ResourceType = "json"
	ResourceText     ResourceType = "text"
	ResourceDiff     ResourceType = "diff"
)

// Resource is a write-once large payload stored out of the channel.
type Resource struct {
	ID        string       `json:"id"`
	Workflow  string       `json:"workflow"`
	Tag       string       `json:"tag"`
	Content   string       `json:"content"`
	Type      ResourceType `json:"type"`
	Creator   string       `json:"creator"`
	CreatedAt time.Time    `json:"created_at"`
}

// ProposalType classifies proposals.
type ProposalType string

const (
	ProposalElection   ProposalType = "election"
	ProposalDecision   ProposalType = "decision"
	ProposalApproval   ProposalType = "approval"
	ProposalAssignment ProposalType = "assignment"
)

// Resolution is a proposal resolution rule.
type Resolution string

const (
	ResolvePlurality Resolution = "plurality"
	ResolveMajority  Resolution = "majority"
	ResolveUnanimous Resolution = "unanimous"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalActive    ProposalStatus = "active"
	ProposalResolved  ProposalStatus = "resolved"
	ProposalExpired   ProposalStatus = "expired" // reserved for time-bounded proposals
	ProposalCancelled ProposalStatus = "cancelled"
)

// Proposal is a titled voting instance. Options are immutable after create.
type Proposal struct {
	ID         string         `json:"id"`
	Workflow   string         `json:"workflow"`
	Tag        string         `json:"tag"`
	Type       ProposalType   `json:"type"`
	Title      string         `json:"title"`
	Options    []string       `json:"options"`
	Resolution Resolution     `json:"resolution"`
	Binding    bool           `json:"binding"`
	Status     ProposalStatus `json:"status"`
	Creator    string         `json:"creator"`
	Result     string         `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// Vote is one agent's current choice on a proposal. Votes are upserts; the
// primary key is (proposal_id, agent).
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	Agent      string    `json:"agent"`
	Choice     string    `json:"choice"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// nameRe is the mention grammar: names addressable as @name.
var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidateName reports whether name is usable as an agent or workflow
// identifier. Names must match the mention grammar so @-addressing works.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%s name %q must match [A-Za-z][A-Za-z0-9_-]*", kind, name)
	}
	return nil
}
