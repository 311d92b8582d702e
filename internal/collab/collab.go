// Package collab implements the shared channel: mention-addressed messages,
// per-agent inboxes with acknowledgement cursors, and automatic
// externalization of oversized message bodies into resources.
package collab

import (
	"fmt"
	"log"

	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
)

// Service runs channel and inbox use cases over the store.
type Service struct {
	store     *sqlite.Store
	threshold int
	logger    *log.Logger
}

// NewService returns a new Service. threshold is the message body size in
// bytes above which content is externalized into a resource.
func NewService(store *sqlite.Store, threshold int, logger *log.Logger) *Service {
	return &Service{store: store, threshold: threshold, logger: logger}
}

// SendOptions tune a single send.
type SendOptions struct {
	// To makes the message a direct message: recipients become exactly
	// [To] and channel reads hide it from third parties.
	To string
	// Kind overrides the default kind "message".
	Kind domain.MessageKind
	// SkipAutoResource delivers the body verbatim regardless of size.
	// Kickoff and system messages set this so instructions arrive whole.
	SkipAutoResource bool
	Metadata         map[string]string
}

// SendResult is returned by Send so the caller can fan out wake signals.
type SendResult struct {
	ID         string   `json:"id"`
	Recipients []string `json:"recipients"`
}

// Send appends a message to the channel. Recipients are resolved from
// @mentions against the current workflow members at write time; agents
// registered later never join an existing recipient list. Bodies longer
// than the threshold are stored as a resource and replaced with a stub
// unless opts.SkipAutoResource is set.
func (s *Service) Send(sender, content, workflow, tag string, opts SendOptions) (SendResult, error) {
	members, err := s.store.ListAgentNames(workflow, tag)
	if err != nil {
		return SendResult{}, err
	}
	recipients := ParseMentions(content, sender, members)
	if opts.To != "" {
		recipients = []string{opts.To}
	}

	var res *domain.Resource
	if !opts.SkipAutoResource && len(content) > s.threshold {
		r := domain.Resource{
			ID:       sqlite.NewID("res"),
			Workflow: workflow,
			Tag:      tag,
			Content:  content,
			Type:     domain.ResourceText,
			Creator:  sender,
		}
		res = &r
		content = fmt.Sprintf("[Resource %s]: %s", r.ID, Truncate(content, 200))
		s.logger.Printf("Externalized %d byte message from %s into %s", len(r.Content), sender, r.ID)
	}

	msg, err := s.store.InsertMessage(domain.Message{
		Sender:     sender,
		Workflow:   workflow,
		Tag:        tag,
		Content:    content,
		Recipients: recipients,
		Kind:       opts.Kind,
		To:         opts.To,
		Metadata:   opts.Metadata,
	}, res)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: msg.ID, Recipients: recipients}, nil
}

// ReadOptions tune a channel read.
type ReadOptions struct {
	// Agent applies direct-message privacy: DMs between two other agents
	// are hidden. Empty means an unscoped read that sees everything.
	Agent string
	// Since is a message id; only strictly later messages are returned.
	Since string
	// Limit caps the result to the newest Limit matching messages, still
	// ordered oldest first.
	Limit int
}

// Read returns channel messages for a workflow instance in sequence order.
func (s *Service) Read(workflow, tag string, opts ReadOptions) ([]domain.Message, error) {
	var sinceSeq int64
	if opts.Since != "" {
		seq, err := s.store.GetMessageSeq(opts.Since)
		if err != nil {
			return nil, err
		}
		sinceSeq = seq
	}
	return s.store.ListMessages(workflow, tag, opts.Agent, sinceSeq, opts.Limit)
}

// Members returns the agents registered in a workflow instance.
func (s *Service) Members(workflow, tag string) ([]domain.Agent, error) {
	return s.store.ListAgents(workflow, tag)
}

// SetStatus records an agent's self-reported presence line. It never
// touches the scheduler-owned runtime state.
func (s *Service) SetStatus(agent, workflow, tag, status string) error {
	return s.store.UpdateAgentStatus(agent, workflow, tag, status)
}

// CreateResource stores content verbatim as a write-once resource.
func (s *Service) CreateResource(content string, typ domain.ResourceType, creator, workflow, tag string) (domain.Resource, error) {
	return s.store.InsertResource(domain.Resource{
		Workflow: workflow,
		Tag:      tag,
		Content:  content,
		Type:     typ,
		Creator:  creator,
	})
}

// ReadResource returns a resource by id.
func (s *Service) ReadResource(id string) (domain.Resource, error) {
	return s.store.GetResource(id)
}
