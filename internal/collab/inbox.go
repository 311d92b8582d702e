package collab

import (
	"errors"

	"github.com/jaakkos/meshwork/internal/domain"
)

// InboxQuery returns the unread prioritised messages for an agent: messages
// past the agent's cursor, sent by someone else, whose recipients include
// the agent. Ordered by sequence ascending.
func (s *Service) InboxQuery(agent, workflow, tag string) ([]domain.InboxEntry, error) {
	msgs, err := s.store.ListInboxMessages(agent, workflow, tag)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.InboxEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, domain.InboxEntry{Message: m, Priority: priorityFor(m)})
	}
	return entries, nil
}

// Ack moves the agent's cursor to the given message id. Unknown ids are a
// no-op, so acking against an empty inbox never fails.
func (s *Service) Ack(agent, workflow, tag, messageID string) error {
	seq, err := s.store.GetMessageSeq(messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.UpsertCursor(agent, workflow, tag, seq)
}

// AckAll moves the agent's cursor past every message currently in its
// inbox. No-op when the inbox is empty.
func (s *Service) AckAll(agent, workflow, tag string) error {
	msgs, err := s.store.ListInboxMessages(agent, workflow, tag)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.store.UpsertCursor(agent, workflow, tag, msgs[len(msgs)-1].Seq)
}

func priorityFor(m domain.Message) domain.Priority {
	if len(m.Recipients) > 1 || urgentRe.MatchString(m.Content) {
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}
