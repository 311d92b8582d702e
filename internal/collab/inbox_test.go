package collab

import (
	"testing"

	"github.com/jaakkos/meshwork/internal/domain"
)

func TestInboxOrderAndAck(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob")

	// Three mentioning messages in rapid succession land in the same
	// clock tick; ordering must come from the sequence, not the timestamp.
	var ids []string
	for _, text := range []string{"@bob first", "@bob second", "@bob third"} {
		res, err := svc.Send("alice", text, "review", "pr-1", SendOptions{})
		if err != nil {
			t.Fatalf("Send(%s): %v", text, err)
		}
		ids = append(ids, res.ID)
	}

	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != 3 {
		t.Fatalf("inbox = %d entries, want 3", len(inbox))
	}
	for i, want := range []string{"@bob first", "@bob second", "@bob third"} {
		if inbox[i].Content != want {
			t.Errorf("inbox[%d] = %q, want %q", i, inbox[i].Content, want)
		}
	}

	if err := svc.Ack("bob", "review", "pr-1", ids[0]); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	inbox, err = svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery after ack: %v", err)
	}
	if len(inbox) != 2 || inbox[0].Content != "@bob second" {
		t.Errorf("inbox after ack = %v, want the last two", entryContents(inbox))
	}

	// Acking the same message again changes nothing.
	if err := svc.Ack("bob", "review", "pr-1", ids[0]); err != nil {
		t.Fatalf("repeat Ack: %v", err)
	}
	inbox, _ = svc.InboxQuery("bob", "review", "pr-1")
	if len(inbox) != 2 {
		t.Errorf("inbox after repeat ack = %d entries, want 2", len(inbox))
	}
}

func TestAckOlderMessageNeverRewindsCursor(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob")

	var ids []string
	for _, text := range []string{"@bob first", "@bob second"} {
		res, err := svc.Send("alice", text, "review", "pr-1", SendOptions{})
		if err != nil {
			t.Fatalf("Send(%s): %v", text, err)
		}
		ids = append(ids, res.ID)
	}
	if err := svc.AckAll("bob", "review", "pr-1"); err != nil {
		t.Fatalf("AckAll: %v", err)
	}

	// A late ack for the first message must not re-deliver the second.
	if err := svc.Ack("bob", "review", "pr-1", ids[0]); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("inbox = %v after late ack, acknowledged messages re-delivered", entryContents(inbox))
	}
}

func TestAckUnknownIDIsNoOp(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob")

	if _, err := svc.Send("alice", "@bob hello", "review", "pr-1", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := svc.Ack("bob", "review", "pr-1", "msg_000000000000"); err != nil {
		t.Fatalf("Ack unknown id: %v", err)
	}
	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != 1 {
		t.Errorf("inbox = %d entries after unknown ack, want 1", len(inbox))
	}
}

func TestAckAll(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob")

	// Empty inbox: ackAll must be a no-op, not an error.
	if err := svc.AckAll("bob", "review", "pr-1"); err != nil {
		t.Fatalf("AckAll on empty inbox: %v", err)
	}

	for _, text := range []string{"@bob one", "@bob two"} {
		if _, err := svc.Send("alice", text, "review", "pr-1", SendOptions{}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := svc.AckAll("bob", "review", "pr-1"); err != nil {
		t.Fatalf("AckAll: %v", err)
	}
	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("inbox = %d entries after AckAll, want 0", len(inbox))
	}

	// New messages after the ack show up again.
	if _, err := svc.Send("alice", "@bob three", "review", "pr-1", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	inbox, _ = svc.InboxQuery("bob", "review", "pr-1")
	if len(inbox) != 1 || inbox[0].Content != "@bob three" {
		t.Errorf("inbox = %v, want only the new message", entryContents(inbox))
	}
}

func TestInboxPriority(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob", "charlie")

	cases := []struct {
		content string
		want    domain.Priority
	}{
		{"@bob routine update", domain.PriorityNormal},
		{"@bob this is URGENT", domain.PriorityHigh},
		{"@bob we are blocked on the schema", domain.PriorityHigh},
		{"@all status check", domain.PriorityHigh}, // broadcast fans out to >1 recipient
		{"@bob urgently is not the keyword", domain.PriorityNormal},
	}
	for _, tc := range cases {
		if _, err := svc.Send("alice", tc.content, "review", "pr-1", SendOptions{}); err != nil {
			t.Fatalf("Send(%q): %v", tc.content, err)
		}
	}

	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != len(cases) {
		t.Fatalf("inbox = %d entries, want %d", len(inbox), len(cases))
	}
	for i, tc := range cases {
		if inbox[i].Priority != tc.want {
			t.Errorf("priority(%q) = %s, want %s", tc.content, inbox[i].Priority, tc.want)
		}
	}
}

func TestInboxExcludesOwnSends(t *testing.T) {
	svc, store := newService(t)
	addAgents(t, store, "review", "pr-1", "alice", "bob")

	// A self-mention must not loop back into the sender's inbox.
	if _, err := svc.Send("bob", "note to self @bob", "review", "pr-1", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	inbox, err := svc.InboxQuery("bob", "review", "pr-1")
	if err != nil {
		t.Fatalf("InboxQuery: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("inbox = %d entries, want 0 for own send", len(inbox))
	}
}

func entryContents(entries []domain.InboxEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}
