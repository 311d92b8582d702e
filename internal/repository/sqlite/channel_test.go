package sqlite

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jaakkos/meshwork/internal/domain"
)

func sendTestMessage(t *testing.T, store *Store, sender, content string, recipients ...string) domain.Message {
	t.Helper()
	m, err := store.InsertMessage(domain.Message{
		Sender:     sender,
		Workflow:   domain.GlobalWorkflow,
		Tag:        domain.GlobalTag,
		Content:    content,
		Recipients: recipients,
	}, nil)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	return m
}

func TestMessageSeqMonotonic(t *testing.T) {
	store := openStore(t)

	var lastSeq int64
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		m := sendTestMessage(t, store, "alice", fmt.Sprintf("msg %d", i))
		if m.Seq <= lastSeq {
			t.Fatalf("seq %d after %d, want strictly increasing", m.Seq, lastSeq)
		}
		lastSeq = m.Seq
		if !strings.HasPrefix(m.ID, "msg_") {
			t.Fatalf("ID = %q, want msg_ prefix", m.ID)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate message id %q", m.ID)
		}
		seen[m.ID] = true
	}

	got, err := store.ListMessages(domain.GlobalWorkflow, domain.GlobalTag, "", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("messages out of order at %d: %d then %d", i, got[i-1].Seq, got[i].Seq)
		}
	}
}

func TestListMessagesSinceAndLimit(t *testing.T) {
	store := openStore(t)

	var seqs []int64
	for i := 0; i < 5; i++ {
		m := sendTestMessage(t, store, "alice", fmt.Sprintf("msg %d", i))
		seqs = append(seqs, m.Seq)
	}

	// since is exclusive: only messages strictly after it.
	got, err := store.ListMessages(domain.GlobalWorkflow, domain.GlobalTag, "", seqs[2], 0)
	if err != nil {
		t.Fatalf("ListMessages since: %v", err)
	}
	if len(got) != 2 || got[0].Seq != seqs[3] {
		t.Errorf("since result = %d messages starting at %d, want 2 starting at %d", len(got), got[0].Seq, seqs[3])
	}

	// limit selects the newest N but keeps chronological order.
	got, err = store.ListMessages(domain.GlobalWorkflow, domain.GlobalTag, "", 0, 2)
	if err != nil {
		t.Fatalf("ListMessages limit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit result = %d messages, want 2", len(got))
	}
	if got[0].Content != "msg 3" || got[1].Content != "msg 4" {
		t.Errorf("limit result = [%q, %q], want newest two oldest first", got[0].Content, got[1].Content)
	}
}

func TestListMessagesDirectVisibility(t *testing.T) {
	store := openStore(t)

	sendTestMessage(t, store, "alice", "public note")
	if _, err := store.InsertMessage(domain.Message{
		Sender: "alice", Workflow: domain.GlobalWorkflow, Tag: domain.GlobalTag,
		Content: "for bob only", Recipients: []string{"bob"}, To: "bob",
	}, nil); err != nil {
		t.Fatalf("InsertMessage DM: %v", err)
	}

	for _, tc := range []struct {
		agent string
		want  int
	}{
		{"bob", 2},   // addressee sees the DM
		{"alice", 2}, // sender sees their own DM
		{"carol", 1}, // third party does not
		{"", 2},      // no reader identity sees everything
	} {
		got, err := store.ListMessages(domain.GlobalWorkflow, domain.GlobalTag, tc.agent, 0, 0)
		if err != nil {
			t.Fatalf("ListMessages(%q): %v", tc.agent, err)
		}
		if len(got) != tc.want {
			t.Errorf("agent %q sees %d messages, want %d", tc.agent, len(got), tc.want)
		}
	}
}

func TestInboxAndCursor(t *testing.T) {
	store := openStore(t)

	cursor, err := store.GetCursor("bob", domain.GlobalWorkflow, domain.GlobalTag)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor != 0 {
		t.Errorf("fresh cursor = %d, want 0", cursor)
	}

	m1 := sendTestMessage(t, store, "alice", "hey @bob", "bob")
	// bob's own send and a message addressed elsewhere stay out of his inbox
	sendTestMessage(t, store, "bob", "replying", "alice")
	sendTestMessage(t, store, "alice", "for carol", "carol")
	m2 := sendTestMessage(t, store, "carol", "@bob me too", "bob")

	inbox, err := store.ListInboxMessages("bob", domain.GlobalWorkflow, domain.GlobalTag)
	if err != nil {
		t.Fatalf("ListInboxMessages: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("inbox = %d messages, want 2", len(inbox))
	}
	if inbox[0].ID != m1.ID || inbox[1].ID != m2.ID {
		t.Errorf("inbox = [%s, %s], want [%s, %s]", inbox[0].ID, inbox[1].ID, m1.ID, m2.ID)
	}

	// Advancing the cursor past the first message hides it.
	if err := store.UpsertCursor("bob", domain.GlobalWorkflow, domain.GlobalTag, m1.Seq); err != nil {
		t.Fatalf("UpsertCursor: %v", err)
	}
	inbox, err = store.ListInboxMessages("bob", domain.GlobalWorkflow, domain.GlobalTag)
	if err != nil {
		t.Fatalf("ListInboxMessages after ack: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != m2.ID {
		t.Errorf("inbox after ack = %+v, want only %s", inbox, m2.ID)
	}
}

func TestUpsertCursorIsMonotonic(t *testing.T) {
	store := openStore(t)

	m1 := sendTestMessage(t, store, "alice", "hey @bob", "bob")
	m2 := sendTestMessage(t, store, "alice", "again @bob", "bob")

	if err := store.UpsertCursor("bob", domain.GlobalWorkflow, domain.GlobalTag, m2.Seq); err != nil {
		t.Fatalf("UpsertCursor: %v", err)
	}
	// Writing an older sequence must leave the cursor where it is.
	if err := store.UpsertCursor("bob", domain.GlobalWorkflow, domain.GlobalTag, m1.Seq); err != nil {
		t.Fatalf("UpsertCursor older seq: %v", err)
	}
	cursor, err := store.GetCursor("bob", domain.GlobalWorkflow, domain.GlobalTag)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor != m2.Seq {
		t.Errorf("cursor = %d after older write, want %d", cursor, m2.Seq)
	}
}

func TestInsertMessageWithResource(t *testing.T) {
	store := openStore(t)

	res := domain.Resource{
		ID:       NewID("res"),
		Workflow: domain.GlobalWorkflow,
		Tag:      domain.GlobalTag,
		Content:  strings.Repeat("x", 2000),
		Type:     domain.ResourceMarkdown,
		Creator:  "alice",
	}
	m, err := store.InsertMessage(domain.Message{
		Sender:   "alice",
		Workflow: domain.GlobalWorkflow,
		Tag:      domain.GlobalTag,
		Content:  "[Resource " + res.ID + "]: xxx...",
	}, &res)
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if m.Seq == 0 {
		t.Error("message seq not assigned")
	}

	got, err := store.GetResource(res.ID)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if got.Content != res.Content {
		t.Errorf("resource content: %d bytes, want %d", len(got.Content), len(res.Content))
	}
	if got.Type != domain.ResourceMarkdown {
		t.Errorf("resource type = %q, want markdown", got.Type)
	}
	if got.Creator != "alice" {
		t.Errorf("resource creator = %q, want alice", got.Creator)
	}
}

func TestGetMessageSeq(t *testing.T) {
	store := openStore(t)

	m := sendTestMessage(t, store, "alice", "anchor")
	seq, err := store.GetMessageSeq(m.ID)
	if err != nil {
		t.Fatalf("GetMessageSeq: %v", err)
	}
	if seq != m.Seq {
		t.Errorf("seq = %d, want %d", seq, m.Seq)
	}

	if _, err := store.GetMessageSeq("msg_000000000000"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetMessageSeq(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestInsertResourceDefaults(t *testing.T) {
	store := openStore(t)

	r, err := store.InsertResource(domain.Resource{
		Workflow: domain.GlobalWorkflow,
		Tag:      domain.GlobalTag,
		Content:  "notes",
		Creator:  "alice",
	})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if !strings.HasPrefix(r.ID, "res_") {
		t.Errorf("ID = %q, want res_ prefix", r.ID)
	}
	if r.Type != domain.ResourceText {
		t.Errorf("Type = %q, want text default", r.Type)
	}

	got, err := store.GetResource(r.ID)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	if _, err := store.GetResource("res_missing00000"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetResource(unknown) err = %v, want ErrNotFound", err)
	}
}
