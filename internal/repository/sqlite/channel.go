package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
)

// InsertMessage appends a message to the channel. When res is non-nil the
// resource row is written in the same transaction, so an externalized body
// and its stub message land atomically. Returns the message with its
// assigned id and sequence number.
func (s *Store) InsertMessage(m domain.Message, res *domain.Resource) (domain.Message, error) {
	if m.ID == "" {
		m.ID = NewID("msg")
	}
	if m.Kind == "" {
		m.Kind = domain.KindMessage
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: begin: %w", err)
	}
	defer tx.Rollback()

	if res != nil {
		if err := insertResourceTx(tx, fillResource(*res)); err != nil {
			return domain.Message{}, err
		}
	}

	metadata := ""
	if len(m.Metadata) > 0 {
		metadata = marshalJSON(m.Metadata, "")
	}
	result, err := tx.Exec(
		`INSERT INTO messages (id, sender, workflow, tag, content, recipients, kind, to_agent, tool_call, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.Workflow, m.Tag, m.Content,
		marshalJSON(m.Recipients, "[]"), string(m.Kind), m.To, m.ToolCall, metadata,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: last id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: commit: %w", err)
	}
	m.Seq = seq
	return m, nil
}

// GetMessageSeq resolves a message id to its sequence number, or
// domain.ErrNotFound.
func (s *Store) GetMessageSeq(id string) (int64, error) {
	var seq int64
	err := s.db.QueryRow("SELECT seq FROM messages WHERE id = ?", id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("message seq: %w", err)
	}
	return seq, nil
}

// ListMessages reads the channel for a workflow instance in sequence order.
// agent, when set, applies direct-message visibility: messages addressed to
// someone else are dropped unless the agent sent them. sinceSeq restricts to
// strictly later messages. limit > 0 selects the newest limit matching
// messages, still returned oldest first.
func (s *Store) ListMessages(workflow, tag, agent string, sinceSeq int64, limit int) ([]domain.Message, error) {
	q := messageSelect + " WHERE workflow = ? AND tag = ? AND seq > ?"
	args := []interface{}{workflow, tag, sinceSeq}
	if agent != "" {
		q += " AND (to_agent = '' OR sender = ? OR to_agent = ?)"
		args = append(args, agent, agent)
	}
	if limit > 0 {
		q += " ORDER BY seq DESC LIMIT ?"
		args = append(args, limit)
	} else {
		q += " ORDER BY seq ASC"
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		reverseMessages(out)
	}
	return out, nil
}

// ListInboxMessages returns the undelivered messages for an agent: those
// past its cursor, sent by someone else, whose recipient list names the
// agent or the literal "all". Recipient lists are small JSON arrays,
// decoded here rather than string-matched in SQL.
func (s *Store) ListInboxMessages(agent, workflow, tag string) ([]domain.Message, error) {
	cursor, err := s.GetCursor(agent, workflow, tag)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		messageSelect+" WHERE workflow = ? AND tag = ? AND seq > ? AND sender != ? ORDER BY seq ASC",
		workflow, tag, cursor, agent,
	)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		for _, r := range m.Recipients {
			if r == agent || r == "all" {
				out = append(out, m)
				break
			}
		}
	}
	return out, rows.Err()
}

// GetCursor returns the last acknowledged sequence number for the agent, or
// 0 when it has never acked.
func (s *Store) GetCursor(agent, workflow, tag string) (int64, error) {
	var cursor int64
	err := s.db.QueryRow(
		"SELECT cursor FROM inbox_ack WHERE agent = ? AND workflow = ? AND tag = ?",
		agent, workflow, tag,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

// UpsertCursor advances the agent's inbox cursor to seq. The cursor is
// monotonic: a seq at or below the current cursor leaves it in place, so an
// ack for an already-acknowledged message never re-delivers anything.
func (s *Store) UpsertCursor(agent, workflow, tag string, seq int64) error {
	_, err := s.db.Exec(
		`INSERT INTO inbox_ack (agent, workflow, tag, cursor, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(agent, workflow, tag) DO UPDATE SET
		   cursor = MAX(inbox_ack.cursor, excluded.cursor), updated_at = excluded.updated_at`,
		agent, workflow, tag, seq, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// InsertResource stores an externalized content blob. Assigns an id and
// timestamp when missing.
func (s *Store) InsertResource(r domain.Resource) (domain.Resource, error) {
	r = fillResource(r)
	tx, err := s.db.Begin()
	if err != nil {
		return domain.Resource{}, fmt.Errorf("insert resource: begin: %w", err)
	}
	defer tx.Rollback()
	if err := insertResourceTx(tx, r); err != nil {
		return domain.Resource{}, err
	}
	return r, tx.Commit()
}

// GetResource returns the resource by id, or domain.ErrNotFound.
func (s *Store) GetResource(id string) (domain.Resource, error) {
	var r domain.Resource
	var typ, createdAt string
	err := s.db.QueryRow(
		"SELECT id, workflow, tag, content, content_type, creator, created_at FROM resources WHERE id = ?",
		id,
	).Scan(&r.ID, &r.Workflow, &r.Tag, &r.Content, &typ, &r.Creator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Resource{}, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	r.Type = domain.ResourceType(typ)
	t, err := parseTime(createdAt, "resources")
	if err != nil {
		return domain.Resource{}, err
	}
	r.CreatedAt = t
	return r, nil
}

func fillResource(r domain.Resource) domain.Resource {
	if r.ID == "" {
		r.ID = NewID("res")
	}
	if r.Type == "" {
		r.Type = domain.ResourceText
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}

func insertResourceTx(tx *sql.Tx, r domain.Resource) error {
	_, err := tx.Exec(
		"INSERT INTO resources (id, workflow, tag, content, content_type, creator, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.Workflow, r.Tag, r.Content, string(r.Type), r.Creator, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

const messageSelect = "SELECT seq, id, sender, workflow, tag, content, recipients, kind, to_agent, tool_call, metadata, created_at FROM messages"

func scanMessage(rows *sql.Rows) (domain.Message, error) {
	var m domain.Message
	var recipients, kind, metadata, createdAt string
	if err := rows.Scan(&m.Seq, &m.ID, &m.Sender, &m.Workflow, &m.Tag, &m.Content,
		&recipients, &kind, &m.To, &m.ToolCall, &metadata, &createdAt); err != nil {
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Kind = domain.MessageKind(kind)
	if recipients != "" && recipients != "[]" {
		if err := parseJSON([]byte(recipients), &m.Recipients, "messages recipients"); err != nil {
			return domain.Message{}, err
		}
	}
	if metadata != "" {
		if err := parseJSON([]byte(metadata), &m.Metadata, "messages metadata"); err != nil {
			return domain.Message{}, err
		}
	}
	t, err := parseTime(createdAt, "messages")
	if err != nil {
		return domain.Message{}, err
	}
	m.CreatedAt = t
	return m, nil
}

func reverseMessages(ms []domain.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
