// Package sqlite implements the kernel storage engine on a single embedded
// SQLite database. All state lives in one file owned by the daemon process;
// the rest of the kernel talks to it through narrow per-row primitives.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	name TEXT NOT NULL,
	tag TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'running',
	config TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (name, tag)
);
CREATE TABLE IF NOT EXISTS agents (
	name TEXT NOT NULL,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT 'default',
	prompt TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	schedule TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'idle',
	status TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (name, workflow, tag)
);
CREATE TABLE IF NOT EXISTS workers (
	agent TEXT NOT NULL,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'idle',
	started_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (agent, workflow, tag)
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	content TEXT NOT NULL,
	recipients TEXT NOT NULL DEFAULT '[]',
	kind TEXT NOT NULL DEFAULT 'message',
	to_agent TEXT NOT NULL DEFAULT '',
	tool_call TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS inbox_ack (
	agent TEXT NOT NULL,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	cursor INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (agent, workflow, tag)
);
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'text',
	creator TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'decision',
	title TEXT NOT NULL,
	options TEXT NOT NULL DEFAULT '[]',
	resolution TEXT NOT NULL DEFAULT 'plurality',
	binding INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'active',
	creator TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	resolved_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS votes (
	proposal_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	choice TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (proposal_id, agent)
);
`

// indexes for the hot query paths (inbox scans, scoped agent lookups).
const indexes = `
CREATE INDEX IF NOT EXISTS idx_messages_scope_seq ON messages(workflow, tag, seq);
CREATE INDEX IF NOT EXISTS idx_agents_scope ON agents(workflow, tag);
CREATE INDEX IF NOT EXISTS idx_proposals_scope ON proposals(workflow, tag, status);
`

// Store is the kernel storage engine. A single connection serialises writes;
// all operations are short synchronous statements, no long transactions.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and schema),
// enables WAL with synchronous-normal, and returns the store.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite wal: %w", err)
	}
	_, _ = db.Exec("PRAGMA synchronous=NORMAL")
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	// Run migrations for existing databases (ignore errors for already-applied migrations).
	_ = runMigrations(db)
	return &Store{db: db}, nil
}

// runMigrations applies schema migrations for older databases. Errors are
// silently ignored because some may already be applied.
func runMigrations(db *sql.DB) error {
	_, _ = db.Exec("ALTER TABLE agents ADD COLUMN status TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE agents ADD COLUMN provider TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE agents ADD COLUMN schedule TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN tool_call TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN metadata TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec(schemaWorkers)
	return nil
}

const schemaWorkers = `
CREATE TABLE IF NOT EXISTS workers (
	agent TEXT NOT NULL,
	workflow TEXT NOT NULL,
	tag TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'idle',
	started_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (agent, workflow, tag)
)`

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// NewID returns a fresh opaque identifier with the given prefix, e.g.
// NewID("res") -> "res_1f2e3d4c5b6a".
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:12]
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// formatTime renders t for storage; zero times store as ''.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation returns true if the error indicates a primary-key or
// unique-index conflict.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// parseJSON unmarshals b into v or returns error with context.
func parseJSON(b []byte, v interface{}, context string) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// marshalJSON renders v for storage; nil-ish values store as fallback.
func marshalJSON(v interface{}, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
