package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jaakkos/meshwork/internal/domain"
)

// EnsureWorkflow creates the (name, tag) workflow row if missing. Idempotent;
// an existing row is left untouched.
func (s *Store) EnsureWorkflow(name, tag, config string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO workflows (name, tag, state, config, created_at) VALUES (?, ?, ?, ?, ?)",
		name, tag, string(domain.WorkflowRunning), config, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure workflow %s:%s: %w", name, tag, err)
	}
	return nil
}

// EnsureGlobalWorkflow creates the implicit (global, main) workflow if absent.
func (s *Store) EnsureGlobalWorkflow() error {
	return s.EnsureWorkflow(domain.GlobalWorkflow, domain.GlobalTag, "")
}

// GetWorkflow returns the workflow row or domain.ErrNotFound.
func (s *Store) GetWorkflow(name, tag string) (domain.Workflow, error) {
	row := s.db.QueryRow(
		"SELECT name, tag, state, config, created_at FROM workflows WHERE name = ? AND tag = ?",
		name, tag,
	)
	return scanWorkflow(row)
}

// ListWorkflows returns all workflows in creation order.
func (s *Store) ListWorkflows() ([]domain.Workflow, error) {
	rows, err := s.db.Query("SELECT name, tag, state, config, created_at FROM workflows ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkflowState sets the workflow state. No effect if the row is absent.
func (s *Store) UpdateWorkflowState(name, tag string, state domain.WorkflowState) error {
	_, err := s.db.Exec(
		"UPDATE workflows SET state = ? WHERE name = ? AND tag = ?",
		string(state), name, tag,
	)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	return nil
}

// DeleteWorkflow tears down a workflow instance: agents, workers, messages,
// inbox cursors, resources, proposals and votes go with it, in one
// transaction. Returns domain.ErrNotFound if the workflow row is absent.
func (s *Store) DeleteWorkflow(name, tag string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete workflow: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM workflows WHERE name = ? AND tag = ?", name, tag)
	if err != nil {
		return fmt.Errorf("delete workflow row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s:%s: %w", name, tag, domain.ErrNotFound)
	}

	stmts := []string{
		"DELETE FROM votes WHERE proposal_id IN (SELECT id FROM proposals WHERE workflow = ? AND tag = ?)",
		"DELETE FROM proposals WHERE workflow = ? AND tag = ?",
		"DELETE FROM resources WHERE workflow = ? AND tag = ?",
		"DELETE FROM inbox_ack WHERE workflow = ? AND tag = ?",
		"DELETE FROM messages WHERE workflow = ? AND tag = ?",
		"DELETE FROM workers WHERE workflow = ? AND tag = ?",
		"DELETE FROM agents WHERE workflow = ? AND tag = ?",
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, name, tag); err != nil {
			return fmt.Errorf("delete workflow cascade: %w", err)
		}
	}
	return tx.Commit()
}

// CreateAgent inserts an agent row, applying defaults for missing fields
// (workflow global, tag main, backend default, state idle). Returns
// domain.ErrDuplicate when (name, workflow, tag) collides. The workflow row
// is created implicitly if absent.
func (s *Store) CreateAgent(a domain.Agent) (domain.Agent, error) {
	if err := domain.ValidateName("agent", a.Name); err != nil {
		return domain.Agent{}, err
	}
	if a.Workflow == "" {
		a.Workflow = domain.GlobalWorkflow
	}
	if a.Tag == "" {
		a.Tag = domain.GlobalTag
	}
	if a.Backend == "" {
		a.Backend = domain.BackendDefault
	}
	if a.State == "" {
		a.State = domain.AgentIdle
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	if err := s.EnsureWorkflow(a.Workflow, a.Tag, ""); err != nil {
		return domain.Agent{}, err
	}

	_, err := s.db.Exec(
		`INSERT INTO agents (name, workflow, tag, model, backend, prompt, provider, schedule, config, state, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Workflow, a.Tag, a.Model, a.Backend, a.Prompt,
		marshalOptional(a.Provider), marshalOptional(a.Schedule), a.Config,
		string(a.State), a.Status, formatTime(a.CreatedAt),
	)
	if isUniqueViolation(err) {
		return domain.Agent{}, fmt.Errorf("agent %s in %s:%s: %w", a.Name, a.Workflow, a.Tag, domain.ErrDuplicate)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// GetAgent returns the agent row or domain.ErrNotFound.
func (s *Store) GetAgent(name, workflow, tag string) (domain.Agent, error) {
	row := s.db.QueryRow(
		agentSelect+" WHERE name = ? AND workflow = ? AND tag = ?",
		name, workflow, tag,
	)
	return scanAgent(row)
}

// FindAgentScope resolves an agent name to its (workflow, tag), taking the
// first registered row when the name exists in several workflows.
func (s *Store) FindAgentScope(name string) (workflow, tag string, err error) {
	row := s.db.QueryRow("SELECT workflow, tag FROM agents WHERE name = ? ORDER BY rowid LIMIT 1", name)
	if err := row.Scan(&workflow, &tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("agent %s: %w", name, domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("find agent scope: %w", err)
	}
	return workflow, tag, nil
}

// ListAgents returns agents in registration order. With workflow and tag
// both empty it returns every agent; with both set it scopes to the
// workflow instance.
func (s *Store) ListAgents(workflow, tag string) ([]domain.Agent, error) {
	var rows *sql.Rows
	var err error
	if workflow == "" && tag == "" {
		rows, err = s.db.Query(agentSelect + " ORDER BY rowid")
	} else {
		rows, err = s.db.Query(agentSelect+" WHERE workflow = ? AND tag = ? ORDER BY rowid", workflow, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAgentNames returns the member names of a workflow instance in
// registration order; the mention resolver works against this set.
func (s *Store) ListAgentNames(workflow, tag string) ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM agents WHERE workflow = ? AND tag = ? ORDER BY rowid", workflow, tag)
	if err != nil {
		return nil, fmt.Errorf("list agent names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountAgents returns the total number of registered agents.
func (s *Store) CountAgents() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// UpdateAgentState sets the runtime state. No effect if the agent is absent.
func (s *Store) UpdateAgentState(name, workflow, tag string, state domain.AgentState) error {
	_, err := s.db.Exec(
		"UPDATE agents SET state = ? WHERE name = ? AND workflow = ? AND tag = ?",
		string(state), name, workflow, tag,
	)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	return nil
}

// UpdateAgentStatus sets the agent's self-reported presence text. No effect
// if the agent is absent.
func (s *Store) UpdateAgentStatus(name, workflow, tag, status string) error {
	_, err := s.db.Exec(
		"UPDATE agents SET status = ? WHERE name = ? AND workflow = ? AND tag = ?",
		status, name, workflow, tag,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// DeleteAgent removes the agent row along with its worker row and inbox
// cursor. Returns domain.ErrNotFound if no such agent.
func (s *Store) DeleteAgent(name, workflow, tag string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete agent: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM agents WHERE name = ? AND workflow = ? AND tag = ?", name, workflow, tag)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s in %s:%s: %w", name, workflow, tag, domain.ErrNotFound)
	}
	if _, err := tx.Exec("DELETE FROM workers WHERE agent = ? AND workflow = ? AND tag = ?", name, workflow, tag); err != nil {
		return fmt.Errorf("delete agent worker: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM inbox_ack WHERE agent = ? AND workflow = ? AND tag = ?", name, workflow, tag); err != nil {
		return fmt.Errorf("delete agent cursor: %w", err)
	}
	return tx.Commit()
}

// UpsertWorker replaces the worker row for (agent, workflow, tag).
func (s *Store) UpsertWorker(w domain.Worker) error {
	_, err := s.db.Exec(
		`INSERT INTO workers (agent, workflow, tag, pid, state, started_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent, workflow, tag) DO UPDATE SET pid = excluded.pid, state = excluded.state, started_at = excluded.started_at`,
		w.Agent, w.Workflow, w.Tag, w.PID, string(w.State), formatTime(w.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// ClearWorker marks the worker row idle with no pid. No effect if absent.
func (s *Store) ClearWorker(agent, workflow, tag string) error {
	_, err := s.db.Exec(
		"UPDATE workers SET pid = 0, state = ? WHERE agent = ? AND workflow = ? AND tag = ?",
		string(domain.WorkerIdle), agent, workflow, tag,
	)
	if err != nil {
		return fmt.Errorf("clear worker: %w", err)
	}
	return nil
}

// ClearAllWorkers marks every worker row idle with no pid. Run at startup to
// sweep rows left behind by a crashed daemon.
func (s *Store) ClearAllWorkers() error {
	_, err := s.db.Exec("UPDATE workers SET pid = 0, state = ?", string(domain.WorkerIdle))
	if err != nil {
		return fmt.Errorf("clear all workers: %w", err)
	}
	return nil
}

// ListWorkers returns worker rows, scoped to a workflow instance when
// workflow and tag are set.
func (s *Store) ListWorkers(workflow, tag string) ([]domain.Worker, error) {
	var rows *sql.Rows
	var err error
	if workflow == "" && tag == "" {
		rows, err = s.db.Query("SELECT agent, workflow, tag, pid, state, started_at FROM workers ORDER BY rowid")
	} else {
		rows, err = s.db.Query("SELECT agent, workflow, tag, pid, state, started_at FROM workers WHERE workflow = ? AND tag = ? ORDER BY rowid", workflow, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var st, sa string
		if err := rows.Scan(&w.Agent, &w.Workflow, &w.Tag, &w.PID, &st, &sa); err != nil {
			return nil, err
		}
		w.State = domain.WorkerState(st)
		if sa != "" {
			t, err := parseTime(sa, "workers")
			if err != nil {
				return nil, err
			}
			w.StartedAt = t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const agentSelect = "SELECT name, workflow, tag, model, backend, prompt, provider, schedule, config, state, status, created_at FROM agents"

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (domain.Workflow, error) {
	var w domain.Workflow
	var state, createdAt string
	if err := row.Scan(&w.Name, &w.Tag, &state, &w.Config, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Workflow{}, fmt.Errorf("workflow: %w", domain.ErrNotFound)
		}
		return domain.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	w.State = domain.WorkflowState(state)
	t, err := parseTime(createdAt, "workflows")
	if err != nil {
		return domain.Workflow{}, err
	}
	w.CreatedAt = t
	return w, nil
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var provider, schedule, state, createdAt string
	if err := row.Scan(&a.Name, &a.Workflow, &a.Tag, &a.Model, &a.Backend, &a.Prompt,
		&provider, &schedule, &a.Config, &state, &a.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("agent: %w", domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	a.State = domain.AgentState(state)
	if provider != "" {
		a.Provider = &domain.Provider{}
		if err := parseJSON([]byte(provider), a.Provider, "agents provider"); err != nil {
			return domain.Agent{}, err
		}
	}
	if schedule != "" {
		a.Schedule = &domain.Schedule{}
		if err := parseJSON([]byte(schedule), a.Schedule, "agents schedule"); err != nil {
			return domain.Agent{}, err
		}
	}
	t, err := parseTime(createdAt, "agents")
	if err != nil {
		return domain.Agent{}, err
	}
	a.CreatedAt = t
	return a, nil
}

// marshalOptional renders a pointer struct as JSON, or '' when nil.
func marshalOptional(v interface{}) string {
	switch p := v.(type) {
	case *domain.Provider:
		if p == nil {
			return ""
		}
	case *domain.Schedule:
		if p == nil {
			return ""
		}
	}
	return marshalJSON(v, "")
}
