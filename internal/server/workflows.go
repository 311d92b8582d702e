package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/domain"
)

// workflowSpec is the JSON body for workflow creation.
type workflowSpec struct {
	Name    string          `json:"name"`
	Tag     string          `json:"tag,omitempty"`
	Agents  []agentSpec     `json:"agents,omitempty"`
	Kickoff string          `json:"kickoff,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

func (h *Handler) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createWorkflow(w, r)
	case http.MethodGet:
		workflows, err := h.store.ListWorkflows()
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec workflowSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := domain.ValidateName("workflow", spec.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.Tag == "" {
		spec.Tag = domain.GlobalTag
	}
	for _, a := range spec.Agents {
		if err := domain.ValidateName("agent", a.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.store.EnsureWorkflow(spec.Name, spec.Tag, string(spec.Config)); err != nil {
		h.fail(w, err)
		return
	}

	agents := make([]domain.Agent, 0, len(spec.Agents))
	for _, aspec := range spec.Agents {
		agent := aspec.toAgent()
		agent.Workflow = spec.Name
		agent.Tag = spec.Tag
		created, err := h.store.CreateAgent(agent)
		if err != nil {
			h.fail(w, err)
			return
		}
		agents = append(agents, created)
	}

	scheds := h.scheds()
	if scheds != nil {
		for _, agent := range agents {
			scheds.StartAgent(agent)
		}
	}

	// The kickoff arrives whole: instructions should not be externalized
	// into a resource stub.
	if spec.Kickoff != "" {
		res, err := h.channel.Send("system", spec.Kickoff, spec.Name, spec.Tag, collab.SendOptions{
			Kind:             domain.KindSystem,
			SkipAutoResource: true,
		})
		if err != nil {
			h.fail(w, err)
			return
		}
		if scheds != nil {
			for _, recipient := range res.Recipients {
				scheds.Wake(recipient, spec.Name, spec.Tag)
			}
		}
	}

	h.logger.Printf("Workflow %s:%s created with %d agents", spec.Name, spec.Tag, len(agents))
	workflow, err := h.store.GetWorkflow(spec.Name, spec.Tag)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow": workflow,
		"agents":   agents,
	})
}

// agentStatus is one agent's row in the workflow status snapshot.
type agentStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Unread int    `json:"unread"`
}

func (h *Handler) handleWorkflowByName(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/workflows/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "status":
		h.workflowStatus(w, parts[0], parts[1])
	case r.Method == http.MethodDelete && len(parts) == 2:
		h.deleteWorkflow(w, parts[0], parts[1])
	default:
		writeError(w, http.StatusNotFound, "expected /workflows/{name}/{tag}/status or DELETE /workflows/{name}/{tag}")
	}
}

// workflowStatus is the idle-detection snapshot: a workflow is complete when
// it has at least one agent, every scheduler is idle, and no inbox has
// unread messages.
func (h *Handler) workflowStatus(w http.ResponseWriter, name, tag string) {
	if _, err := h.store.GetWorkflow(name, tag); err != nil {
		h.fail(w, err)
		return
	}
	agents, err := h.store.ListAgents(name, tag)
	if err != nil {
		h.fail(w, err)
		return
	}

	scheds := h.scheds()
	allIdle := true
	pendingInbox := false
	statuses := make([]agentStatus, 0, len(agents))
	for _, agent := range agents {
		entries, err := h.channel.InboxQuery(agent.Name, name, tag)
		if err != nil {
			h.fail(w, err)
			return
		}
		if len(entries) > 0 {
			pendingInbox = true
		}
		if agent.State == domain.AgentRunning {
			allIdle = false
		}
		if scheds != nil && !scheds.IsIdle(agent.Name, name, tag) {
			allIdle = false
		}
		statuses = append(statuses, agentStatus{
			Name:   agent.Name,
			State:  string(agent.State),
			Unread: len(entries),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow":     name,
		"tag":          tag,
		"agents":       statuses,
		"allIdle":      allIdle,
		"pendingInbox": pendingInbox,
		"complete":     len(agents) > 0 && allIdle && !pendingInbox,
	})
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, name, tag string) {
	agents, err := h.store.ListAgents(name, tag)
	if err != nil {
		h.fail(w, err)
		return
	}
	if s := h.scheds(); s != nil {
		s.StopWorkflow(name, tag)
	}
	if wk := h.workerKiller(); wk != nil {
		for _, agent := range agents {
			wk.Kill(agent.Name, name, tag)
		}
	}
	if err := h.store.DeleteWorkflow(name, tag); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Printf("Workflow %s:%s removed", name, tag)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
