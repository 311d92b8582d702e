package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jaakkos/meshwork/internal/domain"
)

// agentSpec is the JSON body for agent creation, also embedded in workflow
// creation. Config is kept opaque.
type agentSpec struct {
	Name     string           `json:"name"`
	Workflow string           `json:"workflow,omitempty"`
	Tag      string           `json:"tag,omitempty"`
	Model    string           `json:"model,omitempty"`
	Backend  string           `json:"backend,omitempty"`
	Prompt   string           `json:"prompt,omitempty"`
	Provider *domain.Provider `json:"provider,omitempty"`
	Schedule *domain.Schedule `json:"schedule,omitempty"`
	Config   json.RawMessage  `json:"config,omitempty"`
}

func (spec agentSpec) toAgent() domain.Agent {
	a := domain.Agent{
		Name:     spec.Name,
		Workflow: spec.Workflow,
		Tag:      spec.Tag,
		Model:    spec.Model,
		Backend:  spec.Backend,
		Prompt:   spec.Prompt,
		Provider: spec.Provider,
		Schedule: spec.Schedule,
		Config:   string(spec.Config),
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
	return a
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAgent(w, r)
	case http.MethodGet:
		h.listAgents(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var spec agentSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	agent := spec.toAgent()
	if err := domain.ValidateName("agent", agent.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.EnsureWorkflow(agent.Workflow, agent.Tag, ""); err != nil {
		h.fail(w, err)
		return
	}
	created, err := h.store.CreateAgent(agent)
	if err != nil {
		h.fail(w, err)
		return
	}
	if s := h.scheds(); s != nil {
		s.StartAgent(created)
	}
	h.logger.Printf("Agent %s registered in %s:%s", created.Name, created.Workflow, created.Tag)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := h.store.ListAgents(q.Get("workflow"), q.Get("tag"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/agents/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "agent path must be /agents/{name}")
		return
	}

	q := r.URL.Query()
	workflow, tag := q.Get("workflow"), q.Get("tag")
	if workflow == "" || tag == "" {
		var err error
		workflow, tag, err = h.store.FindAgentScope(name)
		if err != nil {
			h.fail(w, err)
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		agent, err := h.store.GetAgent(name, workflow, tag)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	case http.MethodDelete:
		if s := h.scheds(); s != nil {
			s.StopAgent(name, workflow, tag)
		}
		if wk := h.workerKiller(); wk != nil {
			wk.Kill(name, workflow, tag)
		}
		if err := h.store.DeleteAgent(name, workflow, tag); err != nil {
			h.fail(w, err)
			return
		}
		h.logger.Printf("Agent %s removed from %s:%s", name, workflow, tag)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}
