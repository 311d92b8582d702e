// Package server is the daemon's HTTP surface: the loopback REST routes the
// CLI and operators use, and the JSON-RPC /mcp endpoint workers call tools
// through.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/domain"
	"github.com/jaakkos/meshwork/internal/repository/sqlite"
	"github.com/jaakkos/meshwork/internal/tools/team"
)

// Schedulers is the slice of the scheduler manager the HTTP layer drives.
// It is injected after the server starts, once the bound port is known.
type Schedulers interface {
	StartAgent(agent domain.Agent)
	Wake(agent, workflow, tag string)
	WakeWorkflow(workflow, tag string)
	StopAgent(agent, workflow, tag string)
	StopWorkflow(workflow, tag string)
	IsIdle(agent, workflow, tag string) bool
	AllIdle(workflow, tag string) bool
}

// Workers lets delete paths reap a live subprocess with its agent.
type Workers interface {
	Kill(agent, workflow, tag string) bool
}

// Handler holds dependencies for the daemon HTTP handlers.
type Handler struct {
	store     *sqlite.Store
	channel   *collab.Service
	tools     *team.Handler
	logger    *log.Logger
	startedAt time.Time
	shutdown  func() // idempotent; schedules daemon shutdown

	mu         sync.RWMutex
	schedulers Schedulers // nil until injected
	workers    Workers    // nil until injected
}

// NewHandler creates the HTTP handler bundle. Schedulers and workers arrive
// later via SetSchedulers, after the listener is bound.
func NewHandler(store *sqlite.Store, channel *collab.Service, tools *team.Handler, shutdown func(), logger *log.Logger) *Handler {
	return &Handler{
		store:     store,
		channel:   channel,
		tools:     tools,
		logger:    logger,
		startedAt: time.Now(),
		shutdown:  shutdown,
	}
}

// SetSchedulers injects the scheduler manager and worker killer once they
// exist. Until then scheduler-dependent routes degrade gracefully.
func (h *Handler) SetSchedulers(s Schedulers, w Workers) {
	h.mu.Lock()
	h.schedulers = s
	h.workers = w
	h.mu.Unlock()
	h.tools.SetWake(func(agent, workflow, tag string) { s.Wake(agent, workflow, tag) })
}

func (h *Handler) scheds() Schedulers {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.schedulers
}

func (h *Handler) workerKiller() Workers {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workers
}

// RegisterRoutes adds all daemon routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/shutdown", h.handleShutdown)
	mux.HandleFunc("/agents", h.handleAgents)
	mux.HandleFunc("/agents/", h.handleAgentByName)
	mux.HandleFunc("/send", h.handleSend)
	mux.HandleFunc("/peek", h.handlePeek)
	mux.HandleFunc("/workflows", h.handleWorkflows)
	mux.HandleFunc("/workflows/", h.handleWorkflowByName)
	mux.HandleFunc("/mcp", h.handleRPC)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	agents, err := h.store.CountAgents()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pid":      os.Getpid(),
		"uptime_s": int(time.Since(h.startedAt).Seconds()),
		"agents":   agents,
	})
}

func (h *Handler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	h.logger.Printf("Shutdown requested via HTTP")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	// Respond first, then let the daemon wind down.
	go h.shutdown()
}

// fail maps domain errors to status codes: missing rows are 404, duplicates
// 409, everything else 500.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Printf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
