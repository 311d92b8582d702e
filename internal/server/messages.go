package server

import (
	"net/http"
	"strconv"

	"github.com/jaakkos/meshwork/internal/collab"
	"github.com/jaakkos/meshwork/internal/domain"
)

// sendRequest is the JSON body for /send. The sender defaults to "user" so
// an operator can poke a channel with a bare {"content": "..."} body.
type sendRequest struct {
	Sender   string `json:"sender,omitempty"`
	Content  string `json:"content"`
	Workflow string `json:"workflow,omitempty"`
	Tag      string `json:"tag,omitempty"`
	To       string `json:"to,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Sender == "" {
		req.Sender = "user"
	}
	if req.Workflow == "" {
		req.Workflow = domain.GlobalWorkflow
	}
	if req.Tag == "" {
		req.Tag = domain.GlobalTag
	}

	res, err := h.channel.Send(req.Sender, req.Content, req.Workflow, req.Tag, collab.SendOptions{
		To:   req.To,
		Kind: domain.MessageKind(req.Kind),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if s := h.scheds(); s != nil {
		for _, recipient := range res.Recipients {
			s.Wake(recipient, req.Workflow, req.Tag)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handlePeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	q := r.URL.Query()
	workflow, tag := q.Get("workflow"), q.Get("tag")
	if workflow == "" {
		workflow = domain.GlobalWorkflow
	}
	if tag == "" {
		tag = domain.GlobalTag
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.channel.Read(workflow, tag, collab.ReadOptions{
		Agent: q.Get("agent"),
		Since: q.Get("since"),
		Limit: limit,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
