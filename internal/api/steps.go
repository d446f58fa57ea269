package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/thought"
	"go.uber.org/zap"
)

type thoughtResponse struct {
	Thought *thought.Thought `json:"thought"`
	Usage   *llm.Usage       `json:"usage"`
}

func (h *Handler) generateThought(w http.ResponseWriter, r *http.Request) {
	p, atts, err := h.decodeStep(w, r)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	th, usage, err := h.agent.GenerateThought(r.Context(), p.step(atts))
	if err != nil {
		h.logger.Warn("generate thought failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thoughtResponse{Thought: th, Usage: usage})
}

type toolRequest struct {
	Query string `json:"query"`
}

type toolResponse struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

func (h *Handler) executeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool_name")
	var req toolRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	res, err := h.agent.ExecuteTool(r.Context(), name, req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{Result: res.Content, IsError: res.IsError})
}

// synthesizeStream streams chunk events and at most one trailing error
// event. Errors before the stream starts are plain JSON responses.
func (h *Handler) synthesizeStream(w http.ResponseWriter, r *http.Request) {
	p, atts, err := h.decodeStep(w, r)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeErrorKind(w, http.StatusInternalServerError, kindInternal, "streaming not supported")
		return
	}

	for c := range h.agent.Synthesize(r.Context(), p.step(atts)) {
		ev := agent.Event{Type: agent.EventChunk, Data: agent.ChunkData{Text: c.Text}}
		if c.Err != nil {
			h.logger.Warn("synthesis failed", zap.Error(c.Err))
			ev = agent.Event{Type: agent.EventError, Data: agent.MessageData{Message: c.Err.Error()}}
		}
		if err := sse.send(ev); err != nil {
			h.logger.Debug("client went away", zap.Error(err))
			return
		}
	}
}
