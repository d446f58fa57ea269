package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/qzbxwv/EGO/internal/store"
)

func (h *Handler) requireSessions(w http.ResponseWriter) bool {
	if h.sessions == nil {
		writeErrorKind(w, http.StatusServiceUnavailable, kindUnavailable, "session storage not configured")
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

type createSessionRequest struct {
	Title              string `json:"title"`
	Mode               string `json:"mode"`
	CustomInstructions string `json:"custom_instructions"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	sess := &store.Session{
		Title:              req.Title,
		Mode:               h.agent.Catalog().Resolve(req.Mode).Name,
		CustomInstructions: req.CustomInstructions,
	}
	if err := h.sessions.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	list, err := h.sessions.ListSessions(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) listTurns(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	turns, err := h.sessions.ListTurns(r.Context(), id, limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var upd store.SessionUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&upd); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if upd.Empty() {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, "no fields to update")
		return
	}
	sess, err := h.sessions.UpdateSession(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editTurnRequest struct {
	Query string `json:"query"`
}

// editTurn rewrites a stored question. The answer is kept.
func (h *Handler) editTurn(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	var req editTurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, "query cannot be empty")
		return
	}
	if err := h.sessions.UpdateTurnQuery(r.Context(), chi.URLParam(r, "id"), req.Query); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id"), "query": req.Query})
}
