package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/store"
	"github.com/qzbxwv/EGO/internal/thought"
	"github.com/qzbxwv/EGO/internal/tool"
)

// Error kinds returned to clients besides the thought parse kinds.
const (
	kindBadRequest  = "bad_request"
	kindNotFound    = "not_found"
	kindBackend     = "backend_error"
	kindUnavailable = "unavailable"
	kindCanceled    = "canceled"
	kindInternal    = "internal"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// classify maps an error onto a status code and a machine-readable body.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var pe *thought.ParseError
	var nf *tool.NotFoundError
	var be *llm.BackendError
	switch {
	case errors.As(err, &pe):
		body.Kind = string(pe.Kind)
		body.Raw = pe.Raw
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		body.Kind = kindNotFound
		return http.StatusNotFound, body
	case errors.As(err, &be):
		body.Kind = kindBackend
		return http.StatusBadGateway, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.Kind = kindCanceled
		return http.StatusGatewayTimeout, body
	default:
		body.Kind = kindInternal
		return http.StatusInternalServerError, body
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, errorResponse{Error: body})
}

func writeErrorKind(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: msg}})
}
