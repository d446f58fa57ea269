package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/store"
	"go.uber.org/zap"
)

// withSessionDefaults fills mode and custom instructions from the stored
// session when the request leaves them empty.
func (h *Handler) withSessionDefaults(ctx context.Context, p *stepPayload) {
	if h.sessions == nil || p.SessionID == "" || (p.Mode != "" && p.CustomInstructions != "") {
		return
	}
	sess, err := h.sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("load session failed", zap.String("session", p.SessionID), zap.Error(err))
		}
		return
	}
	if p.Mode == "" {
		p.Mode = sess.Mode
	}
	if p.CustomInstructions == "" {
		p.CustomInstructions = sess.CustomInstructions
	}
}

// runTurn executes a full turn and streams every event as SSE.
func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request) {
	p, atts, err := h.decodeStep(w, r)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	h.withSessionDefaults(r.Context(), p)

	sse, ok := newSSEWriter(w)
	if !ok {
		writeErrorKind(w, http.StatusInternalServerError, kindInternal, "streaming not supported")
		return
	}

	sink := func(ev agent.Event) {
		if err := sse.send(ev); err != nil {
			h.logger.Debug("write turn event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
	if _, err := h.agent.Run(r.Context(), p.turn(atts), sink); err != nil {
		h.logger.Warn("turn failed", zap.Error(err))
	}
}

// followTurn replays a turn's events from the bus and follows it until
// it ends.
func (h *Handler) followTurn(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeErrorKind(w, http.StatusServiceUnavailable, kindUnavailable, "event bus not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := h.events.Exists(r.Context(), id)
	if err != nil {
		writeErrorKind(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
		return
	}
	if !ok {
		writeErrorKind(w, http.StatusNotFound, kindNotFound, "turn not found")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeErrorKind(w, http.StatusInternalServerError, kindInternal, "streaming not supported")
		return
	}
	for m := range h.events.Subscribe(r.Context(), id) {
		if err := sse.send(m); err != nil {
			return
		}
	}
}

const wsWriteWait = 10 * time.Second

// wsRequest is the first websocket message. Attachment data is base64
// because the message is JSON.
type wsRequest struct {
	stepPayload
	Attachments []wsAttachment `json:"attachments,omitempty"`
}

type wsAttachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (req *wsRequest) attachments() []llm.Attachment {
	var out []llm.Attachment
	for _, a := range req.Attachments {
		mt := a.MIMEType
		if mt == "" {
			mt = http.DetectContentType(a.Data)
		}
		out = append(out, llm.Attachment{Name: a.Name, MIMEType: mt, Data: a.Data})
	}
	return out
}

// serveWS runs one turn per connection: the client sends the request
// as its first message and receives every event until done or error.
// The whole first message, attachments included, is bounded by the
// upload limit.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxUpload)

	var req wsRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.closeWS(conn, websocket.CloseUnsupportedData, "invalid turn request")
		return
	}
	p := &req.stepPayload
	if strings.TrimSpace(p.Query) == "" {
		h.closeWS(conn, websocket.ClosePolicyViolation, errEmptyQuery.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.withSessionDefaults(ctx, p)

	// A read error means the peer closed or vanished.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sink := func(ev agent.Event) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("write websocket event", zap.Error(err))
			cancel()
		}
	}
	if _, err := h.agent.Run(ctx, p.turn(req.attachments()), sink); err != nil {
		h.logger.Warn("turn failed", zap.Error(err))
	}
	h.closeWS(conn, websocket.CloseNormalClosure, "")
}

func (h *Handler) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
