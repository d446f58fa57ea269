package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/bus"
	"github.com/qzbxwv/EGO/internal/store"
	"go.uber.org/zap"
)

// SessionStore is the persistence the session routes need.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context, limit int) ([]store.Session, error)
	UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error)
	UpdateTurnQuery(ctx context.Context, id, query string) error
	Ping(ctx context.Context) error
}

// EventFollower replays turn events recorded on the bus.
type EventFollower interface {
	Subscribe(ctx context.Context, turnID string) <-chan *bus.Message
	Exists(ctx context.Context, turnID string) (bool, error)
	Ping(ctx context.Context) error
}

// SandboxStatus reports whether code execution is currently possible.
type SandboxStatus interface {
	Available() bool
}

// maxJSONBody caps plain JSON bodies that carry no attachments.
const maxJSONBody = 1 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agent     *agent.Agent
	sessions  SessionStore
	events    EventFollower
	sandbox   SandboxStatus
	maxUpload int64
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithSessions enables the session routes.
func WithSessions(s SessionStore) Option { return func(h *Handler) { h.sessions = s } }

// WithEvents enables following turns from the event bus.
func WithEvents(e EventFollower) Option { return func(h *Handler) { h.events = e } }

// WithSandbox reports sandbox state in the health check.
func WithSandbox(s SandboxStatus) Option { return func(h *Handler) { h.sandbox = s } }

// WithMaxUpload caps request bodies, attachments included.
func WithMaxUpload(n int64) Option { return func(h *Handler) { h.maxUpload = n } }

// NewHandler creates a new API handler.
func NewHandler(a *agent.Agent, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		agent:     a,
		maxUpload: 64 << 20,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/modes", h.listModes)
		r.Get("/tools", h.listTools)

		// Single steps
		r.Post("/generate_thought", h.generateThought)
		r.Post("/execute_tool/{tool_name}", h.executeTool)
		r.Post("/synthesize_stream", h.synthesizeStream)

		// Full turns
		r.Post("/turns", h.runTurn)
		r.Patch("/turns/{id}", h.editTurn)
		r.Get("/turns/{id}/events", h.followTurn)
		r.Get("/ws", h.serveWS)

		// Sessions
		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.createSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Patch("/sessions/{id}", h.updateSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Get("/sessions/{id}/turns", h.listTurns)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	if h.sessions != nil {
		deps["postgres"] = pingStatus(h.sessions.Ping(ctx))
	}
	if h.events != nil {
		deps["redis"] = pingStatus(h.events.Ping(ctx))
	}
	if h.sandbox != nil {
		if h.sandbox.Available() {
			deps["sandbox"] = "ok"
		} else {
			deps["sandbox"] = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "ego", "dependencies": deps})
}

func pingStatus(err error) string {
	if err != nil {
		return "unavailable"
	}
	return "ok"
}

type modeInfo struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Default bool     `json:"default"`
}

func (h *Handler) listModes(w http.ResponseWriter, r *http.Request) {
	cat := h.agent.Catalog()
	def := cat.DefaultMode()
	var out []modeInfo
	for _, m := range cat.Modes() {
		out = append(out, modeInfo{Name: m.Name, Aliases: m.Aliases, Default: m == def})
	}
	writeJSON(w, http.StatusOK, out)
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	var out []toolInfo
	for _, t := range h.agent.Tools().List() {
		out = append(out, toolInfo{Name: t.Name(), Description: t.Description()})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
