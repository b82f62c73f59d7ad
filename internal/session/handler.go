package session

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Handler upgrades incoming HTTP requests to WebSocket connections and
// runs a Session for each. One Handler per endpoint variant
// (/ws/proxies, /ws/proxy_multi).
type Handler struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

// NewHandler builds a Handler for one of the two streaming endpoints.
func NewHandler(deps Deps, opts Options) *Handler {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{deps: deps, opts: opts, log: log.With(slog.String("component", "session.handler"))}
}

// ServeHTTP upgrades the connection and blocks for the session's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.CloseNow()

	sess := New(uuid.NewString(), ws, h.deps, h.opts)
	if err := sess.Run(r.Context(), token); err != nil {
		h.log.Info("session ended", slog.String("session_id", sess.id), slog.String("error", err.Error()))
	}
}

// extractToken reads a bearer credential from either the Authorization
// header or a ?token= query parameter, since browser WebSocket clients
// cannot set arbitrary headers during the handshake.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
	}
	return r.URL.Query().Get("token")
}
