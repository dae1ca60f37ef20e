package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/talk-gateway/internal/registry"
)

const (
	// Must exceed the registry's ping interval
	pongWait = 60 * time.Second

	maxViewerMessage = 64 * 1024
)

// Registrar is the part of the registry the viewer endpoint uses
type Registrar interface {
	Register(conn registry.Conn) string
	Unregister(conn registry.Conn)
}

// ViewerHandler upgrades viewer connections and keeps them registered until
// they go away
type ViewerHandler struct {
	registrar Registrar
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// NewViewerHandler creates the viewer websocket handler
func NewViewerHandler(registrar Registrar, logger zerolog.Logger) *ViewerHandler {
	return &ViewerHandler{
		registrar: registrar,
		upgrader: websocket.Upgrader{
			// Avatars are served from arbitrary local pages
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// NewViewerMux mounts h at path
func NewViewerMux(path string, h *ViewerHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	return mux
}

func (h *ViewerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Viewer upgrade failed")
		return
	}

	id := h.registrar.Register(conn)
	if id == "" {
		return
	}
	logger := h.logger.With().Str("viewer_id", id).Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("Viewer connected")

	h.readLoop(conn, logger)

	h.registrar.Unregister(conn)
	logger.Debug().Msg("Viewer disconnected")
}

// readLoop blocks until the viewer goes away. Viewers have nothing to say yet,
// so well-formed JSON is accepted and dropped.
func (h *ViewerHandler) readLoop(conn *websocket.Conn, logger zerolog.Logger) {
	conn.SetReadLimit(maxViewerMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Viewer read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			continue
		}
		if !json.Valid(data) {
			logger.Warn().Int("bytes", len(data)).Msg("Discarding malformed viewer message")
			continue
		}
		logger.Debug().RawJSON("message", data).Msg("Discarding viewer message")
	}
}
