package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat client is a browser app served from another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleChatWebsocket upgrades GET /ws/chat/{userID} and runs the
// session until the client disconnects.
func (s *Server) handleChatWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "userID is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("userId", userID).Msg("websocket upgrade failed")
		return
	}
	transport := session.NewWebsocketTransport(conn)
	defer transport.Close()

	err = session.Begin(r.Context(), transport, userID, s.sessionDeps)
	if err != nil {
		logging.Error().Err(err).Str("userId", userID).Msg("session ended with error")
		if errors.Is(err, engine.ErrOutOfMemory) {
			requestShutdown()
		}
	}
}
