package chatserver

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"dm-go/internal/config"
	"dm-go/internal/gateway"
)

// WebSocketHandler upgrades HTTP requests into gateway sessions.
type WebSocketHandler struct {
	deps  gateway.Deps
	wsCfg config.WebSocketConfig
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(deps gateway.Deps, wsCfg config.WebSocketConfig) *WebSocketHandler {
	return &WebSocketHandler{deps: deps, wsCfg: wsCfg}
}

// ServeWS upgrades the connection and runs the session pumps until the
// connection drops. Authentication happens in-protocol: the connection is
// accepted unauthenticated and the session closes it if no valid
// authenticate frame arrives within the grace period.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  h.wsCfg.SendBufferSize,
		WriteBufferSize: h.wsCfg.SendBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("chatserver: websocket upgrade failed: %v", err)
		return
	}

	wsConn := gateway.NewWSConn(conn, h.wsCfg)
	session := gateway.NewSession(h.deps, wsConn)
	wsConn.Run(r.Context(), session)
}
