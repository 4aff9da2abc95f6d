package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The shared secret is the access control, not the origin.
		return true
	},
}

// wsEnvelope is the frame format in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Stage   string          `json:"stage,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleWebSocket upgrades the connection and serves chat turns over it.
// Each inbound "chat" frame produces zero or more "status" frames followed
// by one "result" or "error" frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")

	var writeMu sync.Mutex
	send := func(env wsEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		if env.Type != "chat" {
			_ = send(wsEnvelope{Type: "error", Error: "unknown frame type: " + env.Type})
			continue
		}

		var req orchestrator.ChatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			_ = send(wsEnvelope{Type: "error", Error: "invalid chat payload"})
			continue
		}
		req.Status = func(stage string) {
			_ = send(wsEnvelope{Type: "status", Stage: stage})
		}

		resp, err := s.service.HandleMessage(tracing.NewRequestContext(r.Context()), req)
		if err != nil {
			_ = send(wsEnvelope{Type: "error", Error: err.Error()})
			continue
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			_ = send(wsEnvelope{Type: "error", Error: "failed to encode result"})
			continue
		}
		_ = send(wsEnvelope{Type: "result", Payload: payload})
	}
}
