// Package wstransport exposes the sync stream over a persistent websocket.
// Records flow server to client exactly as on the HTTP stream; the client
// sends open and ack messages on the same socket, so progress commits without
// a second connection.
package wstransport

import (
	"context"
	"log/slog"
	"net/http"
	stdSync "sync"
	"time"

	"github.com/gorilla/websocket"

	syncengine "github.com/photofold/sync-engine"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/logging"
	"github.com/photofold/sync-engine/stream"
)

const component = "transport/ws"

// HeaderSessionID carries the session identity, as on the HTTP transport.
const HeaderSessionID = "X-Sync-Session-Id"

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// clientMessage is one message from the client.
type clientMessage struct {
	Action string                `json:"action"` // open, ack
	Groups []string              `json:"groups,omitempty"`
	Reset  bool                  `json:"reset,omitempty"`
	Acks   []syncengine.AckEntry `json:"acks,omitempty"`
}

// serverMessage is one non-record message to the client.
type serverMessage struct {
	Action   string                    `json:"action"` // ack-result, error
	Rejected []syncengine.AckRejection `json:"rejected,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Handler upgrades sync connections to websockets.
type Handler struct {
	engine       *syncengine.Engine
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *logging.Logger
}

// NewHandler creates a websocket sync handler.
func NewHandler(engine *syncengine.Engine) *Handler {
	return &Handler{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 32 * 1024,
		},
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		logger:       logging.Default().WithComponent(component),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}

	session := &wsSession{
		handler:   h,
		conn:      conn,
		sessionID: sessionID,
		logger:    &logging.Logger{Logger: h.logger.With(slog.String("session_id", sessionID))},
	}
	session.run(r.Context())
}

// wsSession serves one socket. Writes are serialized: the stream goroutine
// and ack replies share the connection.
type wsSession struct {
	handler   *Handler
	conn      *websocket.Conn
	sessionID string
	logger    *logging.Logger

	writeMu   stdSync.Mutex
	streaming stdSync.Mutex
}

func (s *wsSession) run(ctx context.Context) {
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pingLoop(ctx)

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WarnContext(ctx, "websocket closed unexpectedly", "error", err.Error())
			}
			return
		}
		switch msg.Action {
		case "open":
			go s.serveStream(ctx, msg)
		case "ack":
			s.serveAck(ctx, msg)
		default:
			s.writeMessage(serverMessage{Action: "error", Error: "unknown action " + msg.Action})
		}
	}
}

// serveStream drains one open request. Opens are serialized per socket so
// two requests cannot interleave their records.
func (s *wsSession) serveStream(ctx context.Context, msg clientMessage) {
	s.streaming.Lock()
	defer s.streaming.Unlock()

	err := s.handler.engine.OpenStream(ctx, stream.OpenRequest{
		SessionID: s.sessionID,
		Groups:    msg.Groups,
		Reset:     msg.Reset,
	}, stream.SinkFunc(func(_ context.Context, rec catalog.Record) error {
		return s.writeMessage(rec)
	}))
	if err != nil {
		s.logger.LogError(ctx, err, "websocket stream failed")
		s.writeMessage(serverMessage{Action: "error", Error: err.Error()})
	}
}

func (s *wsSession) serveAck(ctx context.Context, msg clientMessage) {
	rejected, err := s.handler.engine.Ack(ctx, s.sessionID, msg.Acks)
	if err != nil {
		s.writeMessage(serverMessage{Action: "error", Error: err.Error()})
		return
	}
	s.writeMessage(serverMessage{Action: "ack-result", Rejected: rejected})
}

func (s *wsSession) writeMessage(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.handler.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.handler.writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
