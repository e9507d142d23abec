package liveness

import (
	"context"
	"encoding/json"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	eventSource = "agent-liveness"
)

// Message types exchanged with agents.
const (
	MessageInit    = "init"
	MessageProfile = "profile"
	MessageAck     = "ack"
	MessageError   = "error"
)

// Message is the envelope of every frame on the agent socket.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type session struct {
	agentID     string
	conn        *gorillaws.Conn
	handler     *Handler
	send        chan Message
	initialized bool
	logger      *logger.Logger
}

func newSession(agentID string, conn *gorillaws.Conn, h *Handler, log *logger.Logger) *session {
	return &session{
		agentID: agentID,
		conn:    conn,
		handler: h,
		send:    make(chan Message, 16),
		logger:  log,
	}
}

// readPump owns the session: it handles agent frames and, once the socket
// closes, reports the agent gone.
func (s *session) readPump(ctx context.Context) {
	defer func() {
		close(s.send)
		_ = s.conn.Close()
		if s.initialized {
			s.publish(ctx, events.AgentDisconnected, events.AgentDisconnectedEvent{AgentID: s.agentID})
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				s.logger.Warn("agent socket read error", zap.Error(err))
			}
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *session) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageInit:
		if s.initialized {
			s.reply(MessageError, "already initialized")
			return
		}
		var init models.AgentInit
		if err := json.Unmarshal(msg.Payload, &init); err != nil {
			s.reply(MessageError, "invalid init payload")
			return
		}
		if !s.publish(ctx, events.AgentConnected, events.AgentConnectedEvent{AgentID: s.agentID, Init: init}) {
			s.reply(MessageError, "connect failed")
			return
		}
		s.initialized = true
		s.reply(MessageAck, "")

	case MessageProfile:
		if !s.initialized {
			s.reply(MessageError, "init required")
			return
		}
		var res models.Resource
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			s.reply(MessageError, "invalid profile payload")
			return
		}
		if err := s.handler.agents.UpdateResource(ctx, s.agentID, res); err != nil {
			s.logger.Warn("failed to store resource snapshot", zap.Error(err))
		}

	default:
		s.reply(MessageError, "unknown message type "+msg.Type)
	}
}

func (s *session) reply(kind, text string) {
	msg := Message{Type: kind}
	if text != "" {
		msg.Payload, _ = json.Marshal(text)
	}
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("agent send buffer full, dropping reply", zap.String("type", kind))
	}
}

func (s *session) publish(ctx context.Context, subject string, payload any) bool {
	if err := events.Publish(ctx, s.handler.bus, eventSource, subject, payload); err != nil {
		s.logger.Error("failed to publish liveness event", zap.String("subject", subject), zap.Error(err))
		return false
	}
	return true
}

// writePump sends replies and keeps the connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
