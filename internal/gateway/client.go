package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"driftcast-live/internal/models"
	"driftcast-live/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	maxCommandSize = 4096
)

type client struct {
	gateway  *Gateway
	conn     *websocket.Conn
	identity *models.Identity
	// viewerID is the roster identifier: the verified user id for
	// authenticated connections, a connection-scoped id otherwise.
	viewerID string

	send   chan []byte
	sendMu sync.RWMutex
	shut   bool
	closed sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, identity *models.Identity) *client {
	viewerID := "anon-" + uuid.NewString()
	if identity != nil {
		viewerID = identity.ID
	}
	return &client{
		gateway:  g,
		conn:     conn,
		identity: identity,
		viewerID: viewerID,
		send:     make(chan []byte, g.buffer),
	}
}

func (c *client) enqueue(payload []byte) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.shut {
		return
	}
	select {
	case c.send <- payload:
	default:
		// Slow consumer: drop rather than stall the fan-out.
	}
}

func (c *client) sendEnvelope(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.gateway.logger.Error("marshal reply failed", "type", string(env.Type), "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *client) sendError(sessionID, message string) {
	c.sendEnvelope(Envelope{Type: EventError, SessionID: sessionID, Error: message})
}

func (c *client) writeLoop() {
	defer c.close()
	var heartbeats <-chan time.Time
	if c.gateway.heartbeat > 0 {
		ticker := time.NewTicker(c.gateway.heartbeat)
		defer ticker.Stop()
		heartbeats = ticker.C
	}
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-heartbeats:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxCommandSize)
	if hb := c.gateway.heartbeat; hb > 0 {
		wait := 2 * hb
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.sendError("", "invalid payload")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *client) dispatch(cmd command) {
	switch cmd.Type {
	case "joinSession":
		c.handleJoinSession(cmd)
	case "leaveSession":
		c.handleLeaveSession(cmd)
	case "joinChatRoom":
		c.handleJoinChatRoom(cmd)
	case "leaveChatRoom":
		c.handleLeaveChatRoom(cmd)
	case "sendChatMessage":
		c.handleSendChatMessage(cmd)
	case "moderateChat":
		c.handleModerateChat(cmd)
	case "getAllMessages":
		c.handleGetAllMessages(cmd)
	default:
		c.sendError(cmd.SessionID, "unknown command")
	}
}

func (c *client) handleJoinSession(cmd command) {
	if cmd.SessionID == "" {
		c.sendError("", "sessionId required")
		return
	}
	if _, err := c.gateway.state.JoinSession(cmd.SessionID, c.viewerID); err != nil {
		c.sendError(cmd.SessionID, "session not found")
		return
	}
	c.gateway.joinTopic(c, viewersTopic(cmd.SessionID))
	c.sendEnvelope(Envelope{Type: EventAck, SessionID: cmd.SessionID})
}

func (c *client) handleLeaveSession(cmd command) {
	if cmd.SessionID == "" {
		return
	}
	c.gateway.leaveTopic(c, viewersTopic(cmd.SessionID))
	if _, err := c.gateway.state.LeaveSession(cmd.SessionID, c.viewerID); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
		c.gateway.logger.Warn("leave session failed", "session", cmd.SessionID, "error", err)
	}
}

func (c *client) handleJoinChatRoom(cmd command) {
	if cmd.SessionID == "" {
		c.sendError("", "sessionId required")
		return
	}
	if _, ok := c.gateway.state.GetSession(cmd.SessionID); !ok {
		c.sendError(cmd.SessionID, "session not found")
		return
	}
	c.gateway.joinTopic(c, chatTopic(cmd.SessionID))
	c.sendEnvelope(Envelope{Type: EventAck, SessionID: cmd.SessionID})
}

func (c *client) handleLeaveChatRoom(cmd command) {
	if cmd.SessionID == "" {
		return
	}
	c.gateway.leaveTopic(c, chatTopic(cmd.SessionID))
}

func (c *client) handleSendChatMessage(cmd command) {
	if cmd.SessionID == "" {
		c.sendError("", "sessionId required")
		return
	}
	if c.identity == nil {
		c.sendError(cmd.SessionID, "authentication required")
		return
	}
	message, err := c.gateway.state.PostMessage(context.Background(), cmd.SessionID, c.identity.ID, cmd.Body)
	if err != nil {
		c.sendError(cmd.SessionID, chatErrorText(err))
		return
	}
	c.sendEnvelope(Envelope{Type: EventAck, SessionID: cmd.SessionID, Message: &message})
}

func (c *client) handleModerateChat(cmd command) {
	if cmd.SessionID == "" {
		c.sendError("", "sessionId required")
		return
	}
	if c.identity == nil {
		c.sendError(cmd.SessionID, "authentication required")
		return
	}
	switch cmd.Action {
	case "delete":
		if cmd.MessageID == "" {
			c.sendError(cmd.SessionID, "messageId required")
			return
		}
		message, ok, err := c.gateway.state.SoftDelete(context.Background(), cmd.SessionID, cmd.MessageID)
		if err != nil {
			c.sendError(cmd.SessionID, "deletion failed")
			return
		}
		if !ok {
			c.sendError(cmd.SessionID, "message not found")
			return
		}
		c.sendEnvelope(Envelope{Type: EventAck, SessionID: cmd.SessionID, Message: &message})
	case "ban", "unban":
		if cmd.TargetID == "" {
			c.sendError(cmd.SessionID, "targetId required")
			return
		}
		var changed bool
		var err error
		if cmd.Action == "ban" {
			opts := registry.BanOptions{}
			if cmd.Options != nil {
				opts.Reason = cmd.Options.Reason
				opts.ExpiresAt = cmd.Options.ExpiresAt
			}
			changed, err = c.gateway.state.Ban(cmd.SessionID, cmd.TargetID, opts)
		} else {
			changed, err = c.gateway.state.Unban(cmd.SessionID, cmd.TargetID)
		}
		if err != nil {
			c.sendError(cmd.SessionID, "session not found")
			return
		}
		c.sendEnvelope(Envelope{
			Type:      EventModeration,
			SessionID: cmd.SessionID,
			Moderation: &ModerationResult{
				Action:    cmd.Action,
				SessionID: cmd.SessionID,
				TargetID:  cmd.TargetID,
				Changed:   changed,
			},
		})
	case "timeout", "untimeout":
		// Reserved actions; not implemented.
		c.sendError(cmd.SessionID, "action not supported")
	default:
		c.sendError(cmd.SessionID, "unknown action")
	}
}

func (c *client) handleGetAllMessages(cmd command) {
	if cmd.SessionID == "" {
		return
	}
	session, ok := c.gateway.state.GetSession(cmd.SessionID)
	if !ok || !session.IsPublic {
		// Absent or private sessions yield no response.
		return
	}
	messages, ok := c.gateway.state.ChatHistory(cmd.SessionID)
	if !ok {
		return
	}
	c.sendEnvelope(Envelope{Type: EventChatHistory, SessionID: cmd.SessionID, Messages: messages})
}

func chatErrorText(err error) string {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, registry.ErrSessionPrivate):
		return "session is not public"
	case errors.Is(err, registry.ErrBanned):
		return "you are banned from this chat"
	default:
		return "message rejected"
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		c.gateway.unregister(c)
		c.gateway.state.DropViewer(c.viewerID)
		c.sendMu.Lock()
		c.shut = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.conn.Close()
	})
}
