// Package gateway fans live-state events out to WebSocket connections. Two
// isolation scopes exist: anonymous connections may join per-session viewer
// and chat topics voluntarily, while authenticated connections additionally
// receive targeted per-user notices. Delivery is fire-and-forget: an event
// with no subscribers is dropped, and a connection with a full send buffer
// misses the frame rather than stalling the fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driftcast-live/internal/models"
	"driftcast-live/internal/registry"
)

// State is the slice of registry behaviour the gateway drives.
type State interface {
	GetSession(sessionID string) (models.StreamSession, bool)
	SessionHistory(sessionID string) (models.SessionHistory, bool)
	ChatHistory(sessionID string) ([]models.ChatMessage, bool)
	LiveSessions() []models.StreamSession
	JoinSession(sessionID, viewerID string) (int, error)
	LeaveSession(sessionID, viewerID string) (int, error)
	DropViewer(viewerID string)
	PostMessage(ctx context.Context, sessionID, authorID, body string) (models.ChatMessage, error)
	SoftDelete(ctx context.Context, sessionID, messageID string) (models.ChatMessage, bool, error)
	Ban(sessionID, userID string, opts registry.BanOptions) (bool, error)
	Unban(sessionID, userID string) (bool, error)
}

// Config configures a Gateway.
type Config struct {
	State  State
	Logger *slog.Logger
	// HeartbeatInterval controls ping frames to connected clients. A zero
	// value disables heartbeats.
	HeartbeatInterval time.Duration
	// SendBuffer bounds the per-connection outbound queue.
	SendBuffer int
	// CheckOrigin overrides the upgrade origin policy (tests allow all).
	CheckOrigin func(r *http.Request) bool
}

// Gateway coordinates topic membership and event fan-out.
type Gateway struct {
	state     State
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	buffer    int

	mu      sync.RWMutex
	clients map[*client]struct{}
	topics  map[string]map[*client]struct{}

	pumps sync.WaitGroup
}

// New constructs a Gateway around the provided registry state.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gateway{
		state:     cfg.State,
		logger:    logger,
		heartbeat: cfg.HeartbeatInterval,
		buffer:    buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*client]struct{}),
		topics:  make(map[string]map[*client]struct{}),
	}
}

// HandleConnection upgrades the request to a WebSocket. A nil identity joins
// the anonymous scope under a connection-scoped viewer id; a non-nil identity
// has been verified by the caller and may receive targeted notices.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, identity *models.Identity) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(g, conn, identity)

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.pumps.Add(2)
	go func() {
		defer g.pumps.Done()
		c.writeLoop()
	}()
	go func() {
		defer g.pumps.Done()
		c.readLoop()
	}()
}

func viewersTopic(sessionID string) string { return "viewers:" + sessionID }
func chatTopic(sessionID string) string    { return "chat:" + sessionID }

func (g *Gateway) joinTopic(c *client, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topics[topic] == nil {
		g.topics[topic] = make(map[*client]struct{})
	}
	g.topics[topic][c] = struct{}{}
}

func (g *Gateway) leaveTopic(c *client, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if members := g.topics[topic]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(g.topics, topic)
		}
	}
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c)
	for topic, members := range g.topics {
		delete(members, c)
		if len(members) == 0 {
			delete(g.topics, topic)
		}
	}
}

// publish marshals once and delivers to every topic member without blocking.
func (g *Gateway) publish(topic string, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("marshal broadcast event failed", "type", string(env.Type), "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for member := range g.topics[topic] {
		member.enqueue(payload)
	}
}

// deliverTo scans connected authenticated sockets for the user id. A user
// with no open connection receives nothing live; the durable notification
// row is their fallback.
func (g *Gateway) deliverTo(userID string, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("marshal targeted event failed", "type", string(env.Type), "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for member := range g.clients {
		if member.identity != nil && member.identity.ID == userID {
			member.enqueue(payload)
		}
	}
}

// StreamStarted implements registry.Emitter.
func (g *Gateway) StreamStarted(session models.StreamSession) {
	g.publish(viewersTopic(session.ID), Envelope{Type: EventStreamStarted, SessionID: session.ID, Session: &session})
}

// StreamPatched implements registry.Emitter.
func (g *Gateway) StreamPatched(session models.StreamSession) {
	g.publish(viewersTopic(session.ID), Envelope{Type: EventPatchStream, SessionID: session.ID, Session: &session})
}

// StreamEnded implements registry.Emitter, carrying the final viewer count
// observed before state purge.
func (g *Gateway) StreamEnded(sessionID string, finalViewers int) {
	g.publish(viewersTopic(sessionID), Envelope{
		Type:      EventStreamEnded,
		SessionID: sessionID,
		Viewers:   &ViewerPayload{Count: finalViewers},
	})
}

// ViewerCount implements registry.Emitter.
func (g *Gateway) ViewerCount(sessionID string, viewers int) {
	g.publish(viewersTopic(sessionID), Envelope{
		Type:      EventViewerUpdate,
		SessionID: sessionID,
		Viewers:   &ViewerPayload{Count: viewers},
	})
}

// ChatMessage implements registry.Emitter.
func (g *Gateway) ChatMessage(message models.ChatMessage) {
	g.publish(chatTopic(message.SessionID), Envelope{Type: EventChatMessage, SessionID: message.SessionID, Message: &message})
}

// ChatMessagePatched implements registry.Emitter.
func (g *Gateway) ChatMessagePatched(message models.ChatMessage) {
	g.publish(chatTopic(message.SessionID), Envelope{Type: EventPatchChatMessage, SessionID: message.SessionID, Message: &message})
}

// NotifyUser implements registry.Emitter.
func (g *Gateway) NotifyUser(userID string, note models.StreamNotification) {
	g.deliverTo(userID, Envelope{Type: EventStreamNotification, SessionID: note.SessionID, Notification: &note})
}

// NotifyStreamer implements registry.Emitter.
func (g *Gateway) NotifyStreamer(userID string, session models.StreamSession) {
	g.deliverTo(userID, Envelope{Type: EventNotifyStreamer, SessionID: session.ID, Session: &session})
}

// BroadcastLiveStats emits one streamStats event per live session to its
// viewer topic and reports how many sessions were covered. Driven by the
// periodic stats worker.
func (g *Gateway) BroadcastLiveStats() int {
	live := g.state.LiveSessions()
	for _, session := range live {
		history, ok := g.state.SessionHistory(session.ID)
		if !ok {
			continue
		}
		g.publish(viewersTopic(session.ID), Envelope{
			Type:      EventStreamStats,
			SessionID: session.ID,
			Stats: &StatsPayload{
				ViewerCount:     session.ViewerCount,
				SubscriberCount: session.SubscriberCount,
				FollowerCount:   session.FollowerCount,
				History:         history,
			},
		})
	}
	return len(live)
}

// Shutdown closes every connection and waits for their read and write pumps
// to exit, bounded by ctx. Pending send buffers are abandoned.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
