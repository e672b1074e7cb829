package gateway

import (
	"time"

	"driftcast-live/internal/models"
)

// EventType enumerates the closed set of events flowing to connections.
type EventType string

const (
	EventStreamStarted      EventType = "streamStarted"
	EventPatchStream        EventType = "patchStream"
	EventStreamEnded        EventType = "streamEnded"
	EventViewerUpdate       EventType = "viewerUpdate"
	EventChatMessage        EventType = "chatMessage"
	EventPatchChatMessage   EventType = "patchChatMessage"
	EventChatHistory        EventType = "chatHistory"
	EventStreamStats        EventType = "streamStats"
	EventStreamNotification EventType = "streamNotification"
	EventNotifyStreamer     EventType = "notifyStreamer"
	EventModeration         EventType = "moderation"
	EventAck                EventType = "ack"
	EventError              EventType = "error"
)

// Envelope is the single outbound wire shape. Exactly one payload field is
// set for a given type.
type Envelope struct {
	Type         EventType                  `json:"type"`
	SessionID    string                     `json:"sessionId,omitempty"`
	Session      *models.StreamSession      `json:"session,omitempty"`
	Message      *models.ChatMessage        `json:"message,omitempty"`
	Messages     []models.ChatMessage       `json:"messages,omitempty"`
	Viewers      *ViewerPayload             `json:"viewers,omitempty"`
	Stats        *StatsPayload              `json:"stats,omitempty"`
	Notification *models.StreamNotification `json:"notification,omitempty"`
	Moderation   *ModerationResult          `json:"moderation,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// ViewerPayload carries a roster-derived viewer count.
type ViewerPayload struct {
	Count int `json:"count"`
}

// StatsPayload is the periodic per-session statistics snapshot: current
// counters plus the full bounded history.
type StatsPayload struct {
	ViewerCount     int                   `json:"viewerCount"`
	SubscriberCount int                   `json:"subscriberCount"`
	FollowerCount   int                   `json:"followerCount"`
	History         models.SessionHistory `json:"history"`
}

// ModerationResult confirms a ban or unban to the acting connection. Changed
// is false when the target was already in the requested state.
type ModerationResult struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Changed   bool   `json:"changed"`
}

// command is the closed inbound protocol. Payloads are validated here at the
// boundary so registry mutators always receive well-typed arguments.
type command struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	Body      string             `json:"body,omitempty"`
	MessageID string             `json:"messageId,omitempty"`
	TargetID  string             `json:"targetId,omitempty"`
	Action    string             `json:"action,omitempty"`
	Options   *banOptionsPayload `json:"options,omitempty"`
}

type banOptionsPayload struct {
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
