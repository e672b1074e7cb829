package models

import "time"

// MessageKind distinguishes viewer-authored chat entries from system entries
// such as deletion placeholders.
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// DeletedMessageBody replaces the original text of a moderated chat message.
// The author and timestamp are preserved for audit.
const DeletedMessageBody = "This message has been deleted"

// StreamSession is the public snapshot of one live (or just-ended) broadcast.
// ViewerCount is always derived from the roster, never stored independently.
type StreamSession struct {
	ID              string     `json:"id"`
	StreamerID      string     `json:"streamerId"`
	StreamerName    string     `json:"streamerName"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Category        string     `json:"category,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	ThumbnailURL    *string    `json:"thumbnailUrl,omitempty"`
	IsLive          bool       `json:"isLive"`
	IsPublic        bool       `json:"isPublic"`
	ViewerCount     int        `json:"viewerCount"`
	SubscriberCount int        `json:"subscriberCount"`
	FollowerCount   int        `json:"followerCount"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// StreamerProfile outlives any single session. Follower and subscriber sets
// live inside the registry; the snapshot only carries their sizes.
type StreamerProfile struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"displayName"`
	FollowerCount   int     `json:"followerCount"`
	SubscriberCount int     `json:"subscriberCount"`
	ActiveSessionID *string `json:"activeSessionId,omitempty"`
}

type ChatMessage struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	AuthorID   string      `json:"authorId"`
	AuthorName string      `json:"authorName"`
	AvatarURL  *string     `json:"avatarUrl,omitempty"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	Deleted    bool        `json:"isDeleted"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ChatBan records a banned chatter. ExpiresAt is opaque metadata carried for
// future timed bans; membership alone decides whether a sender is rejected.
type ChatBan struct {
	UserID    string     `json:"userId"`
	Reason    string     `json:"reason,omitempty"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// HistoryPoint is one raw counter capture. Series are bounded by point count,
// not by time window.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// SessionHistory bundles the three independent bounded series kept per
// session.
type SessionHistory struct {
	Viewers     []HistoryPoint `json:"viewers"`
	Subscribers []HistoryPoint `json:"subscribers"`
	Followers   []HistoryPoint `json:"followers"`
}

// Identity describes the verified user attached to an authenticated gateway
// connection.
type Identity struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// StreamNotification is a targeted notice delivered to a specific user, with a
// durable row written alongside the live broadcast as the offline fallback.
type StreamNotification struct {
	Kind       string    `json:"kind"`
	SessionID  string    `json:"sessionId"`
	StreamerID string    `json:"streamerId"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
}
