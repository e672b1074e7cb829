// Package store defines the durable relational boundary the live-state engine
// depends on. Controllers commit to this store before calling into the
// registry; the hot path only reaches back here for a handful of reads and
// writes (chat inserts, roster snapshots, token lookups).
package store

import (
	"context"
	"errors"
	"time"

	"driftcast-live/internal/models"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// UserRecord carries the display fields needed to hydrate chat messages.
type UserRecord struct {
	ID          string
	DisplayName string
	AvatarURL   *string
}

// ChatInsert reports the identifiers assigned by the durable store for a
// freshly inserted chat message. Message IDs from the store, not arrival
// order, define canonical transcript order for audit.
type ChatInsert struct {
	ID        string
	CreatedAt time.Time
}

// RosterSnapshot is the one-time read of a streamer's follower and subscriber
// sets taken when a profile is first seen by the registry.
type RosterSnapshot struct {
	Followers   []string
	Subscribers []string
}

// Repository is the full durable-store contract. Implementations must be safe
// for concurrent use.
type Repository interface {
	// GetUser resolves display name and avatar for chat hydration.
	GetUser(ctx context.Context, id string) (UserRecord, bool, error)

	// InsertChatMessage persists a message and returns its assigned id and
	// timestamp. The in-memory transcript is only appended after this call
	// succeeds.
	InsertChatMessage(ctx context.Context, sessionID, authorID, body string) (ChatInsert, error)

	// MarkChatMessageDeleted flips the durable deletion flags for a message.
	// The durable copy keeps the placeholder semantics applied in memory.
	MarkChatMessageDeleted(ctx context.Context, sessionID, messageID string) error

	// RosterSnapshot reads the current follower/subscriber sets for a
	// streamer.
	RosterSnapshot(ctx context.Context, streamerID string) (RosterSnapshot, error)

	// StreamTokenHash returns the encoded stream-key hash for a session, used
	// by the ingest-authorization path.
	StreamTokenHash(ctx context.Context, sessionID string) (string, bool, error)

	// InsertNotification records the durable fallback row for a targeted
	// broadcast.
	InsertNotification(ctx context.Context, userID string, note models.StreamNotification) error

	Close(ctx context.Context) error
}
