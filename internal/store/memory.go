package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driftcast-live/internal/models"
)

// Memory is an in-process Repository used by tests and single-node
// development deployments. Seed helpers are exported so tests can arrange
// users, rosters, and stream keys directly.
type Memory struct {
	mu            sync.Mutex
	users         map[string]UserRecord
	followers     map[string]map[string]struct{}
	subscribers   map[string]map[string]struct{}
	tokenHashes   map[string]string
	messages      map[string]memoryMessage
	notifications map[string][]models.StreamNotification
	nextMessageID int

	// failNextInsert forces the next InsertChatMessage to fail, letting tests
	// exercise the no-partial-application guarantee.
	failNextInsert bool

	clock func() time.Time
}

type memoryMessage struct {
	sessionID string
	authorID  string
	body      string
	deleted   bool
	createdAt time.Time
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]UserRecord),
		followers:     make(map[string]map[string]struct{}),
		subscribers:   make(map[string]map[string]struct{}),
		tokenHashes:   make(map[string]string),
		messages:      make(map[string]memoryMessage),
		notifications: make(map[string][]models.StreamNotification),
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source for deterministic tests.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// AddUser seeds a user record.
func (m *Memory) AddUser(record UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[record.ID] = record
}

// SetRoster seeds the durable follower/subscriber sets for a streamer.
func (m *Memory) SetRoster(streamerID string, followers, subscribers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followers[streamerID] = toSet(followers)
	m.subscribers[streamerID] = toSet(subscribers)
}

// SetStreamTokenHash seeds the stored stream-key hash for a session.
func (m *Memory) SetStreamTokenHash(sessionID, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenHashes[sessionID] = hash
}

// FailNextInsert makes the next InsertChatMessage return an error.
func (m *Memory) FailNextInsert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextInsert = true
}

// Notifications returns the durable notification rows recorded for a user.
func (m *Memory) Notifications(userID string) []models.StreamNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StreamNotification(nil), m.notifications[userID]...)
}

func (m *Memory) GetUser(ctx context.Context, id string) (UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.users[id]
	return record, ok, nil
}

func (m *Memory) InsertChatMessage(ctx context.Context, sessionID, authorID, body string) (ChatInsert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNextInsert {
		m.failNextInsert = false
		return ChatInsert{}, fmt.Errorf("insert chat message: %w", ErrUnavailable)
	}
	m.nextMessageID++
	id := fmt.Sprintf("msg-%d", m.nextMessageID)
	now := m.clock()
	m.messages[id] = memoryMessage{
		sessionID: sessionID,
		authorID:  authorID,
		body:      body,
		createdAt: now,
	}
	return ChatInsert{ID: id, CreatedAt: now}, nil
}

func (m *Memory) MarkChatMessageDeleted(ctx context.Context, sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messages[messageID]
	if !ok || message.sessionID != sessionID {
		return fmt.Errorf("chat message %s not found", messageID)
	}
	message.deleted = true
	message.body = models.DeletedMessageBody
	m.messages[messageID] = message
	return nil
}

func (m *Memory) RosterSnapshot(ctx context.Context, streamerID string) (RosterSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RosterSnapshot{
		Followers:   fromSet(m.followers[streamerID]),
		Subscribers: fromSet(m.subscribers[streamerID]),
	}, nil
}

func (m *Memory) StreamTokenHash(ctx context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.tokenHashes[sessionID]
	return hash, ok, nil
}

func (m *Memory) InsertNotification(ctx context.Context, userID string, note models.StreamNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[userID] = append(m.notifications[userID], note)
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
