// Package registry is the in-memory authority for live streaming-session
// state: which streams are live, who is watching, who may chat, the moderated
// transcript, and bounded time-series statistics. A single Registry instance
// is constructed at process start and passed by reference to every component
// that mutates or reads live state; there are no package-level singletons.
//
// Durable-store round trips (the chat insert, the roster snapshot) happen
// outside the registry lock, and in-memory state is only mutated after the
// awaited write succeeds. Transcript order therefore reflects completion of
// the durable write, not arrival order; store-assigned message IDs define
// canonical order for audit.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"driftcast-live/internal/models"
	"driftcast-live/internal/store"
)

const (
	// DefaultMaxHistoryPoints caps each per-session counter series.
	DefaultMaxHistoryPoints = 1800
	// DefaultChatMessagesLimit caps the in-memory transcript per session.
	DefaultChatMessagesLimit = 1000
)

var (
	// ErrSessionNotFound reports an operation against an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionPrivate reports chat access to a non-public session.
	ErrSessionPrivate = errors.New("session is not public")
	// ErrBanned reports a send attempt by a banned chatter.
	ErrBanned = errors.New("user is banned from this chat")
)

// Store is the slice of durable-store behaviour the registry requires.
type Store interface {
	GetUser(ctx context.Context, id string) (store.UserRecord, bool, error)
	InsertChatMessage(ctx context.Context, sessionID, authorID, body string) (store.ChatInsert, error)
	MarkChatMessageDeleted(ctx context.Context, sessionID, messageID string) error
	RosterSnapshot(ctx context.Context, streamerID string) (store.RosterSnapshot, error)
}

// TokenInvalidator removes cached ingest tokens when a session ends.
type TokenInvalidator interface {
	Delete(sessionID string)
}

// ChatLog receives a durable copy of every accepted chat message. Append
// failures are logged, never surfaced to the sender.
type ChatLog interface {
	Append(ctx context.Context, message models.ChatMessage) error
}

// Emitter receives broadcast requests from every mutator that changes
// observable state. The gateway implements it; delivery is fire-and-forget.
type Emitter interface {
	StreamStarted(session models.StreamSession)
	StreamPatched(session models.StreamSession)
	StreamEnded(sessionID string, finalViewers int)
	ViewerCount(sessionID string, viewers int)
	ChatMessage(message models.ChatMessage)
	ChatMessagePatched(message models.ChatMessage)
	NotifyUser(userID string, note models.StreamNotification)
	NotifyStreamer(userID string, session models.StreamSession)
}

// Config assembles a Registry.
type Config struct {
	Store             Store
	Tokens            TokenInvalidator
	ChatLog           ChatLog
	Logger            *slog.Logger
	MaxHistoryPoints  int
	ChatMessagesLimit int
	// Clock overrides the timestamp source in tests.
	Clock func() time.Time
}

// Registry owns all live session and streamer-profile state.
type Registry struct {
	store     Store
	tokens    TokenInvalidator
	chatLog   ChatLog
	logger    *slog.Logger
	history   int
	chatLimit int
	clock     func() time.Time

	mu        sync.RWMutex
	emitter   Emitter
	sessions  map[string]*sessionState
	streamers map[string]*streamerState
}

type sessionState struct {
	id           string
	streamerID   string
	streamerName string
	title        string
	description  string
	category     string
	tags         []string
	thumbnailURL *string
	isLive       bool
	isPublic     bool
	startedAt    time.Time
	endedAt      *time.Time

	subscriberCount int
	followerCount   int

	viewers           map[string]struct{}
	viewerHistory     series
	subscriberHistory series
	followerHistory   series

	messages []models.ChatMessage
	bans     map[string]models.ChatBan
}

type streamerState struct {
	id              string
	displayName     string
	followers       map[string]struct{}
	subscribers     map[string]struct{}
	activeSessionID string
}

// New constructs a Registry. Store is required; Tokens, ChatLog, and the
// emitter are optional collaborators wired by the caller.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := cfg.MaxHistoryPoints
	if history <= 0 {
		history = DefaultMaxHistoryPoints
	}
	chatLimit := cfg.ChatMessagesLimit
	if chatLimit <= 0 {
		chatLimit = DefaultChatMessagesLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		chatLog:   cfg.ChatLog,
		logger:    logger,
		history:   history,
		chatLimit: chatLimit,
		clock:     clock,
		sessions:  make(map[string]*sessionState),
		streamers: make(map[string]*streamerState),
	}
}

// SetEmitter installs the broadcast sink. Called once during assembly, after
// the gateway (which needs the registry first) has been constructed.
func (r *Registry) SetEmitter(emitter Emitter) {
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

func (r *Registry) currentEmitter() Emitter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emitter
}

// CreateSessionParams carries the metadata committed by the stream-start
// controller before the registry is told about the new session.
type CreateSessionParams struct {
	SessionID    string
	StreamerID   string
	StreamerName string
	Title        string
	Description  string
	Category     string
	Tags         []string
	IsPublic     bool
}

// CreateSession registers a new live session. If the streamer already has a
// different active session it is force-ended and purged first; a streamer has
// at most one live session at a time. For a streamer the registry has never
// seen, the follower/subscriber sets are seeded from a one-time durable-store
// snapshot.
func (r *Registry) CreateSession(ctx context.Context, params CreateSessionParams) (models.StreamSession, error) {
	if params.SessionID == "" || params.StreamerID == "" {
		return models.StreamSession{}, fmt.Errorf("session and streamer ids are required")
	}

	r.mu.RLock()
	_, known := r.streamers[params.StreamerID]
	r.mu.RUnlock()

	var snapshot store.RosterSnapshot
	if !known {
		snap, err := r.store.RosterSnapshot(ctx, params.StreamerID)
		if err != nil {
			return models.StreamSession{}, fmt.Errorf("seed roster for %s: %w", params.StreamerID, err)
		}
		snapshot = snap
	}

	now := r.clock()

	r.mu.Lock()
	profile, ok := r.streamers[params.StreamerID]
	if !ok {
		profile = &streamerState{
			id:          params.StreamerID,
			followers:   toMemberSet(snapshot.Followers),
			subscribers: toMemberSet(snapshot.Subscribers),
		}
		r.streamers[params.StreamerID] = profile
	}
	if params.StreamerName != "" {
		profile.displayName = params.StreamerName
	}

	var endedID string
	var endedViewers int
	if prior := profile.activeSessionID; prior != "" && prior != params.SessionID {
		if st, ok := r.sessions[prior]; ok {
			st.isLive = false
			ended := now
			st.endedAt = &ended
			endedID = prior
			endedViewers = len(st.viewers)
			delete(r.sessions, prior)
		}
		profile.activeSessionID = ""
	}

	st := &sessionState{
		id:                params.SessionID,
		streamerID:        params.StreamerID,
		streamerName:      profile.displayName,
		title:             params.Title,
		description:       params.Description,
		category:          params.Category,
		tags:              append([]string(nil), params.Tags...),
		isLive:            true,
		isPublic:          params.IsPublic,
		startedAt:         now,
		subscriberCount:   len(profile.subscribers),
		followerCount:     len(profile.followers),
		viewers:           make(map[string]struct{}),
		viewerHistory:     newSeries(r.history),
		subscriberHistory: newSeries(r.history),
		followerHistory:   newSeries(r.history),
		bans:              make(map[string]models.ChatBan),
	}
	st.subscriberHistory.sample(now, st.subscriberCount)
	st.followerHistory.sample(now, st.followerCount)

	r.sessions[params.SessionID] = st
	profile.activeSessionID = params.SessionID
	snap := st.snapshot()
	subscribers := memberList(profile.subscribers)
	emitter := r.emitter
	r.mu.Unlock()

	if endedID != "" {
		if r.tokens != nil {
			r.tokens.Delete(endedID)
		}
		if emitter != nil {
			emitter.StreamEnded(endedID, endedViewers)
		}
	}
	if emitter != nil {
		emitter.StreamStarted(snap)
		note := models.StreamNotification{
			Kind:       "streamStarted",
			SessionID:  snap.ID,
			StreamerID: snap.StreamerID,
			Title:      snap.Title,
			CreatedAt:  now,
		}
		for _, userID := range subscribers {
			emitter.NotifyUser(userID, note)
		}
	}
	return snap, nil
}

// EndSession marks a session as no longer live and detaches it from its
// streamer. It is idempotent; chat and history remain readable until Purge.
// The returned flag reports whether this call performed the transition.
func (r *Registry) EndSession(sessionID string) (models.StreamSession, bool) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.StreamSession{}, false
	}
	if !st.isLive {
		snap := st.snapshot()
		r.mu.Unlock()
		return snap, false
	}
	now := r.clock()
	st.isLive = false
	st.endedAt = &now
	final := len(st.viewers)
	if profile, ok := r.streamers[st.streamerID]; ok && profile.activeSessionID == sessionID {
		profile.activeSessionID = ""
	}
	snap := st.snapshot()
	emitter := r.emitter
	r.mu.Unlock()

	if r.tokens != nil {
		r.tokens.Delete(sessionID)
	}
	if emitter != nil {
		emitter.StreamEnded(sessionID, final)
	}
	return snap, true
}

// Purge removes an ended session and everything attached to it (chat,
// history, roster, ban set). Callers end first, then purge.
func (r *Registry) Purge(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if profile, ok := r.streamers[st.streamerID]; ok && profile.activeSessionID == sessionID {
		profile.activeSessionID = ""
	}
	delete(r.sessions, sessionID)
	return true
}

// SessionUpdate mutates session metadata in place. Nil fields are untouched.
type SessionUpdate struct {
	Title        *string
	Description  *string
	Category     *string
	Tags         *[]string
	IsPublic     *bool
	ThumbnailURL *string
}

// PatchSession applies a metadata-only mutation and records one history
// sample on all three counters to mark the moment of change. Unknown sessions
// are a silent no-op; callers are expected to have checked existence
// upstream.
func (r *Registry) PatchSession(sessionID string, update SessionUpdate) (models.StreamSession, bool) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.StreamSession{}, false
	}
	wasPublic := st.isPublic
	if update.Title != nil {
		st.title = *update.Title
	}
	if update.Description != nil {
		st.description = *update.Description
	}
	if update.Category != nil {
		st.category = *update.Category
	}
	if update.Tags != nil {
		st.tags = append([]string(nil), (*update.Tags)...)
	}
	if update.IsPublic != nil {
		st.isPublic = *update.IsPublic
	}
	if update.ThumbnailURL != nil {
		url := *update.ThumbnailURL
		st.thumbnailURL = &url
	}
	now := r.clock()
	st.sampleAll(now)
	snap := st.snapshot()
	becamePrivate := wasPublic && !st.isPublic
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.StreamPatched(snap)
		if becamePrivate {
			emitter.NotifyStreamer(snap.StreamerID, snap)
		}
	}
	return snap, true
}

// GetSession returns the current public snapshot of a session.
func (r *Registry) GetSession(sessionID string) (models.StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return models.StreamSession{}, false
	}
	return st.snapshot(), true
}

// IsLive reports whether the session exists and is currently live.
func (r *Registry) IsLive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	return ok && st.isLive
}

// ActiveSessionFor returns the id of the streamer's current live session.
func (r *Registry) ActiveSessionFor(streamerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.streamers[streamerID]
	if !ok || profile.activeSessionID == "" {
		return "", false
	}
	return profile.activeSessionID, true
}

// Profile returns the streamer-profile snapshot.
func (r *Registry) Profile(streamerID string) (models.StreamerProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.streamers[streamerID]
	if !ok {
		return models.StreamerProfile{}, false
	}
	snap := models.StreamerProfile{
		ID:              profile.id,
		DisplayName:     profile.displayName,
		FollowerCount:   len(profile.followers),
		SubscriberCount: len(profile.subscribers),
	}
	if profile.activeSessionID != "" {
		active := profile.activeSessionID
		snap.ActiveSessionID = &active
	}
	return snap, true
}

// LiveSessions lists snapshots of all currently live sessions, ordered by id.
func (r *Registry) LiveSessions() []models.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := make([]models.StreamSession, 0, len(r.sessions))
	for _, st := range r.sessions {
		if st.isLive {
			live = append(live, st.snapshot())
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live
}

// SessionHistory returns copies of the three bounded counter series.
func (r *Registry) SessionHistory(sessionID string) (models.SessionHistory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return models.SessionHistory{}, false
	}
	return models.SessionHistory{
		Viewers:     st.viewerHistory.points(),
		Subscribers: st.subscriberHistory.points(),
		Followers:   st.followerHistory.points(),
	}, true
}

// JoinSession adds a viewer to the session roster. Membership is idempotent:
// repeated joins by the same identifier leave the count unchanged. Returns
// the resulting viewer count.
func (r *Registry) JoinSession(sessionID, viewerID string) (int, error) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrSessionNotFound
	}
	if _, member := st.viewers[viewerID]; member {
		count := len(st.viewers)
		r.mu.Unlock()
		return count, nil
	}
	st.viewers[viewerID] = struct{}{}
	count := len(st.viewers)
	st.viewerHistory.sample(r.clock(), count)
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.ViewerCount(sessionID, count)
	}
	return count, nil
}

// LeaveSession removes a viewer from the session roster.
func (r *Registry) LeaveSession(sessionID, viewerID string) (int, error) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrSessionNotFound
	}
	if _, member := st.viewers[viewerID]; !member {
		count := len(st.viewers)
		r.mu.Unlock()
		return count, nil
	}
	delete(st.viewers, viewerID)
	count := len(st.viewers)
	st.viewerHistory.sample(r.clock(), count)
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.ViewerCount(sessionID, count)
	}
	return count, nil
}

// DropViewer removes a disconnected viewer from every session it had joined.
// This is a scan over the registry rather than an indexed reverse lookup; the
// latency is accepted at expected concurrent-session counts.
func (r *Registry) DropViewer(viewerID string) {
	type update struct {
		sessionID string
		count     int
	}
	r.mu.Lock()
	now := r.clock()
	var updates []update
	for id, st := range r.sessions {
		if _, member := st.viewers[viewerID]; !member {
			continue
		}
		delete(st.viewers, viewerID)
		count := len(st.viewers)
		st.viewerHistory.sample(now, count)
		updates = append(updates, update{sessionID: id, count: count})
	}
	emitter := r.emitter
	r.mu.Unlock()

	if emitter == nil {
		return
	}
	for _, u := range updates {
		emitter.ViewerCount(u.sessionID, u.count)
	}
}

func (st *sessionState) snapshot() models.StreamSession {
	snap := models.StreamSession{
		ID:              st.id,
		StreamerID:      st.streamerID,
		StreamerName:    st.streamerName,
		Title:           st.title,
		Description:     st.description,
		Category:        st.category,
		IsLive:          st.isLive,
		IsPublic:        st.isPublic,
		ViewerCount:     len(st.viewers),
		SubscriberCount: st.subscriberCount,
		FollowerCount:   st.followerCount,
		StartedAt:       st.startedAt,
	}
	if len(st.tags) > 0 {
		snap.Tags = append([]string(nil), st.tags...)
	}
	if st.thumbnailURL != nil {
		url := *st.thumbnailURL
		snap.ThumbnailURL = &url
	}
	if st.endedAt != nil {
		ended := *st.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

func (st *sessionState) sampleAll(now time.Time) {
	st.viewerHistory.sample(now, len(st.viewers))
	st.subscriberHistory.sample(now, st.subscriberCount)
	st.followerHistory.sample(now, st.followerCount)
}

func toMemberSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func memberList(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
