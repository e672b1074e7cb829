package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"driftcast-live/internal/models"
)

// MaxChatBodyRunes bounds a single chat message after trimming.
const MaxChatBodyRunes = 500

// BanOptions is an opaque extension point for future timed bans. The registry
// stores the fields alongside the ban record but never interprets them.
type BanOptions struct {
	Reason    string
	ExpiresAt *time.Time
}

// PostMessage validates and persists a chat message, then appends it to the
// session's bounded in-memory transcript. The durable insert happens before
// any in-memory mutation: a failed insert leaves the transcript untouched,
// and the transcript reflects the order in which durable inserts complete.
func (r *Registry) PostMessage(ctx context.Context, sessionID, authorID, body string) (models.ChatMessage, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return models.ChatMessage{}, fmt.Errorf("message body cannot be empty")
	}
	if len([]rune(trimmed)) > MaxChatBodyRunes {
		return models.ChatMessage{}, fmt.Errorf("message body exceeds %d characters", MaxChatBodyRunes)
	}
	normalized := norm.NFC.String(trimmed)

	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return models.ChatMessage{}, ErrSessionNotFound
	}
	if !st.isPublic {
		r.mu.RUnlock()
		return models.ChatMessage{}, ErrSessionPrivate
	}
	if _, banned := st.bans[authorID]; banned {
		r.mu.RUnlock()
		return models.ChatMessage{}, ErrBanned
	}
	r.mu.RUnlock()

	insert, err := r.store.InsertChatMessage(ctx, sessionID, authorID, normalized)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("persist chat message: %w", err)
	}

	message := models.ChatMessage{
		ID:         insert.ID,
		SessionID:  sessionID,
		AuthorID:   authorID,
		AuthorName: authorID,
		Body:       normalized,
		Kind:       models.MessageKindUser,
		CreatedAt:  insert.CreatedAt,
	}
	if author, found, err := r.store.GetUser(ctx, authorID); err != nil {
		r.logger.Warn("resolve chat author failed", "author", authorID, "error", err)
	} else if found {
		message.AuthorName = author.DisplayName
		message.AvatarURL = author.AvatarURL
	}

	r.mu.Lock()
	st, ok = r.sessions[sessionID]
	if ok {
		st.messages = append(st.messages, message)
		if over := len(st.messages) - r.chatLimit; over > 0 {
			st.messages = append(st.messages[:0], st.messages[over:]...)
		}
	}
	emitter := r.emitter
	r.mu.Unlock()

	if !ok {
		// Session was purged while the insert was in flight; the durable copy
		// stands on its own.
		r.logger.Debug("chat message outlived its session", "session", sessionID, "message", message.ID)
		return message, nil
	}
	if r.chatLog != nil {
		if err := r.chatLog.Append(ctx, message); err != nil {
			r.logger.Warn("chat log append failed", "message", message.ID, "error", err)
		}
	}
	if emitter != nil {
		emitter.ChatMessage(message)
	}
	return message, nil
}

// ChatHistory returns the current bounded transcript in order.
func (r *Registry) ChatHistory(sessionID string) ([]models.ChatMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return append([]models.ChatMessage(nil), st.messages...), true
}

// SoftDelete replaces a message's body with the deletion placeholder and
// flips it to a system entry, preserving author and timestamp. The durable
// flags are written first so a store failure leaves memory unchanged.
// Deleting an already-deleted message is a no-op returning the current entry;
// a message that has been evicted from the transcript reports absent.
func (r *Registry) SoftDelete(ctx context.Context, sessionID, messageID string) (models.ChatMessage, bool, error) {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return models.ChatMessage{}, false, nil
	}
	idx := indexOfMessage(st.messages, messageID)
	if idx < 0 {
		r.mu.RUnlock()
		return models.ChatMessage{}, false, nil
	}
	if st.messages[idx].Deleted {
		current := st.messages[idx]
		r.mu.RUnlock()
		return current, true, nil
	}
	r.mu.RUnlock()

	if err := r.store.MarkChatMessageDeleted(ctx, sessionID, messageID); err != nil {
		return models.ChatMessage{}, false, fmt.Errorf("persist chat deletion: %w", err)
	}

	r.mu.Lock()
	st, ok = r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.ChatMessage{}, false, nil
	}
	idx = indexOfMessage(st.messages, messageID)
	if idx < 0 {
		r.mu.Unlock()
		return models.ChatMessage{}, false, nil
	}
	st.messages[idx].Deleted = true
	st.messages[idx].Body = models.DeletedMessageBody
	st.messages[idx].Kind = models.MessageKindSystem
	updated := st.messages[idx]
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.ChatMessagePatched(updated)
	}
	return updated, true, nil
}

// Ban adds a user to the session's banned-chatter set. A re-ban of an
// already-banned user returns false so callers can emit the correct
// confirmation.
func (r *Registry) Ban(sessionID, userID string, opts BanOptions) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if _, banned := st.bans[userID]; banned {
		return false, nil
	}
	ban := models.ChatBan{
		UserID:   userID,
		Reason:   opts.Reason,
		IssuedAt: r.clock(),
	}
	if opts.ExpiresAt != nil {
		expires := *opts.ExpiresAt
		ban.ExpiresAt = &expires
	}
	st.bans[userID] = ban
	return true, nil
}

// Unban removes a user from the banned-chatter set; false when the user was
// not banned.
func (r *Registry) Unban(sessionID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if _, banned := st.bans[userID]; !banned {
		return false, nil
	}
	delete(st.bans, userID)
	return true, nil
}

// BannedUsers lists the session's ban records ordered by user id.
func (r *Registry) BannedUsers(sessionID string) ([]models.ChatBan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	bans := make([]models.ChatBan, 0, len(st.bans))
	for _, ban := range st.bans {
		bans = append(bans, ban)
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].UserID < bans[j].UserID })
	return bans, true
}

func indexOfMessage(messages []models.ChatMessage, messageID string) int {
	for i := range messages {
		if messages[i].ID == messageID {
			return i
		}
	}
	return -1
}
