// Package chatlog streams accepted chat messages to out-of-process consumers
// such as archivers and moderation tooling. Appending is best-effort from the
// registry's point of view: a failed append is logged and the live broadcast
// proceeds.
package chatlog

import (
	"context"
	"errors"
	"sync"

	"driftcast-live/internal/models"
)

// Log accepts chat messages and fans them out to subscribers.
type Log interface {
	Append(ctx context.Context, message models.ChatMessage) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active consumer of the log.
type Subscription interface {
	Messages() <-chan models.ChatMessage
	Close()
}

// NewMemoryLog initialises an in-process log for tests and single-node
// deployments without Redis.
func NewMemoryLog(buffer int) Log {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryLog{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryLog struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	buffer int

	appended []models.ChatMessage
}

func (l *memoryLog) Append(ctx context.Context, message models.ChatMessage) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("chat log is closed")
	}
	l.appended = append(l.appended, message)
	subs := make([]*memorySubscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(message)
	}
	return nil
}

func (l *memoryLog) Subscribe() Subscription {
	sub := &memorySubscription{
		log: l,
		ch:  make(chan models.ChatMessage, l.buffer),
	}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Appended exposes the accumulated messages for tests.
func (l *memoryLog) Appended() []models.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.ChatMessage(nil), l.appended...)
}

type memorySubscription struct {
	log *memoryLog

	mu     sync.Mutex
	closed bool
	ch     chan models.ChatMessage
}

// deliver sends without blocking, under the subscription lock so the channel
// cannot be closed mid-send.
func (s *memorySubscription) deliver(message models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- message:
	default:
		// Drop for slow consumers instead of blocking the chat path.
	}
}

func (s *memorySubscription) Messages() <-chan models.ChatMessage {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.log.mu.Lock()
	delete(s.log.subs, s)
	s.log.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
