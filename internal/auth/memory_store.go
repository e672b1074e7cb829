package auth

import (
	"sync"
	"time"

	"driftcast-live/internal/models"
)

// MemoryTicketStore keeps issued tickets in-memory. It is safe for concurrent
// use and suits the single-process deployment model.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]TicketRecord
}

// NewMemoryTicketStore constructs an in-memory store implementation.
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]TicketRecord)}
}

// Save records the ticket for the provided token.
func (s *MemoryTicketStore) Save(token string, identity models.Identity, expiresAt time.Time) error {
	s.mu.Lock()
	s.tickets[token] = TicketRecord{Token: token, Identity: identity, ExpiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Take retrieves and removes the ticket for the provided token.
func (s *MemoryTicketStore) Take(token string) (TicketRecord, bool, error) {
	s.mu.Lock()
	record, ok := s.tickets[token]
	if ok {
		delete(s.tickets, token)
	}
	s.mu.Unlock()
	return record, ok, nil
}

// PurgeExpired removes any expired tickets from the store.
func (s *MemoryTicketStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for token, record := range s.tickets {
		if now.After(record.ExpiresAt) {
			delete(s.tickets, token)
		}
	}
	s.mu.Unlock()
	return nil
}
