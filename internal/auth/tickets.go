// Package auth issues short-lived tickets that bind a WebSocket connection to
// a verified identity. The platform backend authenticates the user, requests a
// ticket from this service, and hands it to the browser; the socket presents
// it on connect.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"driftcast-live/internal/models"
)

// DefaultTicketTTL bounds how long an issued ticket stays redeemable.
const DefaultTicketTTL = 2 * time.Minute

// ErrInvalidIdentity is returned when issuing a ticket without a user id.
var ErrInvalidIdentity = errors.New("identity user id is required")

// TicketStore defines the persistence contract for issued tickets.
type TicketStore interface {
	Save(token string, identity models.Identity, expiresAt time.Time) error
	Take(token string) (TicketRecord, bool, error)
	PurgeExpired(now time.Time) error
}

// TicketRecord captures an issued ticket.
type TicketRecord struct {
	Token     string
	Identity  models.Identity
	ExpiresAt time.Time
}

// TicketOption configures a TicketManager.
type TicketOption func(*TicketManager)

// WithStore injects a custom TicketStore implementation.
func WithStore(store TicketStore) TicketOption {
	return func(m *TicketManager) {
		m.store = store
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) TicketOption {
	return func(m *TicketManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// TicketManager coordinates ticket issuance and single-use redemption.
type TicketManager struct {
	store        TicketStore
	ttl          time.Duration
	tokenFactory func(int) (string, error)
	clock        func() time.Time
}

// NewTicketManager constructs a TicketManager with the provided TTL. A zero
// TTL selects DefaultTicketTTL; an in-memory store is used unless one is
// injected.
func NewTicketManager(ttl time.Duration, opts ...TicketOption) *TicketManager {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	manager := &TicketManager{
		ttl:          ttl,
		tokenFactory: generateToken,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryTicketStore()
	}
	return manager
}

// Issue creates a ticket for the verified identity.
func (m *TicketManager) Issue(identity models.Identity) (string, time.Time, error) {
	if identity.ID == "" {
		return "", time.Time{}, ErrInvalidIdentity
	}
	token, err := m.tokenFactory(32)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.clock().Add(m.ttl).UTC()
	if err := m.store.Save(token, identity, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Redeem consumes a ticket and returns the bound identity. Tickets are single
// use; a second redemption of the same token fails.
func (m *TicketManager) Redeem(token string) (models.Identity, bool, error) {
	if token == "" {
		return models.Identity{}, false, nil
	}
	record, ok, err := m.store.Take(token)
	if err != nil {
		return models.Identity{}, false, err
	}
	if !ok || m.clock().After(record.ExpiresAt) {
		return models.Identity{}, false, nil
	}
	return record.Identity, true, nil
}

// PurgeExpired removes any expired tickets from the backing store.
func (m *TicketManager) PurgeExpired() error {
	return m.store.PurgeExpired(m.clock())
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
