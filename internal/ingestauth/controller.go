package ingestauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	streamKeyHashIterations = 120000
	streamKeyHashSaltLength = 16
	streamKeyHashKeyLength  = 32

	// DefaultMaxFailures is the consecutive-failure count that triggers a
	// temporary block on a stream key.
	DefaultMaxFailures = 5
	// DefaultBlockDuration is how long an abusive key stays blocked.
	DefaultBlockDuration = 10 * time.Minute
)

// ErrInvalidStreamKey is returned when a candidate key does not match the
// session's stored hash.
var ErrInvalidStreamKey = errors.New("invalid stream key")

// TokenSource resolves the stored stream-key hash for a session.
type TokenSource interface {
	StreamTokenHash(ctx context.Context, sessionID string) (string, bool, error)
}

// Decision is the outcome of one authorization callback.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Reason       string     `json:"reason,omitempty"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// Config configures a Controller.
type Config struct {
	Source TokenSource
	Tokens *TokenCache
	Blocks *BlockCache
	Logger *slog.Logger
	// MaxFailures bounds consecutive failed attempts per stream key before a
	// block is issued. Zero selects DefaultMaxFailures.
	MaxFailures int
	// BlockDuration is the advisory block length. Zero selects
	// DefaultBlockDuration.
	BlockDuration time.Duration
	Clock         func() time.Time
}

// Controller runs the ingest-authorization flow: block check, cached token
// resolution, key verification, and failure accounting.
type Controller struct {
	source        TokenSource
	tokens        *TokenCache
	blocks        *BlockCache
	logger        *slog.Logger
	maxFailures   int
	blockDuration time.Duration
	clock         func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// NewController constructs a Controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	blockDuration := cfg.BlockDuration
	if blockDuration <= 0 {
		blockDuration = DefaultBlockDuration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewTokenCache()
	}
	blocks := cfg.Blocks
	if blocks == nil {
		blocks = NewBlockCache()
	}
	return &Controller{
		source:        cfg.Source,
		tokens:        tokens,
		blocks:        blocks,
		logger:        logger,
		maxFailures:   maxFailures,
		blockDuration: blockDuration,
		clock:         clock,
		failures:      make(map[string]int),
	}
}

// Tokens exposes the token cache so the registry can invalidate entries on
// session end.
func (c *Controller) Tokens() *TokenCache {
	return c.tokens
}

// Authorize validates a stream key for a session. The durable store is
// consulted at most once per live session; subsequent callbacks hit the token
// cache. A non-nil error reports an upstream failure, not a rejection.
func (c *Controller) Authorize(ctx context.Context, sessionID, streamKey string) (Decision, error) {
	if sessionID == "" || streamKey == "" {
		return Decision{Reason: "sessionId and streamKey are required"}, nil
	}
	if until, blocked := c.blocks.Get(streamKey); blocked {
		deadline := until
		return Decision{Reason: "stream key temporarily blocked", BlockedUntil: &deadline}, nil
	}

	hash, ok := c.tokens.Get(sessionID)
	if !ok {
		stored, found, err := c.source.StreamTokenHash(ctx, sessionID)
		if err != nil {
			return Decision{}, fmt.Errorf("resolve stream token: %w", err)
		}
		if !found {
			return c.reject(streamKey, "unknown session"), nil
		}
		c.tokens.Set(sessionID, stored)
		hash = stored
	}

	if err := VerifyStreamKey(hash, streamKey); err != nil {
		if errors.Is(err, ErrInvalidStreamKey) {
			return c.reject(streamKey, "stream key mismatch"), nil
		}
		return Decision{}, err
	}

	c.mu.Lock()
	delete(c.failures, streamKey)
	c.mu.Unlock()
	return Decision{Allowed: true}, nil
}

func (c *Controller) reject(streamKey, reason string) Decision {
	c.mu.Lock()
	c.failures[streamKey]++
	count := c.failures[streamKey]
	if count >= c.maxFailures {
		delete(c.failures, streamKey)
	}
	c.mu.Unlock()

	if count >= c.maxFailures {
		until := c.clock().Add(c.blockDuration)
		c.blocks.Block(streamKey, until)
		c.logger.Warn("stream key blocked", "failures", count, "until", until)
		return Decision{Reason: "stream key temporarily blocked", BlockedUntil: &until}
	}
	return Decision{Reason: reason}
}

// HashStreamKey derives a salted hash for storage alongside the stream
// options record.
func HashStreamKey(streamKey string) (string, error) {
	salt := make([]byte, streamKeyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(streamKey), salt, streamKeyHashIterations, streamKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", streamKeyHashIterations, encodedSalt, encodedKey), nil
}

// VerifyStreamKey checks a candidate key against a stored hash. Returns
// ErrInvalidStreamKey on mismatch and a descriptive error for malformed
// hashes.
func VerifyStreamKey(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify stream key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify stream key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify stream key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify stream key: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify stream key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidStreamKey
	}
	return nil
}
