package chatlog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"driftcast-live/internal/models"
)

// RedisConfig configures the Redis Streams backed log.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
}

// NewRedisLog initialises a log backed by a Redis stream with a consumer
// group, so archiver replicas share the message flow and each entry is
// processed once.
func NewRedisLog(cfg RedisConfig) (Log, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "driftcast:chatlog"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "chat-archivers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	log := &redisLog{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if log.logger == nil {
		log.logger = slog.Default()
	}
	if log.blockTimeout <= 0 {
		log.blockTimeout = 2 * time.Second
	}
	if err := log.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return log, nil
}

type redisLog struct {
	client       *redis.Client
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady bool
}

func (l *redisLog) Append(ctx context.Context, message models.ChatMessage) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	if err := l.ensureGroup(ctx); err != nil {
		return err
	}
	return l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (l *redisLog) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		log:      l,
		consumer: randomConsumerID(),
		cancel:   cancel,
		ch:       make(chan models.ChatMessage, l.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (l *redisLog) Close() error {
	return l.client.Close()
}

func (l *redisLog) ensureGroup(ctx context.Context) error {
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	if l.groupReady {
		return nil
	}
	err := l.client.XGroupCreateMkStream(ctx, l.stream, l.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	l.groupReady = true
	return nil
}

type redisSubscription struct {
	log      *redisLog
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan models.ChatMessage
}

func (s *redisSubscription) Messages() <-chan models.ChatMessage {
	return s.ch
}

// Close stops the consumer. The read loop owns the channel and closes it
// once it has stopped sending, so a concurrent delivery can never race the
// close.
func (s *redisSubscription) Close() {
	s.once.Do(s.cancel)
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := s.log.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.log.group,
			Consumer: s.consumer,
			Streams:  []string{s.log.stream, ">"},
			Count:    32,
			Block:    s.log.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.log.logger.Warn("chat log read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				payload, _ := entry.Values["payload"].(string)
				var message models.ChatMessage
				if err := json.Unmarshal([]byte(payload), &message); err != nil {
					s.log.logger.Error("chat log decode failed", "id", entry.ID, "error", err)
					s.ack(ctx, entry.ID)
					continue
				}
				select {
				case s.ch <- message:
					s.ack(ctx, entry.ID)
				case <-ctx.Done():
					// Unacked entries return via the pending list on restart.
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.log.client.XAck(ctx, s.log.stream, s.log.group, id).Err(); err != nil {
		s.log.logger.Warn("chat log ack failed", "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("archiver-%d", time.Now().UnixNano())
	}
	return "archiver-" + hex.EncodeToString(buf)
}
