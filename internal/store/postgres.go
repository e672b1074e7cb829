package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"driftcast-live/internal/models"
)

// PostgresConfig tunes the pgx connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthInterval  time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure migrations have been applied prior to invoking this constructor.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (UserRecord, bool, error) {
	const query = `SELECT id, display_name, avatar_url FROM users WHERE id = $1`
	var record UserRecord
	err := r.pool.QueryRow(ctx, query, id).Scan(&record.ID, &record.DisplayName, &record.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("get user %s: %w", id, err)
	}
	return record, true, nil
}

func (r *postgresRepository) InsertChatMessage(ctx context.Context, sessionID, authorID, body string) (ChatInsert, error) {
	const query = `
		INSERT INTO chat_messages (session_id, author_id, body, kind)
		VALUES ($1, $2, $3, 'user')
		RETURNING id, created_at`
	var insert ChatInsert
	if err := r.pool.QueryRow(ctx, query, sessionID, authorID, body).Scan(&insert.ID, &insert.CreatedAt); err != nil {
		return ChatInsert{}, fmt.Errorf("insert chat message: %w", err)
	}
	insert.CreatedAt = insert.CreatedAt.UTC()
	return insert, nil
}

func (r *postgresRepository) MarkChatMessageDeleted(ctx context.Context, sessionID, messageID string) error {
	const query = `
		UPDATE chat_messages
		SET is_deleted = TRUE, body = $3, kind = 'system'
		WHERE id = $1 AND session_id = $2`
	tag, err := r.pool.Exec(ctx, query, messageID, sessionID, models.DeletedMessageBody)
	if err != nil {
		return fmt.Errorf("mark chat message deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat message %s not found", messageID)
	}
	return nil
}

func (r *postgresRepository) RosterSnapshot(ctx context.Context, streamerID string) (RosterSnapshot, error) {
	followers, err := r.collectUserIDs(ctx,
		`SELECT user_id FROM follows WHERE streamer_id = $1`, streamerID)
	if err != nil {
		return RosterSnapshot{}, fmt.Errorf("roster followers: %w", err)
	}
	subscribers, err := r.collectUserIDs(ctx,
		`SELECT user_id FROM subscriptions WHERE streamer_id = $1 AND status = 'active'`, streamerID)
	if err != nil {
		return RosterSnapshot{}, fmt.Errorf("roster subscribers: %w", err)
	}
	return RosterSnapshot{Followers: followers, Subscribers: subscribers}, nil
}

func (r *postgresRepository) collectUserIDs(ctx context.Context, query, streamerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, streamerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepository) StreamTokenHash(ctx context.Context, sessionID string) (string, bool, error) {
	const query = `SELECT stream_key_hash FROM stream_options WHERE session_id = $1`
	var hash string
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stream token hash: %w", err)
	}
	return hash, true, nil
}

func (r *postgresRepository) InsertNotification(ctx context.Context, userID string, note models.StreamNotification) error {
	const query = `
		INSERT INTO notifications (user_id, kind, session_id, streamer_id, title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, query, userID, note.Kind, note.SessionID, note.StreamerID, note.Title, note.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
