// Command server starts the Driftcast live-state API service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"driftcast-live/internal/api"
	"driftcast-live/internal/auth"
	"driftcast-live/internal/chatlog"
	"driftcast-live/internal/gateway"
	"driftcast-live/internal/ingestauth"
	"driftcast-live/internal/observability/logging"
	"driftcast-live/internal/registry"
	"driftcast-live/internal/server"
	"driftcast-live/internal/serverutil"
	"driftcast-live/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (postgres or memory)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	chatlogDriver := flag.String("chatlog-driver", "", "chat log driver (memory or redis)")
	chatlogRedisAddr := flag.String("chatlog-redis-addr", "", "Redis address for the chat log stream")
	chatlogRedisUsername := flag.String("chatlog-redis-username", "", "Redis username for the chat log")
	chatlogRedisPassword := flag.String("chatlog-redis-password", "", "Redis password for the chat log")
	chatlogRedisStream := flag.String("chatlog-redis-stream", "", "Redis stream key for chat log entries")
	chatlogRedisGroup := flag.String("chatlog-redis-group", "", "Redis consumer group for chat log archivers")
	historyPoints := flag.Int("history-points", 0, "cap on per-session counter history points")
	chatLimit := flag.Int("chat-limit", 0, "cap on the in-memory chat transcript per session")
	statsInterval := flag.Duration("stats-interval", 0, "interval between periodic stream statistics broadcasts")
	heartbeat := flag.Duration("ws-heartbeat", 0, "WebSocket ping interval")
	sendBuffer := flag.Int("ws-send-buffer", 0, "per-connection outbound frame buffer")
	ticketTTL := flag.Duration("ticket-ttl", 0, "WebSocket ticket lifetime")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	ingestLimit := flag.Int("rate-ingest-limit", 0, "maximum ingest authorization attempts per window for a single IP")
	ingestWindow := flag.Duration("rate-ingest-window", 0, "window for counting ingest authorization attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed ingest-auth throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed ingest-auth throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limiter operations")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated CORS origins for browser clients")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCAST_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, repositoryConfig{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("DRIFTCAST_STORAGE_DRIVER")),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("DRIFTCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns:        resolveInt(*postgresMaxConns, "DRIFTCAST_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "DRIFTCAST_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "DRIFTCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "DRIFTCAST_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "DRIFTCAST_POSTGRES_HEALTH_INTERVAL", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("DRIFTCAST_POSTGRES_APP_NAME")),
	}, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	log, err := configureChatLog(
		firstNonEmpty(*chatlogDriver, os.Getenv("DRIFTCAST_CHATLOG_DRIVER")),
		chatlog.RedisConfig{
			Addr:     firstNonEmpty(*chatlogRedisAddr, os.Getenv("DRIFTCAST_CHATLOG_REDIS_ADDR")),
			Username: firstNonEmpty(*chatlogRedisUsername, os.Getenv("DRIFTCAST_CHATLOG_REDIS_USERNAME")),
			Password: firstNonEmpty(*chatlogRedisPassword, os.Getenv("DRIFTCAST_CHATLOG_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*chatlogRedisStream, os.Getenv("DRIFTCAST_CHATLOG_REDIS_STREAM")),
			Group:    firstNonEmpty(*chatlogRedisGroup, os.Getenv("DRIFTCAST_CHATLOG_REDIS_GROUP")),
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to configure chat log", "error", err)
		os.Exit(1)
	}

	ingestController := ingestauth.NewController(ingestauth.Config{
		Source: repo,
		Logger: logging.WithComponent(logger, "ingest-auth"),
	})

	reg := registry.New(registry.Config{
		Store:             repo,
		Tokens:            ingestController.Tokens(),
		ChatLog:           log,
		Logger:            logging.WithComponent(logger, "registry"),
		MaxHistoryPoints:  resolveInt(*historyPoints, "DRIFTCAST_HISTORY_POINTS"),
		ChatMessagesLimit: resolveInt(*chatLimit, "DRIFTCAST_CHAT_LIMIT"),
	})

	gw := gateway.New(gateway.Config{
		State:             reg,
		Logger:            logging.WithComponent(logger, "gateway"),
		HeartbeatInterval: resolveDuration(*heartbeat, "DRIFTCAST_WS_HEARTBEAT", 30*time.Second),
		SendBuffer:        resolveInt(*sendBuffer, "DRIFTCAST_WS_SEND_BUFFER"),
	})
	reg.SetEmitter(gw)

	tickets := auth.NewTicketManager(resolveDuration(*ticketTTL, "DRIFTCAST_TICKET_TTL", 0))
	handler := api.NewHandler(reg, gw, ingestController, repo, tickets, logger)

	listenAddr := firstNonEmpty(*addr, os.Getenv("DRIFTCAST_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "DRIFTCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "DRIFTCAST_RATE_GLOBAL_BURST"),
			IngestLimit:   resolveInt(*ingestLimit, "DRIFTCAST_RATE_INGEST_LIMIT"),
			IngestWindow:  resolveDuration(*ingestWindow, "DRIFTCAST_RATE_INGEST_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("DRIFTCAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("DRIFTCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "DRIFTCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("DRIFTCAST_ALLOWED_ORIGINS"))),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	statsStop := startStatsWorker(ctx, logging.WithComponent(logger, "stats-worker"), gw,
		resolveDuration(*statsInterval, "DRIFTCAST_STATS_INTERVAL", 5*time.Second))
	defer statsStop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("driftcast live API listening", "addr", listenAddr)
		return serverutil.Run(groupCtx, serverutil.Config{
			Server: srv.HTTPServer(),
			TLS: serverutil.TLSConfig{
				CertFile: firstNonEmpty(*tlsCert, os.Getenv("DRIFTCAST_TLS_CERT")),
				KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DRIFTCAST_TLS_KEY")),
			},
		})
	})

	if err := group.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	statsStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Shutdown(shutdownCtx)
	if err := log.Close(); err != nil {
		logger.Warn("failed to close chat log", "error", err)
	}
	if err := repo.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("server stopped")
}

type repositoryConfig struct {
	Driver          string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AppName         string
}

func openRepository(ctx context.Context, cfg repositoryConfig, logger *slog.Logger) (store.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return store.NewPostgresRepository(ctx, store.PostgresConfig{
			DSN:             cfg.DSN,
			MaxConnections:  int32(cfg.MaxConns),
			MinConnections:  int32(cfg.MinConns),
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdle,
			HealthInterval:  cfg.HealthInterval,
			ApplicationName: cfg.AppName,
		})
	case "memory":
		logger.Warn("using in-memory datastore; chat messages will not survive restarts")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureChatLog(driver string, cfg chatlog.RedisConfig, logger *slog.Logger) (chatlog.Log, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the chat log")
		}
		cfg.Logger = logging.WithComponent(logger, "chatlog")
		return chatlog.NewRedisLog(cfg)
	case "", "memory":
		return chatlog.NewMemoryLog(128), nil
	default:
		return nil, fmt.Errorf("unsupported chat log driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
