package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"driftcast-live/internal/chatlog"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("expected first non-blank value, got %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("all-blank input should yield empty, got %q", got)
	}
	if got := firstNonEmpty("  padded  "); got != "padded" {
		t.Fatalf("values should be trimmed, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitAndTrim = %v, want %v", got, want)
		}
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("blank input should yield nil")
	}
	if splitAndTrim(",,,") != nil {
		t.Fatal("separator-only input should yield nil")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(3*time.Second, "DRIFTCAST_TEST_DURATION", time.Minute); got != 3*time.Second {
		t.Fatalf("flag value should win, got %v", got)
	}

	t.Setenv("DRIFTCAST_TEST_DURATION", "45s")
	if got := resolveDuration(0, "DRIFTCAST_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Fatalf("env value should apply when the flag is unset, got %v", got)
	}

	t.Setenv("DRIFTCAST_TEST_DURATION", "not-a-duration")
	if got := resolveDuration(0, "DRIFTCAST_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("unparseable env should fall back, got %v", got)
	}
}

func TestResolveIntAndFloat(t *testing.T) {
	if got := resolveInt(7, "DRIFTCAST_TEST_INT"); got != 7 {
		t.Fatalf("flag value should win, got %d", got)
	}
	t.Setenv("DRIFTCAST_TEST_INT", "21")
	if got := resolveInt(0, "DRIFTCAST_TEST_INT"); got != 21 {
		t.Fatalf("env value should apply, got %d", got)
	}

	t.Setenv("DRIFTCAST_TEST_FLOAT", "2.5")
	if got := resolveFloat(0, "DRIFTCAST_TEST_FLOAT"); got != 2.5 {
		t.Fatalf("env float should apply, got %v", got)
	}
	if got := resolveFloat(1.5, "DRIFTCAST_TEST_FLOAT"); got != 1.5 {
		t.Fatalf("flag float should win, got %v", got)
	}
}

func TestOpenRepositoryDriverSelection(t *testing.T) {
	logger := slog.Default()

	repo, err := openRepository(context.Background(), repositoryConfig{Driver: "memory"}, logger)
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	defer repo.Close(context.Background())

	// Blank driver with no DSN defaults to memory.
	repo, err = openRepository(context.Background(), repositoryConfig{}, logger)
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	defer repo.Close(context.Background())

	if _, err := openRepository(context.Background(), repositoryConfig{Driver: "postgres"}, logger); err == nil {
		t.Fatal("postgres without DSN must be rejected")
	}
	if _, err := openRepository(context.Background(), repositoryConfig{Driver: "cassandra"}, logger); err == nil {
		t.Fatal("unknown driver must be rejected")
	}
}

func TestConfigureChatLogDriverSelection(t *testing.T) {
	logger := slog.Default()

	log, err := configureChatLog("", chatlog.RedisConfig{}, logger)
	if err != nil {
		t.Fatalf("default chat log: %v", err)
	}
	log.Close()

	log, err = configureChatLog("memory", chatlog.RedisConfig{}, logger)
	if err != nil {
		t.Fatalf("memory chat log: %v", err)
	}
	log.Close()

	if _, err := configureChatLog("redis", chatlog.RedisConfig{}, logger); err == nil {
		t.Fatal("redis chat log without addr must be rejected")
	}
	if _, err := configureChatLog("kafka", chatlog.RedisConfig{}, logger); err == nil {
		t.Fatal("unknown chat log driver must be rejected")
	}
}
