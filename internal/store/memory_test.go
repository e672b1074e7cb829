package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"driftcast-live/internal/models"
)

func TestMemoryInsertChatMessageAssignsIDs(t *testing.T) {
	repo := NewMemory()
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	first, err := repo.InsertChatMessage(context.Background(), "sess-1", "user-1", "one")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := repo.InsertChatMessage(context.Background(), "sess-1", "user-1", "two")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("ids must be unique, both %q", first.ID)
	}
	if !first.CreatedAt.Equal(now) {
		t.Fatalf("timestamp should come from the clock, got %v", first.CreatedAt)
	}
}

func TestMemoryFailNextInsert(t *testing.T) {
	repo := NewMemory()
	repo.FailNextInsert()

	if _, err := repo.InsertChatMessage(context.Background(), "sess-1", "user-1", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// Exactly one failure is injected.
	if _, err := repo.InsertChatMessage(context.Background(), "sess-1", "user-1", "x"); err != nil {
		t.Fatalf("second insert should recover: %v", err)
	}
}

func TestMemoryMarkChatMessageDeleted(t *testing.T) {
	repo := NewMemory()
	insert, err := repo.InsertChatMessage(context.Background(), "sess-1", "user-1", "body")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := repo.MarkChatMessageDeleted(context.Background(), "sess-1", insert.ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if err := repo.MarkChatMessageDeleted(context.Background(), "sess-1", "msg-unknown"); err == nil {
		t.Fatal("unknown message should error")
	}
	if err := repo.MarkChatMessageDeleted(context.Background(), "sess-other", insert.ID); err == nil {
		t.Fatal("session mismatch should error")
	}
}

func TestMemoryRosterAndTokenSeeds(t *testing.T) {
	repo := NewMemory()
	repo.SetRoster("streamer-1", []string{"f1", "f2"}, []string{"s1"})
	repo.SetStreamTokenHash("sess-1", "hash-1")

	snapshot, err := repo.RosterSnapshot(context.Background(), "streamer-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Followers) != 2 || len(snapshot.Subscribers) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	empty, err := repo.RosterSnapshot(context.Background(), "streamer-unknown")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(empty.Followers) != 0 || len(empty.Subscribers) != 0 {
		t.Fatalf("unknown streamer should have an empty snapshot, got %+v", empty)
	}

	hash, ok, err := repo.StreamTokenHash(context.Background(), "sess-1")
	if err != nil || !ok || hash != "hash-1" {
		t.Fatalf("token hash: %q ok=%v err=%v", hash, ok, err)
	}
	if _, ok, _ := repo.StreamTokenHash(context.Background(), "sess-unknown"); ok {
		t.Fatal("unknown session should miss")
	}
}

func TestMemoryNotifications(t *testing.T) {
	repo := NewMemory()
	note := models.StreamNotification{Kind: "streamStarted", SessionID: "sess-1", StreamerID: "streamer-1"}

	if err := repo.InsertNotification(context.Background(), "user-1", note); err != nil {
		t.Fatalf("insert notification: %v", err)
	}
	notes := repo.Notifications("user-1")
	if len(notes) != 1 || notes[0].SessionID != "sess-1" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	if len(repo.Notifications("user-2")) != 0 {
		t.Fatal("other users should have no notifications")
	}
}
