package chatlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"driftcast-live/internal/models"
)

func testMessage(id string) models.ChatMessage {
	return models.ChatMessage{
		ID:         id,
		SessionID:  "sess-1",
		AuthorID:   "user-1",
		AuthorName: "Alice",
		Body:       "hello",
		Kind:       models.MessageKindUser,
		CreatedAt:  time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryLogFansOutToSubscribers(t *testing.T) {
	log := NewMemoryLog(8)
	defer log.Close()

	first := log.Subscribe()
	defer first.Close()
	second := log.Subscribe()
	defer second.Close()

	if err := log.Append(context.Background(), testMessage("msg-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for name, sub := range map[string]Subscription{"first": first, "second": second} {
		select {
		case got := <-sub.Messages():
			if got.ID != "msg-1" {
				t.Fatalf("%s subscriber got %q", name, got.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive the message", name)
		}
	}
}

func TestMemoryLogRejectsBlankID(t *testing.T) {
	log := NewMemoryLog(8)
	defer log.Close()
	if err := log.Append(context.Background(), models.ChatMessage{}); err == nil {
		t.Fatal("messages without a store-assigned id must be rejected")
	}
}

func TestMemoryLogDropsForSlowConsumers(t *testing.T) {
	log := NewMemoryLog(1)
	defer log.Close()

	sub := log.Subscribe()
	defer sub.Close()

	// The buffer holds one message; the rest are dropped, never blocking.
	for i := 0; i < 5; i++ {
		if err := log.Append(context.Background(), testMessage(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	select {
	case got := <-sub.Messages():
		if got.ID != "msg-0" {
			t.Fatalf("expected the first message, got %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("buffered message should be delivered")
	}

	memory, ok := log.(interface{ Appended() []models.ChatMessage })
	if !ok {
		t.Fatal("memory log should expose Appended")
	}
	if appended := memory.Appended(); len(appended) != 5 {
		t.Fatalf("every append should be recorded, got %d", len(appended))
	}
}

func TestMemoryLogClosedAppendFails(t *testing.T) {
	log := NewMemoryLog(8)
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := log.Append(context.Background(), testMessage("msg-1")); err == nil {
		t.Fatal("append after close must fail")
	}
}

func TestMemorySubscriptionCloseDuringAppend(t *testing.T) {
	// Closing a subscription while appends are in flight must neither panic
	// nor drop messages into a closed channel.
	for i := 0; i < 200; i++ {
		log := NewMemoryLog(1)
		sub := log.Subscribe()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = log.Append(context.Background(), testMessage(fmt.Sprintf("msg-%d", j)))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
		wg.Wait()

		if _, open := <-sub.Messages(); open {
			// Drain the at-most-one buffered message, then expect the close.
			if _, open := <-sub.Messages(); open {
				t.Fatal("channel should be closed after Close")
			}
		}
		if err := log.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestMemorySubscriptionCloseIsIdempotent(t *testing.T) {
	log := NewMemoryLog(8)
	defer log.Close()

	sub := log.Subscribe()
	sub.Close()
	sub.Close()

	// A closed subscription no longer receives appends.
	if err := log.Append(context.Background(), testMessage("msg-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, open := <-sub.Messages(); open {
		t.Fatal("closed subscription channel should be drained and closed")
	}
}
