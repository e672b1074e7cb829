package chatlog

import (
	"context"
	"testing"
	"time"

	"driftcast-live/internal/testsupport/redisstub"
)

func TestRedisLogConfigValidation(t *testing.T) {
	if _, err := NewRedisLog(RedisConfig{}); err == nil {
		t.Fatal("missing addr must be rejected")
	}
}

func TestRedisLogAppendAndSubscribe(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer stub.Close()

	log, err := NewRedisLog(RedisConfig{
		Addr:         stub.Addr(),
		Password:     "secret",
		Stream:       "driftcast:chatlog:test",
		Group:        "archivers-test",
		BlockTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisLog: %v", err)
	}
	defer log.Close()

	sub := log.Subscribe()
	defer sub.Close()

	want := testMessage("msg-42")
	if err := log.Append(context.Background(), want); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if stub.StreamLen("driftcast:chatlog:test") != 1 {
		t.Fatal("append should land one stream entry")
	}

	select {
	case got := <-sub.Messages():
		if got.ID != want.ID || got.Body != want.Body || got.SessionID != want.SessionID {
			t.Fatalf("round-tripped message mismatch: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive the appended message")
	}
}

func TestRedisSubscriptionCloseStopsDelivery(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer stub.Close()

	log, err := NewRedisLog(RedisConfig{
		Addr:         stub.Addr(),
		Stream:       "driftcast:chatlog:close-test",
		Group:        "archivers-close-test",
		BlockTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisLog: %v", err)
	}
	defer log.Close()

	sub := log.Subscribe()
	sub.Close()
	sub.Close()

	// The read loop notices the cancellation and closes the channel itself.
	select {
	case _, open := <-sub.Messages():
		if open {
			t.Fatal("no message was appended, channel should simply close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel did not close after Close")
	}
}

func TestRedisLogRejectsBlankID(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer stub.Close()

	log, err := NewRedisLog(RedisConfig{Addr: stub.Addr()})
	if err != nil {
		t.Fatalf("NewRedisLog: %v", err)
	}
	defer log.Close()

	if err := log.Append(context.Background(), testMessage("")); err == nil {
		t.Fatal("messages without a store-assigned id must be rejected")
	}
}
