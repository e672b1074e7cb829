package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) wasStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeBroadcaster) BroadcastLiveStats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.calls
}

func (b *fakeBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestStatsWorkerBroadcastsOnTick(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time)}
	broadcaster := &fakeBroadcaster{}

	stop := startStatsWorkerWithTicker(context.Background(), nil, broadcaster, time.Second,
		func(time.Duration) statsTicker { return ticker })

	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
	}

	deadline := time.Now().Add(5 * time.Second)
	for broadcaster.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 broadcasts, got %d", broadcaster.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	if !ticker.wasStopped() {
		t.Fatal("stopping the worker should stop the ticker")
	}
	// Stop is idempotent.
	stop()
}

func TestStatsWorkerStopsWithContext(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time)}
	broadcaster := &fakeBroadcaster{}
	ctx, cancel := context.WithCancel(context.Background())

	stop := startStatsWorkerWithTicker(ctx, nil, broadcaster, time.Second,
		func(time.Duration) statsTicker { return ticker })

	cancel()
	stop()
	if !ticker.wasStopped() {
		t.Fatal("context cancellation should stop the ticker")
	}
}

func TestStatsWorkerDisabled(t *testing.T) {
	stop := startStatsWorker(context.Background(), nil, nil, time.Second)
	stop()

	stop = startStatsWorker(context.Background(), nil, &fakeBroadcaster{}, 0)
	stop()
}
