package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type statsBroadcaster interface {
	BroadcastLiveStats() int
}

type statsTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) statsTicker

// startStatsWorker periodically pushes per-session statistics to viewer
// topics. The returned function stops the worker and waits for it to exit.
func startStatsWorker(ctx context.Context, logger *slog.Logger, broadcaster statsBroadcaster, interval time.Duration) func() {
	return startStatsWorkerWithTicker(ctx, logger, broadcaster, interval, func(d time.Duration) statsTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startStatsWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	broadcaster statsBroadcaster,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if broadcaster == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				covered := broadcaster.BroadcastLiveStats()
				if logger != nil {
					logger.Debug("stream stats broadcast", "sessions", covered)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
