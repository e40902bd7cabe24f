// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// SyncState is the loop's externally visible state.
type SyncState string

const (
	// StatePrepared follows the first successful sync, once its
	// response has been handled.
	StatePrepared SyncState = "PREPARED"

	// StateSyncing follows each successful incremental sync after a
	// state change.
	StateSyncing SyncState = "SYNCING"

	// StateError follows a failed sync. The loop retries with backoff.
	StateError SyncState = "ERROR"

	// StateStopped is reported once when the loop exits.
	StateStopped SyncState = "STOPPED"
)

// Syncer performs /sync requests.
type Syncer interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

// SyncHandler processes sync responses. initial is true only for the
// first response. The next poll starts after the handler returns.
type SyncHandler interface {
	HandleSync(ctx context.Context, response *messaging.SyncResponse, initial bool)
}

// SyncLoopConfig configures a SyncLoop.
type SyncLoopConfig struct {
	Syncer Syncer

	// Filter is the inline JSON filter sent with every request.
	Filter string

	// Timeout is the long-poll timeout. Defaults to 30 seconds.
	Timeout time.Duration

	// MaxBackoff bounds the retry delay, which starts at one second
	// and doubles per failure. Defaults to 30 seconds.
	MaxBackoff time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// SyncLoop runs the initial sync and the incremental long-poll loop.
type SyncLoop struct {
	syncer     Syncer
	filter     string
	timeout    time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	state     SyncState
	listeners []func(SyncState)
}

// NewSyncLoop creates a SyncLoop.
func NewSyncLoop(config SyncLoopConfig) *SyncLoop {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SyncLoop{
		syncer:     config.Syncer,
		filter:     config.Filter,
		timeout:    config.Timeout,
		maxBackoff: config.MaxBackoff,
		clock:      config.Clock,
		logger:     config.Logger,
	}
}

// OnState registers a listener for state changes. Listeners run on the
// loop goroutine and must not block. Register before Run.
func (l *SyncLoop) OnState(listener func(SyncState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// State returns the current state, or "" before the first sync.
func (l *SyncLoop) State() SyncState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run syncs until ctx is cancelled. The initial sync is retried like
// any other; the handler sees its response before StatePrepared is
// reported.
func (l *SyncLoop) Run(ctx context.Context, handler SyncHandler) {
	defer l.setState(StateStopped)

	backoff := time.Second
	since := ""
	initial := true

	for {
		if ctx.Err() != nil {
			return
		}

		options := messaging.SyncOptions{Since: since, Filter: l.filter}
		if !initial {
			// The initial sync returns at once; only incremental
			// polls wait for new events.
			options.Timeout = int(l.timeout / time.Millisecond)
			options.SetTimeout = true
		}

		response, err := l.syncer.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.setState(StateError)
			l.logger.Error("sync failed, retrying", "error", err, "backoff", backoff, "initial", initial)
			select {
			case <-ctx.Done():
				return
			case <-l.clock.After(backoff):
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		backoff = time.Second
		since = response.NextBatch

		handler.HandleSync(ctx, response, initial)
		if initial {
			initial = false
			l.setState(StatePrepared)
			continue
		}
		l.setState(StateSyncing)
	}
}

// setState records state and notifies listeners when it changed.
func (l *SyncLoop) setState(state SyncState) {
	l.mu.Lock()
	if l.state == state {
		l.mu.Unlock()
		return
	}
	previous := l.state
	l.state = state
	listeners := l.listeners
	l.mu.Unlock()

	l.logger.Info("sync state changed", "from", string(previous), "to", string(state))
	for _, listener := range listeners {
		listener(state)
	}
}
