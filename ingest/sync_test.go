// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/testutil"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

type recordingHandler struct {
	calls chan bool
}

func (h *recordingHandler) HandleSync(_ context.Context, _ *messaging.SyncResponse, initial bool) {
	h.calls <- initial
}

func TestSyncLoopStates(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	session := newScriptedSession()
	loop := NewSyncLoop(SyncLoopConfig{
		Syncer: session,
		Clock:  fakeClock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	states := make(chan SyncState, 8)
	loop.OnState(func(state SyncState) { states <- state })
	handler := &recordingHandler{calls: make(chan bool, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx, handler)
		close(done)
	}()

	first := testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for initial sync")
	if first.SetTimeout || first.Since != "" {
		t.Errorf("initial sync options = %+v", first)
	}

	// A failed initial sync is retried after a backoff.
	session.responses <- nil
	if state := testutil.RequireReceive(t, states, 5*time.Second, "waiting for error"); state != StateError {
		t.Fatalf("state = %q, want ERROR", state)
	}
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for retry")

	session.responses <- &messaging.SyncResponse{NextBatch: "s1"}
	if initial := testutil.RequireReceive(t, handler.calls, 5*time.Second, "waiting for handler"); !initial {
		t.Error("first response not marked initial")
	}
	if state := testutil.RequireReceive(t, states, 5*time.Second, "waiting for prepared"); state != StatePrepared {
		t.Fatalf("state = %q, want PREPARED", state)
	}

	incremental := testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for incremental sync")
	if incremental.Since != "s1" || !incremental.SetTimeout || incremental.Timeout != 30000 {
		t.Errorf("incremental sync options = %+v", incremental)
	}
	session.responses <- &messaging.SyncResponse{NextBatch: "s2"}
	if initial := testutil.RequireReceive(t, handler.calls, 5*time.Second, "waiting for handler"); initial {
		t.Error("incremental response marked initial")
	}
	if state := testutil.RequireReceive(t, states, 5*time.Second, "waiting for syncing"); state != StateSyncing {
		t.Fatalf("state = %q, want SYNCING", state)
	}

	// Steady syncing does not repeat the state.
	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for next sync")
	session.responses <- &messaging.SyncResponse{NextBatch: "s3"}
	testutil.RequireReceive(t, handler.calls, 5*time.Second, "waiting for handler")
	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for next sync")

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for loop to stop")
	if state := testutil.RequireReceive(t, states, 5*time.Second, "waiting for stopped"); state != StateStopped {
		t.Errorf("state = %q, want STOPPED", state)
	}
}

func TestSyncLoopBackoffDoubles(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	session := newScriptedSession()
	loop := NewSyncLoop(SyncLoopConfig{
		Syncer:     session,
		MaxBackoff: 2 * time.Second,
		Clock:      fakeClock,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx, &recordingHandler{calls: make(chan bool, 4)})

	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for sync")
	session.responses <- nil
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for first retry")

	session.responses <- nil
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	select {
	case <-session.polls:
		t.Fatal("second retry came before the doubled backoff")
	case <-time.After(50 * time.Millisecond):
	}
	fakeClock.Advance(time.Second)
	testutil.RequireReceive(t, session.polls, 5*time.Second, "waiting for second retry")
}
