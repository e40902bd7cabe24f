// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptosession keeps the account's encryption sessions
// healthy: Olm sessions with every relevant peer device, and a stock
// of one-time keys on the homeserver so peers can open new sessions.
//
// All work is best-effort background hygiene. Failures are logged and
// never returned; the next tick retries.
package cryptosession

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Capabilities is the part of e2ee.Capabilities the maintainer uses.
type Capabilities interface {
	EnsureSessions(ctx context.Context, users []ref.UserID) error
	UploadOneTimeKeys(ctx context.Context, count int) error
}

// Directory lists joined rooms and their members.
type Directory interface {
	Rooms() []ref.RoomID
	Members(roomID ref.RoomID) []ref.UserID
}

// Config configures a Maintainer.
type Config struct {
	Capabilities Capabilities
	Directory    Directory

	// Self is always included in session checks, so control traffic
	// between our own devices (verification, secret sharing) works.
	Self ref.UserID

	// RefreshInterval defaults to 5 minutes.
	RefreshInterval time.Duration

	// TopUpInterval defaults to 10 minutes.
	TopUpInterval time.Duration

	// OneTimeKeyTarget is the number of one-time keys to keep on the
	// server. Defaults to 50.
	OneTimeKeyTarget int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Maintainer runs session refresh and one-time key top-up.
type Maintainer struct {
	capabilities Capabilities
	directory    Directory
	self         ref.UserID

	refreshInterval  time.Duration
	topUpInterval    time.Duration
	oneTimeKeyTarget int

	clock  clock.Clock
	logger *slog.Logger

	// inflight holds users with a session check in progress. A caller
	// only checks users it inserted.
	inflightMu sync.Mutex
	inflight   map[ref.UserID]struct{}

	// serverKeyCount is the last one-time key count the server
	// reported, or -1 before the first report.
	serverKeyCount atomic.Int64

	topUpNeeded chan struct{}

	backendMissingLogged atomic.Bool
}

// New creates a Maintainer.
func New(config Config) *Maintainer {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 5 * time.Minute
	}
	if config.TopUpInterval <= 0 {
		config.TopUpInterval = 10 * time.Minute
	}
	if config.OneTimeKeyTarget <= 0 {
		config.OneTimeKeyTarget = 50
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	m := &Maintainer{
		capabilities:     config.Capabilities,
		directory:        config.Directory,
		self:             config.Self,
		refreshInterval:  config.RefreshInterval,
		topUpInterval:    config.TopUpInterval,
		oneTimeKeyTarget: config.OneTimeKeyTarget,
		clock:            config.Clock,
		logger:           config.Logger,
		inflight:         make(map[ref.UserID]struct{}),
		topUpNeeded:      make(chan struct{}, 1),
	}
	m.serverKeyCount.Store(-1)
	return m
}

// EnsureSessionsFor ensures Olm sessions with every device of users
// and of the local account. Users already being checked by another
// caller are skipped.
func (m *Maintainer) EnsureSessionsFor(ctx context.Context, users []ref.UserID) {
	claimed := m.claim(append(slices.Clone(users), m.self))
	if len(claimed) == 0 {
		return
	}
	defer m.release(claimed)

	if err := m.capabilities.EnsureSessions(ctx, claimed); err != nil {
		m.logFailure("ensuring olm sessions failed", err, "users", len(claimed))
	}
}

// EnsureAll ensures sessions with every member of every joined room.
func (m *Maintainer) EnsureAll(ctx context.Context) {
	seen := make(map[ref.UserID]struct{})
	var users []ref.UserID
	for _, roomID := range m.directory.Rooms() {
		for _, member := range m.directory.Members(roomID) {
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			users = append(users, member)
		}
	}
	m.EnsureSessionsFor(ctx, users)
}

// TopUpOneTimeKeys uploads enough one-time keys to reach the target,
// based on the last count the server reported. Before any report it
// uploads a full batch.
func (m *Maintainer) TopUpOneTimeKeys(ctx context.Context) {
	known := m.serverKeyCount.Load()
	count := m.oneTimeKeyTarget
	if known >= 0 {
		count = m.oneTimeKeyTarget - int(known)
	}
	if count <= 0 {
		return
	}
	if err := m.capabilities.UploadOneTimeKeys(ctx, count); err != nil {
		m.logFailure("one-time key upload failed", err, "count", count)
		return
	}
	// A count reported by sync during the upload is newer than ours.
	m.serverKeyCount.CompareAndSwap(known, int64(m.oneTimeKeyTarget))
}

// NoteOneTimeKeyCounts records the counts from a sync response. A count
// below half the target schedules an early top-up.
func (m *Maintainer) NoteOneTimeKeyCounts(counts map[string]int) {
	count, ok := counts[messaging.OneTimeKeyAlgorithm]
	if !ok {
		// Servers omit zero counts.
		count = 0
	}
	m.serverKeyCount.Store(int64(count))
	if count < m.oneTimeKeyTarget/2 {
		select {
		case m.topUpNeeded <- struct{}{}:
		default:
		}
	}
}

// Run refreshes sessions and tops up one-time keys on independent
// tickers until ctx is cancelled. It does one round of each first.
func (m *Maintainer) Run(ctx context.Context) {
	refresh := m.clock.NewTicker(m.refreshInterval)
	defer refresh.Stop()
	topUp := m.clock.NewTicker(m.topUpInterval)
	defer topUp.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	refreshTask := &task{run: m.EnsureAll}
	topUpTask := &task{run: m.TopUpOneTimeKeys}
	refreshTask.trigger(ctx, &wg)
	topUpTask.trigger(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			refreshTask.trigger(ctx, &wg)
		case <-topUp.C:
			topUpTask.trigger(ctx, &wg)
		case <-m.topUpNeeded:
			topUpTask.trigger(ctx, &wg)
		}
	}
}

// task runs a maintenance function in its own goroutine so a slow
// homeserver on one task does not delay the other. Triggers that
// arrive mid-run collapse into a single rerun.
type task struct {
	run func(context.Context)

	mu      sync.Mutex
	running bool
	again   bool
}

func (t *task) trigger(ctx context.Context, wg *sync.WaitGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.again = true
		return
	}
	t.running = true
	wg.Go(func() {
		for {
			t.run(ctx)
			t.mu.Lock()
			if !t.again || ctx.Err() != nil {
				t.running = false
				t.again = false
				t.mu.Unlock()
				return
			}
			t.again = false
			t.mu.Unlock()
		}
	})
}

func (m *Maintainer) claim(users []ref.UserID) []ref.UserID {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	var claimed []ref.UserID
	for _, user := range users {
		if user.IsZero() {
			continue
		}
		if _, busy := m.inflight[user]; busy {
			continue
		}
		m.inflight[user] = struct{}{}
		claimed = append(claimed, user)
	}
	return claimed
}

func (m *Maintainer) release(users []ref.UserID) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	for _, user := range users {
		delete(m.inflight, user)
	}
}

// logFailure logs a maintenance failure. Running without a crypto
// backend is reported once rather than on every tick.
func (m *Maintainer) logFailure(message string, err error, args ...any) {
	if errors.Is(err, e2ee.ErrNoBackend) {
		if m.backendMissingLogged.CompareAndSwap(false, true) {
			m.logger.Warn("session maintenance disabled: no crypto backend")
		}
		return
	}
	m.logger.Warn(message, append(args, "error", err)...)
}
