// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyrecovery defers encrypted events whose megolm session key
// is not yet known. Each such event is registered as a [Pending] and
// completed when the key arrives (by key share, forwarded key, or
// backup restore) and decryption succeeds.
//
// Key requests go out at most once per (room, session) per cooldown,
// and at most MaxAttempts times per AttemptWindow. When a re-request
// is needed but the budget is spent, every event waiting on that
// session completes with [ErrGaveUp].
package keyrecovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	// ErrMissingSessionInfo means an encrypted event lacks the
	// algorithm, session ID, sender key, or room needed to request
	// its key.
	ErrMissingSessionInfo = errors.New("keyrecovery: encrypted event is missing session information")

	// ErrGaveUp completes events whose key request budget ran out.
	ErrGaveUp = errors.New("keyrecovery: key request attempts exhausted")

	// ErrStopped completes events still waiting when Run returns.
	ErrStopped = errors.New("keyrecovery: coordinator stopped")
)

// Capabilities is the part of e2ee.Capabilities the coordinator uses.
type Capabilities interface {
	RequestRoomKey(ctx context.Context, request e2ee.KeyRequest) (string, error)
	CancelRoomKeyRequest(ctx context.Context, requestID string) error
	Decrypt(ctx context.Context, event messaging.Event) (messaging.Event, error)
}

// SessionEnsurer opens Olm sessions so peers can share keys with us.
type SessionEnsurer interface {
	EnsureSessionsFor(ctx context.Context, users []ref.UserID)
}

// TimelineSource lists recent timeline events that are still
// encrypted.
type TimelineSource interface {
	Encrypted() []messaging.Event
}

// Config configures a Coordinator.
type Config struct {
	Capabilities Capabilities

	// Sessions is optional.
	Sessions SessionEnsurer

	// Timeline is optional. Without it, Rescan only retries events
	// registered through Observe.
	Timeline TimelineSource

	// Track receives Pendings the coordinator registers on its own
	// during Rescan, so the owner can await them like those returned
	// by Observe. Optional.
	Track func(*Pending)

	// Cooldown defaults to 10 minutes.
	Cooldown time.Duration

	// MaxAttempts defaults to 8.
	MaxAttempts int

	// AttemptWindow defaults to 24 hours.
	AttemptWindow time.Duration

	// RescanInterval defaults to 1 minute.
	RescanInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type sessionKey struct {
	roomID    ref.RoomID
	sessionID string
}

func (k sessionKey) String() string { return k.roomID.String() + "/" + k.sessionID }

// keyRequest is the request state for one megolm session.
type keyRequest struct {
	request   e2ee.KeyRequest
	lastSent  time.Time
	attempts  []time.Time
	requestID string
}

// Coordinator tracks pending encrypted events and their key requests.
type Coordinator struct {
	capabilities Capabilities
	sessions     SessionEnsurer
	timeline     TimelineSource
	track        func(*Pending)

	cooldown       time.Duration
	maxAttempts    int
	attemptWindow  time.Duration
	rescanInterval time.Duration

	clock  clock.Clock
	logger *slog.Logger

	// mu guards the maps. It is never held across a network call or a
	// decryption.
	mu       sync.Mutex
	pending  map[sessionKey]map[ref.EventID]*Pending
	requests map[sessionKey]*keyRequest
}

// New creates a Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Capabilities == nil {
		return nil, fmt.Errorf("keyrecovery: Capabilities is required")
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 10 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = 24 * time.Hour
	}
	if config.RescanInterval <= 0 {
		config.RescanInterval = time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Coordinator{
		capabilities:   config.Capabilities,
		sessions:       config.Sessions,
		timeline:       config.Timeline,
		track:          config.Track,
		cooldown:       config.Cooldown,
		maxAttempts:    config.MaxAttempts,
		attemptWindow:  config.AttemptWindow,
		rescanInterval: config.RescanInterval,
		clock:          config.Clock,
		logger:         config.Logger,
		pending:        make(map[sessionKey]map[ref.EventID]*Pending),
		requests:       make(map[sessionKey]*keyRequest),
	}, nil
}

// Observe registers an encrypted event. If the key is already known
// the returned Pending is complete. Otherwise the coordinator asks for
// an Olm session with the sender in the background and requests the
// key. Observing an event that is already pending returns the existing
// handle.
func (c *Coordinator) Observe(ctx context.Context, event messaging.Event) (*Pending, error) {
	pending, _, err := c.observe(ctx, event)
	return pending, err
}

func (c *Coordinator) observe(ctx context.Context, event messaging.Event) (*Pending, bool, error) {
	request, err := keyRequestFor(event)
	if err != nil {
		return nil, false, err
	}
	key := sessionKey{roomID: request.RoomID, sessionID: request.SessionID}

	if decrypted, err := c.capabilities.Decrypt(ctx, event); err == nil {
		pending := newPending(event)
		pending.complete(Result{Event: decrypted})
		return pending, true, nil
	}

	pending, created := c.register(key, event)
	if !created {
		return pending, false, nil
	}
	c.logger.Debug("encrypted event deferred",
		"event_id", event.EventID,
		"room_id", request.RoomID,
		"session_id", request.SessionID,
	)

	if c.sessions != nil {
		go c.sessions.EnsureSessionsFor(context.WithoutCancel(ctx), []ref.UserID{event.Sender})
	}
	c.requestKey(ctx, key, request)
	return pending, true, nil
}

// KeysReceived retries every event waiting on the session. When all of
// them decrypt, the request state is cleared and the outstanding
// request is withdrawn. Otherwise the key is requested again, subject
// to the cooldown and attempt budget.
func (c *Coordinator) KeysReceived(ctx context.Context, roomID ref.RoomID, sessionID string) {
	key := sessionKey{roomID: roomID, sessionID: sessionID}
	remaining, request := c.retry(ctx, key)
	if remaining == 0 {
		c.clearRequest(ctx, key)
		return
	}
	if request != nil {
		c.requestKey(ctx, key, *request)
	}
}

// Withheld records that a key holder refused to share a session. It
// counts as a failed attempt: the key is requested again from anyone
// else who might hold it, subject to the cooldown and attempt budget.
func (c *Coordinator) Withheld(ctx context.Context, roomID ref.RoomID, sessionID, code string) {
	key := sessionKey{roomID: roomID, sessionID: sessionID}
	c.mu.Lock()
	waiting := len(c.pending[key])
	state := c.requests[key]
	c.mu.Unlock()

	c.logger.Info("room key withheld",
		"room_id", roomID,
		"session_id", sessionID,
		"code", code,
		"waiting", waiting,
	)
	if waiting == 0 || state == nil {
		return
	}
	c.requestKey(ctx, key, state.request)
}

// Rescan retries every pending event, registers still-encrypted events
// from the recent timeline, and sweeps request state that has expired.
func (c *Coordinator) Rescan(ctx context.Context) {
	c.sweep()

	for _, key := range c.pendingKeys() {
		if ctx.Err() != nil {
			return
		}
		remaining, request := c.retry(ctx, key)
		if remaining == 0 {
			c.clearRequest(ctx, key)
			continue
		}
		if request != nil {
			c.requestKey(ctx, key, *request)
		}
	}

	if c.timeline == nil {
		return
	}
	for _, event := range c.timeline.Encrypted() {
		if ctx.Err() != nil {
			return
		}
		request, err := keyRequestFor(event)
		if err != nil {
			continue
		}
		if c.exhausted(sessionKey{roomID: request.RoomID, sessionID: request.SessionID}) {
			continue
		}
		pending, created, err := c.observe(ctx, event)
		if err != nil || !created {
			continue
		}
		if c.track != nil {
			c.track(pending)
		}
	}
}

// Run rescans every RescanInterval until ctx is cancelled, then
// completes every remaining event with ErrStopped.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.rescanInterval)
	defer ticker.Stop()
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Rescan(ctx)
		}
	}
}

// PendingCount returns the number of events waiting for keys.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, events := range c.pending {
		count += len(events)
	}
	return count
}

// register inserts event under key unless it is already pending.
func (c *Coordinator) register(key sessionKey, event messaging.Event) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.pending[key]
	if events == nil {
		events = make(map[ref.EventID]*Pending)
		c.pending[key] = events
	}
	if existing, ok := events[event.EventID]; ok {
		return existing, false
	}
	pending := newPending(event)
	events[event.EventID] = pending
	return pending, true
}

// retry attempts to decrypt every event waiting on key and completes
// the ones that succeed. Returns how many are still waiting and, if
// any are, the request to send for them.
func (c *Coordinator) retry(ctx context.Context, key sessionKey) (int, *e2ee.KeyRequest) {
	c.mu.Lock()
	snapshot := make([]*Pending, 0, len(c.pending[key]))
	for _, pending := range c.pending[key] {
		snapshot = append(snapshot, pending)
	}
	c.mu.Unlock()

	var failed *messaging.Event
	for _, pending := range snapshot {
		decrypted, err := c.capabilities.Decrypt(ctx, pending.encrypted)
		if err != nil {
			if failed == nil {
				encrypted := pending.encrypted
				failed = &encrypted
			}
			continue
		}
		c.remove(key, pending.encrypted.EventID)
		pending.complete(Result{Event: decrypted})
		c.logger.Debug("deferred event decrypted",
			"event_id", pending.encrypted.EventID,
			"session", key.String(),
		)
	}

	c.mu.Lock()
	remaining := len(c.pending[key])
	c.mu.Unlock()
	if remaining == 0 || failed == nil {
		return remaining, nil
	}
	request, err := keyRequestFor(*failed)
	if err != nil {
		return remaining, nil
	}
	return remaining, &request
}

// requestKey sends a key request unless one went out within the
// cooldown. When the attempt budget is spent, every event waiting on
// key gives up instead.
func (c *Coordinator) requestKey(ctx context.Context, key sessionKey, request e2ee.KeyRequest) {
	now := c.clock.Now()

	c.mu.Lock()
	state := c.requests[key]
	if state == nil {
		state = &keyRequest{request: request}
		c.requests[key] = state
	}
	if !state.lastSent.IsZero() && now.Sub(state.lastSent) < c.cooldown {
		c.mu.Unlock()
		return
	}
	state.attempts = slices.DeleteFunc(state.attempts, func(at time.Time) bool {
		return now.Sub(at) >= c.attemptWindow
	})
	if len(state.attempts) >= c.maxAttempts {
		abandoned := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()

		c.logger.Warn("giving up on room key",
			"session", key.String(),
			"attempts", c.maxAttempts,
			"events", len(abandoned),
		)
		for _, pending := range abandoned {
			pending.complete(Result{Err: ErrGaveUp})
		}
		return
	}
	state.lastSent = now
	state.attempts = append(state.attempts, now)
	attempt := len(state.attempts)
	c.mu.Unlock()

	requestID, err := c.capabilities.RequestRoomKey(ctx, request)
	if err != nil {
		if errors.Is(err, e2ee.ErrNoBackend) {
			c.logger.Debug("key request skipped: no crypto backend", "session", key.String())
		} else {
			c.logger.Warn("key request failed", "session", key.String(), "attempt", attempt, "error", err)
		}
		return
	}
	c.logger.Info("room key requested",
		"session", key.String(),
		"sender", request.Sender,
		"attempt", attempt,
	)

	c.mu.Lock()
	if current := c.requests[key]; current != nil {
		current.requestID = requestID
	}
	c.mu.Unlock()
}

// exhausted reports whether key has used its attempt budget.
func (c *Coordinator) exhausted(key sessionKey) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.requests[key]
	if state == nil {
		return false
	}
	live := 0
	for _, at := range state.attempts {
		if now.Sub(at) < c.attemptWindow {
			live++
		}
	}
	return live >= c.maxAttempts
}

// clearRequest drops the request state for key and withdraws the
// outstanding request.
func (c *Coordinator) clearRequest(ctx context.Context, key sessionKey) {
	c.mu.Lock()
	state := c.requests[key]
	delete(c.requests, key)
	if len(c.pending[key]) == 0 {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if state == nil || state.requestID == "" {
		return
	}
	if err := c.capabilities.CancelRoomKeyRequest(ctx, state.requestID); err != nil {
		c.logger.Debug("withdrawing key request failed", "session", key.String(), "error", err)
	}
}

// sweep drops request state with no waiting events once both its
// cooldown and attempt window have passed.
func (c *Coordinator) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, state := range c.requests {
		if len(c.pending[key]) > 0 {
			continue
		}
		if now.Sub(state.lastSent) < c.cooldown {
			continue
		}
		if len(state.attempts) > 0 && now.Sub(state.attempts[len(state.attempts)-1]) < c.attemptWindow {
			continue
		}
		delete(c.requests, key)
	}
}

func (c *Coordinator) remove(key sessionKey, eventID ref.EventID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending[key], eventID)
}

func (c *Coordinator) pendingKeys() []sessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]sessionKey, 0, len(c.pending))
	for key, events := range c.pending {
		if len(events) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Coordinator) stop() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[sessionKey]map[ref.EventID]*Pending)
	c.mu.Unlock()
	for _, events := range pending {
		for _, p := range events {
			p.complete(Result{Err: ErrStopped})
		}
	}
}

// keyRequestFor extracts the session an encrypted event needs.
func keyRequestFor(event messaging.Event) (e2ee.KeyRequest, error) {
	if event.Type != schema.EventTypeEncrypted {
		return e2ee.KeyRequest{}, fmt.Errorf("keyrecovery: %s is %s, not encrypted", event.EventID, event.Type)
	}
	var content schema.EncryptedContent
	if err := event.DecodeContent(&content); err != nil {
		return e2ee.KeyRequest{}, fmt.Errorf("%w: %v", ErrMissingSessionInfo, err)
	}
	if content.Algorithm == "" || content.SessionID == "" || content.SenderKey == "" || event.RoomID.IsZero() {
		return e2ee.KeyRequest{}, ErrMissingSessionInfo
	}
	return e2ee.KeyRequest{
		RoomID:    event.RoomID,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Algorithm: content.Algorithm,
		Sender:    event.Sender,
	}, nil
}
