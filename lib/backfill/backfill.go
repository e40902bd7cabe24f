// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backfill fills in room history the live sync stream never
// delivered: events from before the ingester started, and the gaps a
// limited sync timeline leaves behind.
//
// Each pass pages /rooms/{roomId}/messages backwards from the live end
// until it reaches the room's checkpoint, the start of the room, or
// the page budget. Events go to a [Handler], which stores them without
// publishing. A pass cut short by the page budget records the
// pagination token so the next pass resumes the unfinished gap after
// covering newer events first.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/eventstore"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Pager is the homeserver operation backfill uses.
type Pager interface {
	RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error)
}

// Rooms lists the rooms to backfill.
type Rooms interface {
	Rooms() []ref.RoomID
}

// Handler ingests one historical event. An error aborts that event
// only.
type Handler interface {
	HandleHistorical(ctx context.Context, roomID ref.RoomID, event messaging.Event) error
}

// Config configures a Backfiller.
type Config struct {
	Pager     Pager
	Rooms     Rooms
	Handler   Handler
	Store     eventstore.Store
	AccountID string

	// Interval between passes. Defaults to 15 minutes.
	Interval time.Duration

	// MaxPages bounds the pages fetched per room per pass. Defaults
	// to 10.
	MaxPages int

	// PageSize is the /messages limit. Defaults to 100.
	PageSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Backfiller runs backfill passes.
type Backfiller struct {
	pager     Pager
	rooms     Rooms
	handler   Handler
	store     eventstore.Store
	accountID string
	interval  time.Duration
	maxPages  int
	pageSize  int
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Backfiller.
func New(config Config) (*Backfiller, error) {
	switch {
	case config.Pager == nil:
		return nil, errors.New("backfill: Pager is required")
	case config.Rooms == nil:
		return nil, errors.New("backfill: Rooms is required")
	case config.Handler == nil:
		return nil, errors.New("backfill: Handler is required")
	case config.Store == nil:
		return nil, errors.New("backfill: Store is required")
	case config.AccountID == "":
		return nil, errors.New("backfill: AccountID is required")
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 10
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Backfiller{
		pager:     config.Pager,
		rooms:     config.Rooms,
		handler:   config.Handler,
		store:     config.Store,
		accountID: config.AccountID,
		interval:  config.Interval,
		maxPages:  config.MaxPages,
		pageSize:  config.PageSize,
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

// Run performs a pass immediately and then one per interval until ctx
// is cancelled.
func (b *Backfiller) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	b.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce backfills every room once. Per-room failures are logged and
// do not stop the pass.
func (b *Backfiller) RunOnce(ctx context.Context) {
	rooms := b.rooms.Rooms()
	var ingested int
	for _, roomID := range rooms {
		if ctx.Err() != nil {
			return
		}
		count, err := b.Room(ctx, roomID)
		ingested += count
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("backfill failed", "room_id", roomID, "error", err)
		}
	}
	b.logger.Info("backfill pass complete", "rooms", len(rooms), "events", ingested)
}

// Room runs one pass over a single room and returns how many events
// were handed to the Handler.
func (b *Backfiller) Room(ctx context.Context, roomID ref.RoomID) (int, error) {
	checkpoint, err := b.store.Checkpoint(ctx, b.accountID, roomID)
	if err != nil {
		return 0, err
	}

	pass := roomPass{backfiller: b, roomID: roomID, budget: b.maxPages, newest: checkpoint.TimestampMS}

	// Newer history first: from the live end down to the checkpoint.
	// The checkpoint's own millisecond is fetched again so events that
	// share it are not lost at a page boundary.
	floor := checkpoint.TimestampMS
	token, complete, err := pass.page(ctx, "", func(event messaging.Event) bool {
		return event.OriginServerTS < floor
	})
	if err != nil {
		return pass.handled, err
	}

	switch {
	case !complete:
		if checkpoint.Token != "" {
			b.logger.Warn("backfill gap abandoned: newer history exceeded the page budget",
				"room_id", roomID, "max_pages", b.maxPages)
		}
	case checkpoint.Token == "":
	case pass.budget == 0:
		token = checkpoint.Token
	default:
		// The gap an earlier pass left unfinished, down to the first
		// event already stored.
		token, _, err = pass.page(ctx, checkpoint.Token, func(event messaging.Event) bool {
			return pass.stored(ctx, event)
		})
		if err != nil {
			return pass.handled, err
		}
	}

	if pass.newest == checkpoint.TimestampMS && token == checkpoint.Token {
		return pass.handled, nil
	}
	err = b.store.SaveCheckpoint(ctx, eventstore.Checkpoint{
		AccountID:   b.accountID,
		RoomID:      roomID,
		TimestampMS: pass.newest,
		Token:       token,
	})
	if err != nil {
		return pass.handled, err
	}
	b.logger.Debug("backfill checkpoint saved",
		"room_id", roomID,
		"timestamp_ms", pass.newest,
		"resumable", token != "",
		"events", pass.handled,
	)
	return pass.handled, nil
}

// roomPass tracks one room's page budget and progress across phases.
type roomPass struct {
	backfiller *Backfiller
	roomID     ref.RoomID
	budget     int
	newest     int64
	handled    int
}

// page fetches backwards from "from" until reached reports true for an
// event, the room has no older history, or the budget is spent. It
// returns the token to resume from and whether the phase completed.
func (p *roomPass) page(ctx context.Context, from string, reached func(messaging.Event) bool) (string, bool, error) {
	b := p.backfiller
	for p.budget > 0 {
		response, err := b.pager.RoomMessages(ctx, p.roomID, messaging.RoomMessagesOptions{
			From:      from,
			Direction: "b",
			Limit:     b.pageSize,
		})
		if err != nil {
			return from, false, fmt.Errorf("backfill: paging %s: %w", p.roomID, err)
		}
		p.budget--

		for _, event := range response.Chunk {
			if reached(event) {
				return "", true, nil
			}
			p.handle(ctx, event)
		}
		if response.End == "" || len(response.Chunk) == 0 {
			return "", true, nil
		}
		from = response.End
	}
	return from, false, nil
}

func (p *roomPass) handle(ctx context.Context, event messaging.Event) {
	b := p.backfiller
	if event.RoomID.IsZero() {
		event.RoomID = p.roomID
	}
	if err := b.handler.HandleHistorical(ctx, p.roomID, event); err != nil {
		b.logger.Debug("backfill event skipped",
			"room_id", p.roomID,
			"event_id", event.EventID,
			"type", event.Type,
			"error", err,
		)
		return
	}
	p.handled++
	p.newest = max(p.newest, event.OriginServerTS)
}

// stored reports whether the event is already in the store. Lookup
// failures count as not stored so the pass keeps going.
func (p *roomPass) stored(ctx context.Context, event messaging.Event) bool {
	if event.EventID.IsZero() {
		return false
	}
	record, err := p.backfiller.store.Lookup(ctx, p.backfiller.accountID, event.EventID)
	return err == nil && record != nil
}
