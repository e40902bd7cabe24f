// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// Store is the document store contract shared by the SQLite and
// PostgreSQL implementations.
type Store interface {
	// Upsert writes the event under its identity key and fills in
	// IngestedAtMS and UpdatedAtMS from the stored row.
	Upsert(ctx context.Context, event *canonical.Event) error

	// Lookup returns the record with the given Matrix event ID, or nil
	// if none is stored.
	Lookup(ctx context.Context, accountID string, eventID ref.EventID) (*canonical.Event, error)

	// Checkpoint returns the backfill checkpoint for a room. A room
	// that was never backfilled returns the zero Checkpoint.
	Checkpoint(ctx context.Context, accountID string, roomID ref.RoomID) (Checkpoint, error)

	// SaveCheckpoint records backfill progress. The stored timestamp
	// never moves backwards.
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error

	Close() error
}

// Checkpoint marks how far backfill has progressed in one room.
type Checkpoint struct {
	AccountID string
	RoomID    ref.RoomID

	// TimestampMS is the origin_server_ts of the newest event that has
	// been backfilled.
	TimestampMS int64

	// Token is the pagination token to resume from, if the previous
	// run stopped before reaching TimestampMS.
	Token string

	UpdatedAtMS int64
}

// IsZero reports whether the room has never been backfilled.
func (c Checkpoint) IsZero() bool { return c.TimestampMS == 0 && c.Token == "" }

var _ canonical.Lookup = Store(nil)
