// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	identity_key     TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	event_id         TEXT,
	room_id          TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	recipient_id     TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL,
	timestamp_ms     INTEGER NOT NULL,
	encrypted        INTEGER NOT NULL,
	relates_event_id TEXT,
	relation_kind    TEXT NOT NULL DEFAULT '',
	document         TEXT NOT NULL,
	ingested_at_ms   INTEGER NOT NULL,
	updated_at_ms    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_event_id
	ON events (source, account_id, event_id) WHERE event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS events_room_timeline
	ON events (account_id, room_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS events_relates
	ON events (relates_event_id) WHERE relates_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS events_type_time
	ON events (type, timestamp_ms);

CREATE TABLE IF NOT EXISTS checkpoints (
	account_id       TEXT NOT NULL,
	room_id          TEXT NOT NULL,
	timestamp_ms     INTEGER NOT NULL,
	pagination_token TEXT NOT NULL DEFAULT '',
	updated_at_ms    INTEGER NOT NULL,
	PRIMARY KEY (account_id, room_id)
);
`

// SQLiteConfig configures a [SQLiteStore].
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLiteStore is the default [Store], backed by a WAL-mode SQLite
// database.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at config.Path
// and applies the schema.
func OpenSQLite(config SQLiteConfig) (*SQLiteStore, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: poolSize,
		Schema:   sqliteSchema,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}
	return &SQLiteStore{pool: pool, clock: config.Clock, logger: config.Logger}, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// The DO UPDATE WHERE clause keeps a placeholder from replacing a
// decrypted row; when it suppresses the update, RETURNING yields no
// row.
const upsertEventQuery = `
INSERT INTO events (
	identity_key, source, account_id, event_id, room_id, sender_id,
	recipient_id, type, timestamp_ms, encrypted, relates_event_id,
	relation_kind, document, ingested_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (identity_key) DO UPDATE SET
	room_id          = excluded.room_id,
	sender_id        = excluded.sender_id,
	recipient_id     = excluded.recipient_id,
	type             = excluded.type,
	timestamp_ms     = excluded.timestamp_ms,
	encrypted        = excluded.encrypted,
	relates_event_id = excluded.relates_event_id,
	relation_kind    = excluded.relation_kind,
	document         = excluded.document,
	updated_at_ms    = max(excluded.updated_at_ms, events.updated_at_ms)
WHERE NOT (excluded.encrypted = 1 AND events.encrypted = 0)
RETURNING ingested_at_ms, updated_at_ms
`

// Upsert implements [Store].
func (s *SQLiteStore) Upsert(ctx context.Context, event *canonical.Event) error {
	row, err := newEventRow(event, s.clock.Now().UnixMilli())
	if err != nil {
		return err
	}

	returned := false
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, upsertEventQuery, &sqlitex.ExecOptions{
			Args: []any{
				row.identityKey, event.Source, event.AccountID, row.eventID,
				event.RoomID.String(), event.SenderID.String(), event.RecipientID,
				string(event.Type), event.TimestampMS, event.Encrypted, row.relatesEventID,
				row.relationKind, row.document, row.nowMS, row.nowMS,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				returned = true
				event.IngestedAtMS = stmt.ColumnInt64(0)
				event.UpdatedAtMS = stmt.ColumnInt64(1)
				return nil
			},
		})
	})
	if err != nil {
		return fmt.Errorf("eventstore: upsert %s %s: %w", event.Type, row.identityKey, err)
	}
	if !returned {
		s.logger.Debug("placeholder ignored, record already decrypted",
			"event_id", event.EventID,
			"room_id", event.RoomID,
		)
	}
	return nil
}

// Lookup implements [Store].
func (s *SQLiteStore) Lookup(ctx context.Context, accountID string, eventID ref.EventID) (*canonical.Event, error) {
	var found *canonical.Event
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT document, ingested_at_ms, updated_at_ms FROM events
			 WHERE source = ? AND account_id = ? AND event_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{canonical.Source, accountID, eventID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var event canonical.Event
					if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &event); err != nil {
						return fmt.Errorf("decoding document: %w", err)
					}
					event.IngestedAtMS = stmt.ColumnInt64(1)
					event.UpdatedAtMS = stmt.ColumnInt64(2)
					found = &event
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: lookup %s: %w", eventID, err)
	}
	return found, nil
}

// Checkpoint implements [Store].
func (s *SQLiteStore) Checkpoint(ctx context.Context, accountID string, roomID ref.RoomID) (Checkpoint, error) {
	checkpoint := Checkpoint{AccountID: accountID, RoomID: roomID}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT timestamp_ms, pagination_token, updated_at_ms FROM checkpoints
			 WHERE account_id = ? AND room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{accountID, roomID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					checkpoint.TimestampMS = stmt.ColumnInt64(0)
					checkpoint.Token = stmt.ColumnText(1)
					checkpoint.UpdatedAtMS = stmt.ColumnInt64(2)
					return nil
				},
			})
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("eventstore: checkpoint %s: %w", roomID, err)
	}
	return checkpoint, nil
}

// SaveCheckpoint implements [Store].
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO checkpoints (account_id, room_id, timestamp_ms, pagination_token, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, room_id) DO UPDATE SET
				timestamp_ms     = max(excluded.timestamp_ms, checkpoints.timestamp_ms),
				pagination_token = excluded.pagination_token,
				updated_at_ms    = excluded.updated_at_ms`,
			&sqlitex.ExecOptions{
				Args: []any{
					checkpoint.AccountID, checkpoint.RoomID.String(), checkpoint.TimestampMS,
					checkpoint.Token, s.clock.Now().UnixMilli(),
				},
			})
	})
	if err != nil {
		return fmt.Errorf("eventstore: save checkpoint %s: %w", checkpoint.RoomID, err)
	}
	return nil
}

// eventRow holds the column values derived from an event.
type eventRow struct {
	identityKey    string
	eventID        any
	relatesEventID any
	relationKind   string
	document       string
	nowMS          int64
}

func newEventRow(event *canonical.Event, nowMS int64) (eventRow, error) {
	if event.RoomID.IsZero() || event.SenderID.IsZero() {
		return eventRow{}, fmt.Errorf("eventstore: %s event is missing room or sender", event.Type)
	}
	// The document is the event minus the store-managed timestamps,
	// which live in their own columns.
	stored := *event
	stored.IngestedAtMS = 0
	stored.UpdatedAtMS = 0
	document, err := json.Marshal(&stored)
	if err != nil {
		return eventRow{}, fmt.Errorf("eventstore: encoding %s event: %w", event.Type, err)
	}

	row := eventRow{
		identityKey: IdentityKey(event),
		document:    string(document),
		nowMS:       nowMS,
	}
	if !event.EventID.IsZero() {
		row.eventID = event.EventID.String()
	}
	if event.RelatesTo != nil {
		row.relatesEventID = event.RelatesTo.EventID.String()
		row.relationKind = string(event.RelatesTo.Kind)
	}
	return row, nil
}
