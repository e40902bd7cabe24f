// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements the eventstore contract on PostgreSQL
// through gorm. Content, crypto metadata, and relations are stored as
// jsonb columns so downstream projections can query them directly.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/eventstore"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// eventRow is the matrix_events table.
type eventRow struct {
	IdentityKey    string  `gorm:"primaryKey;size:64"`
	Source         string  `gorm:"not null;uniqueIndex:matrix_events_event_id,where:event_id IS NOT NULL"`
	AccountID      string  `gorm:"not null;uniqueIndex:matrix_events_event_id;index:matrix_events_room_timeline,priority:1"`
	EventID        *string `gorm:"uniqueIndex:matrix_events_event_id"`
	RoomID         string  `gorm:"not null;index:matrix_events_room_timeline,priority:2"`
	SenderID       string  `gorm:"not null"`
	RecipientID    string  `gorm:"not null;default:''"`
	Type           string  `gorm:"not null;index:matrix_events_type_time,priority:1"`
	TimestampMS    int64   `gorm:"column:timestamp_ms;not null;index:matrix_events_room_timeline,priority:3;index:matrix_events_type_time,priority:2"`
	Encrypted      bool    `gorm:"not null"`
	RelatesEventID *string `gorm:"index:matrix_events_relates"`
	RelationKind   string  `gorm:"not null;default:''"`
	Content        datatypes.JSON
	Crypto         datatypes.JSON
	RelatesTo      datatypes.JSON
	IngestedAtMS   int64 `gorm:"column:ingested_at_ms;not null"`
	UpdatedAtMS    int64 `gorm:"column:updated_at_ms;not null"`
}

func (eventRow) TableName() string { return "matrix_events" }

// checkpointRow is the matrix_checkpoints table.
type checkpointRow struct {
	AccountID       string `gorm:"primaryKey"`
	RoomID          string `gorm:"primaryKey"`
	TimestampMS     int64  `gorm:"column:timestamp_ms;not null"`
	PaginationToken string `gorm:"not null;default:''"`
	UpdatedAtMS     int64  `gorm:"column:updated_at_ms;not null"`
}

func (checkpointRow) TableName() string { return "matrix_checkpoints" }

// Config configures a [Store].
type Config struct {
	DSN    string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is an [eventstore.Store] on PostgreSQL.
type Store struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *slog.Logger
}

var _ eventstore.Store = (*Store)(nil)

// Open connects to PostgreSQL and migrates the schema.
func Open(config Config) (*Store, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("pgstore: DSN is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(config.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: connecting: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}, &checkpointRow{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("pgstore: migrating schema: %w", err)
	}
	config.Logger.Info("postgres event store opened")
	return &Store{db: db, clock: config.Clock, logger: config.Logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("pgstore: %w", err)
	}
	return sqlDB.Close()
}

// Upsert implements [eventstore.Store].
func (s *Store) Upsert(ctx context.Context, event *canonical.Event) error {
	row, err := newEventRow(event, s.clock.Now().UnixMilli())
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "identity_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"room_id":          gorm.Expr("excluded.room_id"),
				"sender_id":        gorm.Expr("excluded.sender_id"),
				"recipient_id":     gorm.Expr("excluded.recipient_id"),
				"type":             gorm.Expr("excluded.type"),
				"timestamp_ms":     gorm.Expr("excluded.timestamp_ms"),
				"encrypted":        gorm.Expr("excluded.encrypted"),
				"relates_event_id": gorm.Expr("excluded.relates_event_id"),
				"relation_kind":    gorm.Expr("excluded.relation_kind"),
				"content":          gorm.Expr("excluded.content"),
				"crypto":           gorm.Expr("excluded.crypto"),
				"relates_to":       gorm.Expr("excluded.relates_to"),
				"updated_at_ms":    gorm.Expr("GREATEST(excluded.updated_at_ms, matrix_events.updated_at_ms)"),
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "NOT (excluded.encrypted AND NOT matrix_events.encrypted)"},
			}},
		},
		clause.Returning{Columns: []clause.Column{{Name: "ingested_at_ms"}, {Name: "updated_at_ms"}}},
	).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("pgstore: upsert %s %s: %w", event.Type, row.IdentityKey, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("placeholder ignored, record already decrypted",
			"event_id", event.EventID,
			"room_id", event.RoomID,
		)
		return nil
	}
	event.IngestedAtMS = row.IngestedAtMS
	event.UpdatedAtMS = row.UpdatedAtMS
	return nil
}

// Lookup implements [eventstore.Store].
func (s *Store) Lookup(ctx context.Context, accountID string, eventID ref.EventID) (*canonical.Event, error) {
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("source = ? AND account_id = ? AND event_id = ?", canonical.Source, accountID, eventID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: lookup %s: %w", eventID, err)
	}
	event, err := row.event()
	if err != nil {
		return nil, fmt.Errorf("pgstore: lookup %s: %w", eventID, err)
	}
	return event, nil
}

// Checkpoint implements [eventstore.Store].
func (s *Store) Checkpoint(ctx context.Context, accountID string, roomID ref.RoomID) (eventstore.Checkpoint, error) {
	checkpoint := eventstore.Checkpoint{AccountID: accountID, RoomID: roomID}
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND room_id = ?", accountID, roomID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return checkpoint, nil
	}
	if err != nil {
		return eventstore.Checkpoint{}, fmt.Errorf("pgstore: checkpoint %s: %w", roomID, err)
	}
	checkpoint.TimestampMS = row.TimestampMS
	checkpoint.Token = row.PaginationToken
	checkpoint.UpdatedAtMS = row.UpdatedAtMS
	return checkpoint, nil
}

// SaveCheckpoint implements [eventstore.Store].
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint eventstore.Checkpoint) error {
	row := checkpointRow{
		AccountID:       checkpoint.AccountID,
		RoomID:          checkpoint.RoomID.String(),
		TimestampMS:     checkpoint.TimestampMS,
		PaginationToken: checkpoint.Token,
		UpdatedAtMS:     s.clock.Now().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "room_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"timestamp_ms":     gorm.Expr("GREATEST(excluded.timestamp_ms, matrix_checkpoints.timestamp_ms)"),
			"pagination_token": gorm.Expr("excluded.pagination_token"),
			"updated_at_ms":    gorm.Expr("excluded.updated_at_ms"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("pgstore: save checkpoint %s: %w", checkpoint.RoomID, err)
	}
	return nil
}

func newEventRow(event *canonical.Event, nowMS int64) (eventRow, error) {
	if event.RoomID.IsZero() || event.SenderID.IsZero() {
		return eventRow{}, fmt.Errorf("pgstore: %s event is missing room or sender", event.Type)
	}
	content, err := json.Marshal(event.Content)
	if err != nil {
		return eventRow{}, fmt.Errorf("pgstore: encoding content: %w", err)
	}
	row := eventRow{
		IdentityKey:  eventstore.IdentityKey(event),
		Source:       event.Source,
		AccountID:    event.AccountID,
		RoomID:       event.RoomID.String(),
		SenderID:     event.SenderID.String(),
		RecipientID:  event.RecipientID,
		Type:         string(event.Type),
		TimestampMS:  event.TimestampMS,
		Encrypted:    event.Encrypted,
		Content:      datatypes.JSON(content),
		IngestedAtMS: nowMS,
		UpdatedAtMS:  nowMS,
	}
	if !event.EventID.IsZero() {
		eventID := event.EventID.String()
		row.EventID = &eventID
	}
	if event.Crypto != nil {
		crypto, err := json.Marshal(event.Crypto)
		if err != nil {
			return eventRow{}, fmt.Errorf("pgstore: encoding crypto metadata: %w", err)
		}
		row.Crypto = datatypes.JSON(crypto)
	}
	if event.RelatesTo != nil {
		relatesTo, err := json.Marshal(event.RelatesTo)
		if err != nil {
			return eventRow{}, fmt.Errorf("pgstore: encoding relation: %w", err)
		}
		row.RelatesTo = datatypes.JSON(relatesTo)
		relatesEventID := event.RelatesTo.EventID.String()
		row.RelatesEventID = &relatesEventID
		row.RelationKind = string(event.RelatesTo.Kind)
	}
	return row, nil
}

func (row *eventRow) event() (*canonical.Event, error) {
	roomID, err := ref.ParseRoomID(row.RoomID)
	if err != nil {
		return nil, fmt.Errorf("stored room_id: %w", err)
	}
	senderID, err := ref.ParseUserID(row.SenderID)
	if err != nil {
		return nil, fmt.Errorf("stored sender_id: %w", err)
	}
	event := &canonical.Event{
		Source:       row.Source,
		AccountID:    row.AccountID,
		RoomID:       roomID,
		SenderID:     senderID,
		RecipientID:  row.RecipientID,
		TimestampMS:  row.TimestampMS,
		Type:         canonical.Type(row.Type),
		Encrypted:    row.Encrypted,
		IngestedAtMS: row.IngestedAtMS,
		UpdatedAtMS:  row.UpdatedAtMS,
	}
	if row.EventID != nil {
		if event.EventID, err = ref.ParseEventID(*row.EventID); err != nil {
			return nil, fmt.Errorf("stored event_id: %w", err)
		}
	}
	if err := json.Unmarshal(row.Content, &event.Content); err != nil {
		return nil, fmt.Errorf("stored content: %w", err)
	}
	if len(row.Crypto) > 0 && string(row.Crypto) != "null" {
		event.Crypto = &canonical.CryptoMeta{}
		if err := json.Unmarshal(row.Crypto, event.Crypto); err != nil {
			return nil, fmt.Errorf("stored crypto: %w", err)
		}
	}
	if len(row.RelatesTo) > 0 && string(row.RelatesTo) != "null" {
		event.RelatesTo = &canonical.Relation{}
		if err := json.Unmarshal(row.RelatesTo, event.RelatesTo); err != nil {
			return nil, fmt.Errorf("stored relation: %w", err)
		}
	}
	return event, nil
}
