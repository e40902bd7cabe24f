// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// MapReceipts expands one m.receipt ephemeral event into a record per
// (target event, receipt type, user). Entries with unparseable IDs are
// skipped. The records have no event ID; their identity is the
// composite (type, room, user, target).
func (m *Mapper) MapReceipts(raw messaging.Event, conversation Conversation) ([]Event, error) {
	if conversation.RoomID.IsZero() {
		return nil, fmt.Errorf("canonical: %w: receipt has no room", ErrMalformed)
	}
	var content schema.ReceiptContent
	if err := raw.DecodeContent(&content); err != nil {
		return nil, fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}

	var events []Event
	for rawTarget, byType := range content {
		target, err := ref.ParseEventID(rawTarget)
		if err != nil {
			continue
		}
		for receiptType, byUser := range byType {
			for rawUser, receipt := range byUser {
				user, err := ref.ParseUserID(rawUser)
				if err != nil {
					continue
				}
				timestamp := receipt.Timestamp
				if timestamp == 0 {
					timestamp = m.clock.Now().UnixMilli()
				}
				events = append(events, Event{
					Source:      Source,
					AccountID:   m.accountID,
					RoomID:      conversation.RoomID,
					SenderID:    user,
					RecipientID: m.recipient(user, conversation.RoomID, conversation.Members),
					TimestampMS: timestamp,
					Type:        TypeReceipt,
					RelatesTo:   &Relation{EventID: target, Kind: RelationReference},
					Content: Content{
						Kind:        KindReceipt,
						ReceiptType: receiptType,
						ThreadID:    receipt.ThreadID,
					},
				})
			}
		}
	}
	// Map iteration order is random; callers and tests want a stable one.
	slices.SortFunc(events, func(a, b Event) int {
		if c := cmp.Compare(a.RelatesTo.EventID.String(), b.RelatesTo.EventID.String()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.SenderID.String(), b.SenderID.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.Content.ReceiptType, b.Content.ReceiptType)
	})
	return events, nil
}

// MapTyping maps an m.typing ephemeral event to the room's current
// typing state. The record is attributed to the local account, so each
// room has exactly one typing record that later notifications update.
func (m *Mapper) MapTyping(raw messaging.Event, conversation Conversation) (Event, error) {
	if conversation.RoomID.IsZero() {
		return Event{}, fmt.Errorf("canonical: %w: typing notification has no room", ErrMalformed)
	}
	if m.localUser.IsZero() {
		return Event{}, fmt.Errorf("canonical: %w: typing needs a local user", ErrMalformed)
	}
	var content schema.TypingContent
	if err := raw.DecodeContent(&content); err != nil {
		return Event{}, fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}
	typing := slices.Clone(content.UserIDs)
	slices.SortFunc(typing, func(a, b ref.UserID) int { return cmp.Compare(a.String(), b.String()) })

	return Event{
		Source:      Source,
		AccountID:   m.accountID,
		RoomID:      conversation.RoomID,
		SenderID:    m.localUser,
		RecipientID: conversation.RoomID.String(),
		TimestampMS: m.clock.Now().UnixMilli(),
		Type:        TypeTyping,
		Content:     Content{Kind: KindTyping, Typing: typing},
	}, nil
}
