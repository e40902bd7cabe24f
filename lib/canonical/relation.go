// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"context"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
)

// messageRelation resolves the m.relates_to block of a message that is
// not an edit. Replies and references point at their target; a thread
// message points at the event it replies to, or at the root when the
// reply is only the thread fallback. The second result is the thread
// root, zero outside threads.
func (m *Mapper) messageRelation(ctx context.Context, roomID ref.RoomID, relatesTo *schema.RelatesTo) (*Relation, ref.EventID) {
	if relatesTo == nil {
		return nil, ref.EventID{}
	}

	var threadRoot ref.EventID
	target := relatesTo.EventID
	switch relatesTo.RelType {
	case schema.RelationThread:
		threadRoot = relatesTo.EventID
		if relatesTo.InReplyTo != nil && !relatesTo.IsFallingBack && !relatesTo.InReplyTo.EventID.IsZero() {
			target = relatesTo.InReplyTo.EventID
		}
	case schema.RelationReference:
	case "":
		if relatesTo.InReplyTo != nil {
			target = relatesTo.InReplyTo.EventID
		}
	default:
		return nil, ref.EventID{}
	}

	if target.IsZero() {
		return nil, threadRoot
	}
	return m.resolve(ctx, roomID, target, RelationReference), threadRoot
}

// resolve builds a relation to target, enriched from local history
// first and the durable store second. Neither source is required: a
// miss or a lookup error yields a bare reference.
func (m *Mapper) resolve(ctx context.Context, roomID ref.RoomID, target ref.EventID, kind RelationKind) *Relation {
	relation := &Relation{EventID: target, Kind: kind}

	if m.history != nil {
		if raw, ok := m.history.Find(roomID, target); ok {
			relation.Sender = raw.Sender
			if raw.Type == schema.EventTypeMessage || raw.Type == schema.EventTypeSticker {
				var content schema.MessageContent
				if err := raw.DecodeContent(&content); err == nil {
					relation.Body = content.Body
				}
			}
			return relation
		}
	}

	if m.store != nil {
		stored, err := m.store.Lookup(ctx, m.accountID, target)
		if err != nil {
			m.logger.Debug("relation lookup failed",
				"room_id", roomID,
				"target", target,
				"error", err,
			)
			return relation
		}
		if stored != nil {
			relation.Sender = stored.SenderID
			if !stored.IsPlaceholder() {
				relation.Body = stored.Content.Body
			}
		}
	}
	return relation
}
