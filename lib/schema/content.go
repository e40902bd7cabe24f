// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// MessageContent is the content of m.room.message and m.sticker. For
// an edit, RelatesTo.RelType is m.replace and NewContent holds the
// replacement; Body then carries the "* new text" fallback.
type MessageContent struct {
	MsgType       string          `json:"msgtype,omitempty"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	URL           string          `json:"url,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// RelatesTo is the m.relates_to block. A plain reply has no RelType
// and only InReplyTo; a threaded message has RelType m.thread with the
// root in EventID.
type RelatesTo struct {
	RelType       string      `json:"rel_type,omitempty"`
	EventID       ref.EventID `json:"event_id,omitzero"`
	Key           string      `json:"key,omitempty"`
	IsFallingBack bool        `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo names the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// ReactionContent is the content of m.reaction.
type ReactionContent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// RedactionContent is the content of m.room.redaction. Room versions
// 11 and later move Redacts from the event top level into content.
type RedactionContent struct {
	Redacts ref.EventID `json:"redacts,omitzero"`
	Reason  string      `json:"reason,omitempty"`
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// EncryptedContent is the content of m.room.encrypted. Ciphertext is a
// string for megolm and an object keyed by recipient curve25519 key
// for olm, so it stays raw.
type EncryptedContent struct {
	Algorithm  string          `json:"algorithm"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	SenderKey  string          `json:"sender_key,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
}

// ReceiptContent is the content of m.receipt:
// event ID → receipt type → user ID → receipt.
type ReceiptContent map[string]map[string]map[string]Receipt

// Receipt is one user's receipt for one event.
type Receipt struct {
	Timestamp int64  `json:"ts,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// TypingContent is the content of m.typing: the complete set of users
// currently typing in the room.
type TypingContent struct {
	UserIDs []ref.UserID `json:"user_ids"`
}
