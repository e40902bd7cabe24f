// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

// Source identifies the bridged protocol in every record.
const Source = "matrix"

// PlaceholderBody stands in for message content that is not available
// in cleartext. Stored records never carry an empty body for message,
// edit, or placeholder events.
const PlaceholderBody = "[encrypted message: waiting for keys]"

// Type is the canonical event type.
type Type string

const (
	TypeMessage    Type = "message"
	TypeReaction   Type = "reaction"
	TypeReceipt    Type = "receipt"
	TypeEdit       Type = "edit"
	TypeRedaction  Type = "redaction"
	TypeTyping     Type = "typing"
	TypeMembership Type = "membership"
)

// RelationKind classifies the link between an event and its target.
type RelationKind string

const (
	RelationAnnotation RelationKind = "annotation"
	RelationReplace    RelationKind = "replace"
	RelationRedaction  RelationKind = "redaction"
	RelationReference  RelationKind = "reference"
)

// Event is the normalized record for one piece of protocol activity.
type Event struct {
	Source    string      `json:"source"`
	AccountID string      `json:"account_id"`
	EventID   ref.EventID `json:"event_id,omitzero"`
	RoomID    ref.RoomID  `json:"room_id"`
	SenderID  ref.UserID  `json:"sender_id"`

	// RecipientID is the other member of a two-party room, or the room
	// ID for larger rooms.
	RecipientID string `json:"recipient_id,omitempty"`

	TimestampMS int64 `json:"timestamp_ms"`
	Type        Type  `json:"type"`

	Encrypted bool        `json:"encrypted"`
	Crypto    *CryptoMeta `json:"crypto,omitempty"`
	RelatesTo *Relation   `json:"relates_to,omitempty"`
	Content   Content     `json:"content"`

	// Set by the store.
	IngestedAtMS int64 `json:"ingested_at_ms,omitempty"`
	UpdatedAtMS  int64 `json:"updated_at_ms,omitempty"`
}

// CryptoMeta records the megolm coordinates of an encrypted event. It
// is kept after decryption so the record still shows which session
// protected it.
type CryptoMeta struct {
	Algorithm string `json:"algorithm"`
	SessionID string `json:"session_id,omitempty"`
	SenderKey string `json:"sender_key,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Relation points at the event this one relates to. Sender and Body
// are filled in when the target was found locally; a bare reference
// has only EventID and Kind.
type Relation struct {
	EventID ref.EventID  `json:"event_id"`
	Kind    RelationKind `json:"kind"`
	Sender  ref.UserID   `json:"sender,omitzero"`
	Body    string       `json:"body,omitempty"`
}

// Resolved reports whether the relation target was found.
func (r *Relation) Resolved() bool { return !r.Sender.IsZero() }

// Content is the type-tagged payload. Kind says which of the remaining
// fields are meaningful.
type Content struct {
	Kind string `json:"kind"`

	Body          string `json:"body,omitempty"`
	MsgType       string `json:"msgtype,omitempty"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
	URL           string `json:"url,omitempty"`

	ThreadRoot ref.EventID `json:"thread_root,omitzero"`

	ReactionKey string `json:"reaction_key,omitempty"`

	ReceiptType string `json:"receipt_type,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`

	Membership  string     `json:"membership,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Subject     ref.UserID `json:"subject,omitzero"`

	Typing []ref.UserID `json:"typing,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Content kinds that are not derived from a msgtype.
const (
	KindEncrypted  = "encrypted"
	KindReaction   = "reaction"
	KindReceipt    = "receipt"
	KindRedaction  = "redaction"
	KindMembership = "membership"
	KindTyping     = "typing"
)

// IsPlaceholder reports whether the record still stands in for
// undecrypted content.
func (e *Event) IsPlaceholder() bool { return e.Encrypted }

// Identity is the uniqueness tuple of an event. When EventID is set
// the remaining composite fields are left empty.
type Identity struct {
	Source         string
	AccountID      string
	EventID        ref.EventID
	Type           Type
	RoomID         ref.RoomID
	SenderID       ref.UserID
	RelatesEventID ref.EventID
}

// Identity returns the event's uniqueness tuple.
func (e *Event) Identity() Identity {
	if !e.EventID.IsZero() {
		return Identity{Source: e.Source, AccountID: e.AccountID, EventID: e.EventID}
	}
	identity := Identity{
		Source:    e.Source,
		AccountID: e.AccountID,
		Type:      e.Type,
		RoomID:    e.RoomID,
		SenderID:  e.SenderID,
	}
	if e.RelatesTo != nil {
		identity.RelatesEventID = e.RelatesTo.EventID
	}
	return identity
}

// RelatesEventID returns the relation target or the zero EventID.
func (e *Event) RelatesEventID() ref.EventID {
	if e.RelatesTo == nil {
		return ref.EventID{}
	}
	return e.RelatesTo.EventID
}
