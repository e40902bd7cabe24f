// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
)

// Envelope is the flat message consumers receive. Field names follow
// the format consumers already parse, so they differ from the stored
// record's.
type Envelope struct {
	Source    string `json:"source"`
	Account   string `json:"account"`
	EventID   string `json:"event_id,omitempty"`
	Sender    string `json:"sender"`
	Room      string `json:"room"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`

	// Body repeats Content.Body for consumers that only read text.
	Body    string            `json:"body,omitempty"`
	Content canonical.Content `json:"content"`

	RelatesTo *RelatesTo `json:"relates_to,omitempty"`

	// WasEncrypted marks content that arrived end-to-end encrypted.
	WasEncrypted bool `json:"was_encrypted,omitempty"`
}

// RelatesTo is the flattened relation.
type RelatesTo struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	Sender  string `json:"sender,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Flatten converts a canonical event to its envelope.
func Flatten(event canonical.Event) Envelope {
	envelope := Envelope{
		Source:       event.Source,
		Account:      event.AccountID,
		EventID:      event.EventID.String(),
		Sender:       event.SenderID.String(),
		Room:         event.RoomID.String(),
		Recipient:    event.RecipientID,
		Timestamp:    event.TimestampMS,
		Type:         string(event.Type),
		Body:         event.Content.Body,
		Content:      event.Content,
		WasEncrypted: event.Crypto != nil,
	}
	if event.RelatesTo != nil {
		envelope.RelatesTo = &RelatesTo{
			EventID: event.RelatesTo.EventID.String(),
			Kind:    string(event.RelatesTo.Kind),
			Sender:  event.RelatesTo.Sender.String(),
			Body:    event.RelatesTo.Body,
		}
	}
	return envelope
}
