// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	// ErrMalformed means the event lacks a field every record needs
	// (sender, room, event ID, or a relation target). Mapping is
	// aborted for that event only.
	ErrMalformed = errors.New("malformed event")

	// ErrUnsupported means the event type has no canonical form.
	ErrUnsupported = errors.New("unsupported event type")
)

// Conversation is the room context an event is mapped in.
type Conversation struct {
	RoomID  ref.RoomID
	Members []ref.UserID
}

// History finds recently seen raw events in memory.
type History interface {
	Find(roomID ref.RoomID, eventID ref.EventID) (messaging.Event, bool)
}

// Lookup finds previously stored records.
type Lookup interface {
	Lookup(ctx context.Context, accountID string, eventID ref.EventID) (*Event, error)
}

// Config holds the Mapper's collaborators. History and Store may be
// nil, in which case relations are only ever bare references.
type Config struct {
	AccountID string
	LocalUser ref.UserID
	History   History
	Store     Lookup
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Mapper translates raw Matrix events into canonical records.
type Mapper struct {
	accountID string
	localUser ref.UserID
	history   History
	store     Lookup
	clock     clock.Clock
	logger    *slog.Logger
}

// NewMapper creates a Mapper.
func NewMapper(config Config) *Mapper {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Mapper{
		accountID: config.AccountID,
		localUser: config.LocalUser,
		history:   config.History,
		store:     config.Store,
		clock:     config.Clock,
		logger:    config.Logger,
	}
}

// Map translates one timeline event. Ephemeral events go through
// [Mapper.MapReceipts] and [Mapper.MapTyping] instead.
func (m *Mapper) Map(ctx context.Context, raw messaging.Event, conversation Conversation) (Event, error) {
	event, err := m.base(raw, conversation)
	if err != nil {
		return Event{}, err
	}
	if raw.EventID.IsZero() {
		return Event{}, fmt.Errorf("canonical: %w: %s event has no event_id", ErrMalformed, raw.Type)
	}

	switch raw.Type {
	case schema.EventTypeMessage, schema.EventTypeSticker:
		err = m.mapMessage(ctx, raw, &event)
	case schema.EventTypeReaction:
		err = m.mapReaction(ctx, raw, &event)
	case schema.EventTypeRedaction:
		err = m.mapRedaction(ctx, raw, &event)
	case schema.EventTypeMember:
		err = mapMembership(raw, &event)
	case schema.EventTypeEncrypted:
		err = m.mapEncrypted(ctx, raw, &event)
	default:
		return Event{}, fmt.Errorf("canonical: %w: %s", ErrUnsupported, raw.Type)
	}
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// MapDecrypted maps the cleartext of a previously encrypted event. The
// result carries the encrypted event's identity and crypto metadata
// with Encrypted false, so an upsert replaces the placeholder.
func (m *Mapper) MapDecrypted(ctx context.Context, encrypted, decrypted messaging.Event, conversation Conversation) (Event, error) {
	decrypted.EventID = encrypted.EventID
	decrypted.Sender = encrypted.Sender
	decrypted.OriginServerTS = encrypted.OriginServerTS
	if decrypted.RoomID.IsZero() {
		decrypted.RoomID = encrypted.RoomID
	}
	if decrypted.Type == schema.EventTypeEncrypted {
		return Event{}, fmt.Errorf("canonical: decrypted %s is still ciphertext", encrypted.EventID)
	}

	event, err := m.Map(ctx, decrypted, conversation)
	if err != nil {
		return Event{}, err
	}
	var content schema.EncryptedContent
	if err := encrypted.DecodeContent(&content); err == nil {
		event.Crypto = cryptoMeta(content)
	}
	event.Encrypted = false
	return event, nil
}

// base fills the fields every record shares.
func (m *Mapper) base(raw messaging.Event, conversation Conversation) (Event, error) {
	roomID := raw.RoomID
	if roomID.IsZero() {
		roomID = conversation.RoomID
	}
	if roomID.IsZero() {
		return Event{}, fmt.Errorf("canonical: %w: %s event has no room", ErrMalformed, raw.Type)
	}
	if raw.Sender.IsZero() {
		return Event{}, fmt.Errorf("canonical: %w: %s event %s has no sender", ErrMalformed, raw.Type, raw.EventID)
	}
	return Event{
		Source:      Source,
		AccountID:   m.accountID,
		EventID:     raw.EventID,
		RoomID:      roomID,
		SenderID:    raw.Sender,
		RecipientID: m.recipient(raw.Sender, roomID, conversation.Members),
		TimestampMS: raw.OriginServerTS,
	}, nil
}

// recipient infers who an event is addressed to. In a two-member room
// that is the other party from the sender's point of view; anything
// larger is addressed to the room.
func (m *Mapper) recipient(sender ref.UserID, roomID ref.RoomID, members []ref.UserID) string {
	if len(members) != 2 || m.localUser.IsZero() {
		return roomID.String()
	}
	if sender != m.localUser {
		return m.localUser.String()
	}
	for _, member := range members {
		if member != m.localUser {
			return member.String()
		}
	}
	return roomID.String()
}

func (m *Mapper) mapMessage(ctx context.Context, raw messaging.Event, event *Event) error {
	var content schema.MessageContent
	if err := raw.DecodeContent(&content); err != nil {
		return fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}

	event.Type = TypeMessage
	body := content.Body
	if content.RelatesTo != nil && content.RelatesTo.RelType == schema.RelationReplace {
		if content.RelatesTo.EventID.IsZero() {
			return fmt.Errorf("canonical: %w: edit %s has no target", ErrMalformed, raw.EventID)
		}
		event.Type = TypeEdit
		if content.NewContent != nil {
			body = content.NewContent.Body
			content.MsgType = firstNonEmpty(content.NewContent.MsgType, content.MsgType)
			content.Format = content.NewContent.Format
			content.FormattedBody = content.NewContent.FormattedBody
		} else {
			body = strings.TrimPrefix(body, "* ")
		}
	}

	msgType := content.MsgType
	if raw.Type == schema.EventTypeSticker {
		msgType = "m.sticker"
	}
	event.Content = Content{
		Kind:          messageKind(msgType),
		Body:          firstNonEmpty(body, PlaceholderBody),
		MsgType:       msgType,
		Format:        content.Format,
		FormattedBody: content.FormattedBody,
		URL:           content.URL,
	}
	event.RelatesTo, event.Content.ThreadRoot = m.messageRelation(ctx, event.RoomID, content.RelatesTo)
	return nil
}

func (m *Mapper) mapReaction(ctx context.Context, raw messaging.Event, event *Event) error {
	var content schema.ReactionContent
	if err := raw.DecodeContent(&content); err != nil {
		return fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}
	if content.RelatesTo == nil || content.RelatesTo.EventID.IsZero() {
		return fmt.Errorf("canonical: %w: reaction %s has no target", ErrMalformed, raw.EventID)
	}
	event.Type = TypeReaction
	event.Content = Content{Kind: KindReaction, ReactionKey: content.RelatesTo.Key}
	event.RelatesTo = m.resolve(ctx, event.RoomID, content.RelatesTo.EventID, RelationAnnotation)
	return nil
}

func (m *Mapper) mapRedaction(ctx context.Context, raw messaging.Event, event *Event) error {
	var content schema.RedactionContent
	if len(raw.Content) > 0 {
		if err := raw.DecodeContent(&content); err != nil {
			return fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
		}
	}
	target := raw.Redacts
	if target.IsZero() {
		target = content.Redacts
	}
	if target.IsZero() {
		return fmt.Errorf("canonical: %w: redaction %s has no target", ErrMalformed, raw.EventID)
	}
	event.Type = TypeRedaction
	event.Content = Content{Kind: KindRedaction, Reason: content.Reason}
	event.RelatesTo = m.resolve(ctx, event.RoomID, target, RelationRedaction)
	return nil
}

func mapMembership(raw messaging.Event, event *Event) error {
	var content schema.MemberContent
	if err := raw.DecodeContent(&content); err != nil {
		return fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}
	event.Type = TypeMembership
	event.Content = Content{
		Kind:        KindMembership,
		Membership:  content.Membership,
		DisplayName: content.DisplayName,
		Reason:      content.Reason,
	}
	if raw.StateKey != nil {
		if subject, err := ref.ParseUserID(*raw.StateKey); err == nil {
			event.Content.Subject = subject
		}
	}
	return nil
}

// mapEncrypted produces the placeholder record. The m.relates_to block
// of an encrypted event stays in cleartext, so edits and reactions keep
// their type and target before decryption.
func (m *Mapper) mapEncrypted(ctx context.Context, raw messaging.Event, event *Event) error {
	var content schema.EncryptedContent
	if err := raw.DecodeContent(&content); err != nil {
		return fmt.Errorf("canonical: %w: %v", ErrMalformed, err)
	}
	event.Type = TypeMessage
	event.Encrypted = true
	event.Crypto = cryptoMeta(content)
	event.Content = Content{Kind: KindEncrypted, Body: PlaceholderBody}

	relation := content.RelatesTo
	if relation == nil {
		return nil
	}
	switch relation.RelType {
	case schema.RelationReplace:
		event.Type = TypeEdit
		if !relation.EventID.IsZero() {
			event.RelatesTo = m.resolve(ctx, event.RoomID, relation.EventID, RelationReplace)
		}
	case schema.RelationAnnotation:
		event.Type = TypeReaction
		if !relation.EventID.IsZero() {
			event.RelatesTo = m.resolve(ctx, event.RoomID, relation.EventID, RelationAnnotation)
		}
	default:
		event.RelatesTo, event.Content.ThreadRoot = m.messageRelation(ctx, event.RoomID, relation)
	}
	return nil
}

func cryptoMeta(content schema.EncryptedContent) *CryptoMeta {
	return &CryptoMeta{
		Algorithm: content.Algorithm,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		DeviceID:  content.DeviceID,
	}
}

// messageKind turns an msgtype into a content kind: "m.text" becomes
// "text". Unknown or missing msgtypes stay recognisable.
func messageKind(msgType string) string {
	if msgType == "" {
		return "text"
	}
	return strings.TrimPrefix(msgType, "m.")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
