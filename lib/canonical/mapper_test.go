// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	testRoom  = ref.MustParseRoomID("!R:local")
	localUser = ref.MustParseUserID("@acct:local")
	alice     = ref.MustParseUserID("@alice:local")
	bob       = ref.MustParseUserID("@bob:local")
)

func rawEvent(t *testing.T, eventType ref.EventType, eventID string, sender ref.UserID, timestamp int64, content any) messaging.Event {
	t.Helper()
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshaling content: %v", err)
	}
	event := messaging.Event{
		Type:           eventType,
		Sender:         sender,
		OriginServerTS: timestamp,
		Content:        data,
	}
	if eventID != "" {
		event.EventID = ref.MustParseEventID(eventID)
	}
	return event
}

type mapHistory map[ref.EventID]messaging.Event

func (h mapHistory) Find(_ ref.RoomID, eventID ref.EventID) (messaging.Event, bool) {
	event, ok := h[eventID]
	return event, ok
}

type stubLookup struct {
	events map[ref.EventID]*Event
	err    error
	calls  int
}

func (s *stubLookup) Lookup(_ context.Context, _ string, eventID ref.EventID) (*Event, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.events[eventID], nil
}

func newTestMapper(history History, lookup Lookup) *Mapper {
	return NewMapper(Config{
		AccountID: "acct",
		LocalUser: localUser,
		History:   history,
		Store:     lookup,
		Clock:     clock.Fake(time.UnixMilli(5000)),
	})
}

func TestMapMessage(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := rawEvent(t, schema.EventTypeMessage, "$E1", alice, 1000,
		schema.MessageContent{MsgType: "m.text", Body: "hi"})

	event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Source != Source || event.AccountID != "acct" {
		t.Errorf("source/account = %q/%q", event.Source, event.AccountID)
	}
	if event.EventID.String() != "$E1" || event.RoomID != testRoom || event.SenderID != alice {
		t.Errorf("identity fields = %+v", event)
	}
	if event.Type != TypeMessage || event.Content.Body != "hi" || event.Content.Kind != "text" {
		t.Errorf("content = %+v (type %s)", event.Content, event.Type)
	}
	if event.TimestampMS != 1000 {
		t.Errorf("TimestampMS = %d", event.TimestampMS)
	}
	if event.Encrypted || event.RelatesTo != nil {
		t.Errorf("unexpected encrypted/relation: %+v", event)
	}
	identity := event.Identity()
	if identity != (Identity{Source: Source, AccountID: "acct", EventID: ref.MustParseEventID("$E1")}) {
		t.Errorf("Identity = %+v", identity)
	}
}

func TestMapEmptyBodyUsesPlaceholder(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := rawEvent(t, schema.EventTypeMessage, "$E1", alice, 1000, schema.MessageContent{MsgType: "m.image"})

	event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Content.Body != PlaceholderBody || event.Content.Kind != "image" {
		t.Errorf("content = %+v", event.Content)
	}
}

func TestMapEditIsAdditive(t *testing.T) {
	history := mapHistory{}
	original := rawEvent(t, schema.EventTypeMessage, "$E1", alice, 1000, schema.MessageContent{MsgType: "m.text", Body: "hi"})
	history[original.EventID] = original
	mapper := newTestMapper(history, nil)

	edit := rawEvent(t, schema.EventTypeMessage, "$E2", alice, 2000, schema.MessageContent{
		MsgType:    "m.text",
		Body:       "* hi!",
		NewContent: &schema.MessageContent{MsgType: "m.text", Body: "hi!"},
		RelatesTo:  &schema.RelatesTo{RelType: schema.RelationReplace, EventID: original.EventID},
	})

	event, err := mapper.Map(context.Background(), edit, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Type != TypeEdit || event.Content.Body != "hi!" {
		t.Errorf("edit = type %s body %q", event.Type, event.Content.Body)
	}
	if event.RelatesTo == nil || event.RelatesTo.EventID != original.EventID || event.RelatesTo.Kind != RelationReplace {
		t.Fatalf("RelatesTo = %+v", event.RelatesTo)
	}
	if event.RelatesTo.Sender != alice || event.RelatesTo.Body != "hi" {
		t.Errorf("relation not enriched from history: %+v", event.RelatesTo)
	}
	if event.Identity() == (Identity{Source: Source, AccountID: "acct", EventID: original.EventID}) {
		t.Error("edit must not share the original's identity")
	}
}

func TestMapEditWithoutNewContentStripsFallback(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	edit := rawEvent(t, schema.EventTypeMessage, "$E2", alice, 2000, schema.MessageContent{
		Body:      "* fixed",
		RelatesTo: &schema.RelatesTo{RelType: schema.RelationReplace, EventID: ref.MustParseEventID("$E1")},
	})
	event, err := mapper.Map(context.Background(), edit, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Content.Body != "fixed" {
		t.Errorf("Body = %q", event.Content.Body)
	}
}

func TestMapReplyFallsBackToStore(t *testing.T) {
	target := ref.MustParseEventID("$old")
	lookup := &stubLookup{events: map[ref.EventID]*Event{
		target: {SenderID: bob, Content: Content{Body: "earlier"}},
	}}
	mapper := newTestMapper(mapHistory{}, lookup)

	reply := rawEvent(t, schema.EventTypeMessage, "$E3", alice, 3000, schema.MessageContent{
		Body:      "answer",
		RelatesTo: &schema.RelatesTo{InReplyTo: &schema.InReplyTo{EventID: target}},
	})
	event, err := mapper.Map(context.Background(), reply, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.RelatesTo == nil || event.RelatesTo.Kind != RelationReference {
		t.Fatalf("RelatesTo = %+v", event.RelatesTo)
	}
	if event.RelatesTo.Sender != bob || event.RelatesTo.Body != "earlier" {
		t.Errorf("relation not enriched from store: %+v", event.RelatesTo)
	}
	if lookup.calls != 1 {
		t.Errorf("store lookups = %d, want 1", lookup.calls)
	}
}

func TestMapLookupErrorDegradesToBareReference(t *testing.T) {
	lookup := &stubLookup{err: errors.New("database is locked")}
	mapper := newTestMapper(nil, lookup)

	reaction := rawEvent(t, schema.EventTypeReaction, "$R1", alice, 3000, schema.ReactionContent{
		RelatesTo: &schema.RelatesTo{RelType: schema.RelationAnnotation, EventID: ref.MustParseEventID("$E1"), Key: "👍"},
	})
	event, err := mapper.Map(context.Background(), reaction, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Type != TypeReaction || event.Content.ReactionKey != "👍" {
		t.Errorf("reaction = %+v", event)
	}
	if event.RelatesTo.EventID.String() != "$E1" || event.RelatesTo.Resolved() {
		t.Errorf("expected bare reference, got %+v", event.RelatesTo)
	}
}

func TestMapThreadReply(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	root := ref.MustParseEventID("$root")
	parent := ref.MustParseEventID("$parent")

	tests := []struct {
		name       string
		relatesTo  schema.RelatesTo
		wantTarget ref.EventID
	}{
		{
			name:       "explicit reply",
			relatesTo:  schema.RelatesTo{RelType: schema.RelationThread, EventID: root, InReplyTo: &schema.InReplyTo{EventID: parent}},
			wantTarget: parent,
		},
		{
			name:       "fallback reply",
			relatesTo:  schema.RelatesTo{RelType: schema.RelationThread, EventID: root, IsFallingBack: true, InReplyTo: &schema.InReplyTo{EventID: parent}},
			wantTarget: root,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			relatesTo := test.relatesTo
			raw := rawEvent(t, schema.EventTypeMessage, "$T1", alice, 1, schema.MessageContent{Body: "in thread", RelatesTo: &relatesTo})
			event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if event.Content.ThreadRoot != root {
				t.Errorf("ThreadRoot = %s", event.Content.ThreadRoot)
			}
			if event.RelatesTo == nil || event.RelatesTo.EventID != test.wantTarget {
				t.Errorf("RelatesTo = %+v, want target %s", event.RelatesTo, test.wantTarget)
			}
		})
	}
}

func TestMapRedaction(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	target := ref.MustParseEventID("$E1")

	topLevel := rawEvent(t, schema.EventTypeRedaction, "$X1", alice, 1, schema.RedactionContent{Reason: "spam"})
	topLevel.Redacts = target
	inContent := rawEvent(t, schema.EventTypeRedaction, "$X2", alice, 1, schema.RedactionContent{Redacts: target})

	for _, raw := range []messaging.Event{topLevel, inContent} {
		event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
		if err != nil {
			t.Fatalf("Map(%s) failed: %v", raw.EventID, err)
		}
		if event.Type != TypeRedaction || event.RelatesTo.EventID != target || event.RelatesTo.Kind != RelationRedaction {
			t.Errorf("Map(%s) = %+v", raw.EventID, event)
		}
	}

	missing := rawEvent(t, schema.EventTypeRedaction, "$X3", alice, 1, schema.RedactionContent{})
	if _, err := mapper.Map(context.Background(), missing, Conversation{RoomID: testRoom}); !errors.Is(err, ErrMalformed) {
		t.Errorf("redaction without target: err = %v, want ErrMalformed", err)
	}
}

func TestMapMembership(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := rawEvent(t, schema.EventTypeMember, "$M1", alice, 1, schema.MemberContent{Membership: "join", DisplayName: "Alice"})
	stateKey := alice.String()
	raw.StateKey = &stateKey

	event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Type != TypeMembership || event.Content.Membership != "join" || event.Content.Subject != alice {
		t.Errorf("membership = %+v", event)
	}
}

func TestMapEncryptedPlaceholder(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := rawEvent(t, schema.EventTypeEncrypted, "$C1", alice, 1000, schema.EncryptedContent{
		Algorithm:  schema.AlgorithmMegolm,
		Ciphertext: json.RawMessage(`"AwgA..."`),
		SenderKey:  "curve",
		SessionID:  "S1",
		DeviceID:   "PHONE",
	})

	placeholder, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !placeholder.Encrypted || !placeholder.IsPlaceholder() || placeholder.Content.Body != PlaceholderBody {
		t.Errorf("placeholder = %+v", placeholder)
	}
	if placeholder.Crypto == nil || placeholder.Crypto.SessionID != "S1" || placeholder.Crypto.SenderKey != "curve" {
		t.Errorf("Crypto = %+v", placeholder.Crypto)
	}

	decrypted := messaging.Event{
		Type:    schema.EventTypeMessage,
		RoomID:  testRoom,
		Content: json.RawMessage(`{"msgtype":"m.text","body":"secret"}`),
	}
	cleartext, err := mapper.MapDecrypted(context.Background(), raw, decrypted, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("MapDecrypted failed: %v", err)
	}
	if cleartext.Encrypted || cleartext.Content.Body != "secret" {
		t.Errorf("cleartext = %+v", cleartext)
	}
	if cleartext.Identity() != placeholder.Identity() {
		t.Errorf("identity changed: %+v vs %+v", cleartext.Identity(), placeholder.Identity())
	}
	if cleartext.Crypto == nil || cleartext.Crypto.SessionID != "S1" {
		t.Errorf("crypto metadata lost: %+v", cleartext.Crypto)
	}
	if cleartext.SenderID != alice || cleartext.TimestampMS != 1000 {
		t.Errorf("sender/timestamp not carried over: %+v", cleartext)
	}
}

func TestMapEncryptedReactionKeepsRelation(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := rawEvent(t, schema.EventTypeEncrypted, "$C2", alice, 1000, schema.EncryptedContent{
		Algorithm: schema.AlgorithmMegolm,
		SessionID: "S1",
		RelatesTo: &schema.RelatesTo{RelType: schema.RelationAnnotation, EventID: ref.MustParseEventID("$E1")},
	})
	event, err := mapper.Map(context.Background(), raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if event.Type != TypeReaction || event.RelatesTo == nil || event.RelatesTo.Kind != RelationAnnotation {
		t.Errorf("event = %+v", event)
	}
}

func TestMapRejectsMalformed(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	tests := []struct {
		name         string
		raw          messaging.Event
		conversation Conversation
		want         error
	}{
		{
			name:         "no sender",
			raw:          rawEvent(t, schema.EventTypeMessage, "$E1", ref.UserID{}, 1, schema.MessageContent{Body: "x"}),
			conversation: Conversation{RoomID: testRoom},
			want:         ErrMalformed,
		},
		{
			name: "no room",
			raw:  rawEvent(t, schema.EventTypeMessage, "$E1", alice, 1, schema.MessageContent{Body: "x"}),
			want: ErrMalformed,
		},
		{
			name:         "no event id",
			raw:          rawEvent(t, schema.EventTypeMessage, "", alice, 1, schema.MessageContent{Body: "x"}),
			conversation: Conversation{RoomID: testRoom},
			want:         ErrMalformed,
		},
		{
			name:         "reaction without target",
			raw:          rawEvent(t, schema.EventTypeReaction, "$R1", alice, 1, schema.ReactionContent{}),
			conversation: Conversation{RoomID: testRoom},
			want:         ErrMalformed,
		},
		{
			name:         "unsupported type",
			raw:          rawEvent(t, "m.room.topic", "$S1", alice, 1, map[string]string{"topic": "x"}),
			conversation: Conversation{RoomID: testRoom},
			want:         ErrUnsupported,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := mapper.Map(context.Background(), test.raw, test.conversation)
			if !errors.Is(err, test.want) {
				t.Errorf("err = %v, want %v", err, test.want)
			}
		})
	}
}

func TestRecipientInference(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	direct := Conversation{RoomID: testRoom, Members: []ref.UserID{localUser, alice}}
	group := Conversation{RoomID: testRoom, Members: []ref.UserID{localUser, alice, bob}}

	tests := []struct {
		name         string
		sender       ref.UserID
		conversation Conversation
		want         string
	}{
		{"direct from peer", alice, direct, localUser.String()},
		{"direct from self", localUser, direct, alice.String()},
		{"group", alice, group, testRoom.String()},
		{"unknown membership", alice, Conversation{RoomID: testRoom}, testRoom.String()},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			raw := rawEvent(t, schema.EventTypeMessage, "$E1", test.sender, 1, schema.MessageContent{Body: "x"})
			event, err := mapper.Map(context.Background(), raw, test.conversation)
			if err != nil {
				t.Fatalf("Map failed: %v", err)
			}
			if event.RecipientID != test.want {
				t.Errorf("RecipientID = %q, want %q", event.RecipientID, test.want)
			}
		})
	}
}

func TestMapReceipts(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := messaging.Event{
		Type: schema.EventTypeReceipt,
		Content: json.RawMessage(`{
			"$E1": {"m.read": {"@alice:local": {"ts": 1500}, "@bob:local": {"ts": 1600}}},
			"$E2": {"m.read.private": {"@alice:local": {}}},
			"not-an-event": {"m.read": {"@alice:local": {"ts": 1}}}
		}`),
	}
	events, err := mapper.MapReceipts(raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("MapReceipts failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d receipts, want 3: %+v", len(events), events)
	}
	first := events[0]
	if first.RelatesTo.EventID.String() != "$E1" || first.SenderID != alice || first.TimestampMS != 1500 {
		t.Errorf("first receipt = %+v", first)
	}
	if !first.EventID.IsZero() {
		t.Error("receipts have no event ID")
	}
	identity := first.Identity()
	if identity.Type != TypeReceipt || identity.SenderID != alice || identity.RelatesEventID.String() != "$E1" {
		t.Errorf("composite identity = %+v", identity)
	}
	last := events[2]
	if last.Content.ReceiptType != schema.ReceiptReadPrivate || last.TimestampMS != 5000 {
		t.Errorf("receipt without ts should use clock time: %+v", last)
	}
}

func TestMapTyping(t *testing.T) {
	mapper := newTestMapper(nil, nil)
	raw := messaging.Event{
		Type:    schema.EventTypeTyping,
		Content: json.RawMessage(`{"user_ids": ["@bob:local", "@alice:local"]}`),
	}
	event, err := mapper.MapTyping(raw, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("MapTyping failed: %v", err)
	}
	if event.Type != TypeTyping || event.SenderID != localUser {
		t.Errorf("typing = %+v", event)
	}
	if len(event.Content.Typing) != 2 || event.Content.Typing[0] != alice {
		t.Errorf("Typing = %v", event.Content.Typing)
	}

	stopped := messaging.Event{Type: schema.EventTypeTyping, Content: json.RawMessage(`{"user_ids": []}`)}
	cleared, err := mapper.MapTyping(stopped, Conversation{RoomID: testRoom})
	if err != nil {
		t.Fatalf("MapTyping failed: %v", err)
	}
	if cleared.Identity() != event.Identity() {
		t.Error("typing records for one room must share an identity")
	}
}
