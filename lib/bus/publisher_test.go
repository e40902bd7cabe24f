// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
)

type sent struct {
	subject  string
	envelope Envelope
}

type recordingTransport struct {
	mu     sync.Mutex
	sent   []sent
	err    error
	closed bool
}

func (r *recordingTransport) Send(_ context.Context, subject string, envelope Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{subject: subject, envelope: envelope})
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(eventType canonical.Type) canonical.Event {
	return canonical.Event{
		Source:      canonical.Source,
		AccountID:   "primary",
		EventID:     ref.MustParseEventID("$event-1"),
		RoomID:      ref.MustParseRoomID("!room:local"),
		SenderID:    ref.MustParseUserID("@alice:local"),
		RecipientID: "@bob:local",
		TimestampMS: 1700000000000,
		Type:        eventType,
		Content:     canonical.Content{Kind: "text", Body: "hello", MsgType: "m.text"},
	}
}

func newTestPublisher(t *testing.T, transport Transport, reactions, receipts bool) *Publisher {
	t.Helper()
	publisher, err := NewPublisher(Config{
		Transport:        transport,
		PublishReactions: reactions,
		PublishReceipts:  receipts,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return publisher
}

func TestPublishRoutesBySubject(t *testing.T) {
	transport := &recordingTransport{}
	publisher := newTestPublisher(t, transport, true, false)

	published, err := publisher.Publish(context.Background(), testEvent(canonical.TypeMessage))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !published {
		t.Fatal("message was not published")
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(transport.sent))
	}
	got := transport.sent[0]
	if got.subject != "matrix.message" {
		t.Errorf("subject = %q, want matrix.message", got.subject)
	}
	if got.envelope.Body != "hello" || got.envelope.Sender != "@alice:local" || got.envelope.Room != "!room:local" {
		t.Errorf("envelope = %+v", got.envelope)
	}
	if got.envelope.WasEncrypted {
		t.Error("cleartext event flagged as encrypted")
	}
}

func TestPublishCustomPrefix(t *testing.T) {
	publisher, err := NewPublisher(Config{Transport: Discard{}, SubjectPrefix: "chat.matrix"})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if got := publisher.Subject(canonical.TypeEdit); got != "chat.matrix.edit" {
		t.Errorf("Subject = %q, want chat.matrix.edit", got)
	}
}

func TestPublishGating(t *testing.T) {
	placeholder := testEvent(canonical.TypeMessage)
	placeholder.Encrypted = true
	placeholder.Content = canonical.Content{Kind: canonical.KindEncrypted, Body: canonical.PlaceholderBody}

	tests := []struct {
		name      string
		event     canonical.Event
		reactions bool
		receipts  bool
		want      bool
	}{
		{"placeholder never", placeholder, true, true, false},
		{"reaction enabled", testEvent(canonical.TypeReaction), true, false, true},
		{"reaction disabled", testEvent(canonical.TypeReaction), false, false, false},
		{"receipt disabled", testEvent(canonical.TypeReceipt), true, false, false},
		{"receipt enabled", testEvent(canonical.TypeReceipt), false, true, true},
		{"redaction always", testEvent(canonical.TypeRedaction), false, false, true},
		{"typing always", testEvent(canonical.TypeTyping), false, false, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			transport := &recordingTransport{}
			publisher := newTestPublisher(t, transport, test.reactions, test.receipts)
			published, err := publisher.Publish(context.Background(), test.event)
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if published != test.want {
				t.Errorf("published = %v, want %v", published, test.want)
			}
			if len(transport.sent) != map[bool]int{true: 1, false: 0}[test.want] {
				t.Errorf("transport saw %d envelopes", len(transport.sent))
			}
		})
	}
}

func TestPublishTransportError(t *testing.T) {
	transport := &recordingTransport{err: errors.New("broken pipe")}
	publisher := newTestPublisher(t, transport, true, true)

	published, err := publisher.Publish(context.Background(), testEvent(canonical.TypeMessage))
	if err == nil {
		t.Fatal("Publish succeeded on a failing transport")
	}
	if published {
		t.Error("failed publish reported as sent")
	}
}

func TestFlattenDecryptedRelation(t *testing.T) {
	event := testEvent(canonical.TypeEdit)
	event.Crypto = &canonical.CryptoMeta{Algorithm: "m.megolm.v1.aes-sha2", SessionID: "session"}
	event.RelatesTo = &canonical.Relation{
		EventID: ref.MustParseEventID("$original"),
		Kind:    canonical.RelationReplace,
		Sender:  ref.MustParseUserID("@alice:local"),
		Body:    "helo",
	}

	envelope := Flatten(event)
	if !envelope.WasEncrypted {
		t.Error("decrypted event not flagged as encrypted")
	}
	if envelope.RelatesTo == nil {
		t.Fatal("relation dropped")
	}
	if envelope.RelatesTo.EventID != "$original" || envelope.RelatesTo.Kind != "replace" || envelope.RelatesTo.Body != "helo" {
		t.Errorf("RelatesTo = %+v", envelope.RelatesTo)
	}
}

func TestPublisherRequiresTransport(t *testing.T) {
	if _, err := NewPublisher(Config{}); err == nil {
		t.Fatal("NewPublisher accepted a nil transport")
	}
}
