// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/bureau-foundation/matrix-ingest/lib/bus"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	testRoom  = ref.MustParseRoomID("!room:local")
	localUser = ref.MustParseUserID("@acct:local")
	alice     = ref.MustParseUserID("@alice:local")
	bob       = ref.MustParseUserID("@bob:local")
)

var errNotScripted = errors.New("not scripted")

// scriptedSession serves /sync responses pushed by the test. Each Sync
// call reports itself on polls before waiting, so a receive on polls
// means the previous response has been fully handled.
type scriptedSession struct {
	responses chan *messaging.SyncResponse
	polls     chan messaging.SyncOptions

	// outbox, when set, receives every to-device message sent.
	outbox chan sentToDevice

	// keys, when set, answers QueryKeys.
	keys *messaging.KeysQueryResponse

	mu       sync.Mutex
	toDevice []ref.EventType
}

type sentToDevice struct {
	eventType ref.EventType
	user      ref.UserID
	device    string
	content   json.RawMessage
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		responses: make(chan *messaging.SyncResponse, 4),
		polls:     make(chan messaging.SyncOptions, 16),
	}
}

func (s *scriptedSession) UserID() ref.UserID     { return localUser }
func (s *scriptedSession) DeviceID() ref.DeviceID { return ref.MustParseDeviceID("INGEST") }
func (s *scriptedSession) Close() error           { return nil }

func (s *scriptedSession) WhoAmI(context.Context) (*messaging.WhoAmIResponse, error) {
	return &messaging.WhoAmIResponse{UserID: localUser}, nil
}

func (s *scriptedSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.polls <- options
	select {
	case response := <-s.responses:
		if response == nil {
			return nil, errors.New("502 bad gateway")
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedSession) RoomMessages(context.Context, ref.RoomID, messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error) {
	return &messaging.RoomMessagesResponse{}, nil
}

func (s *scriptedSession) JoinedRooms(context.Context) ([]ref.RoomID, error) { return nil, nil }

func (s *scriptedSession) JoinedMembers(context.Context, ref.RoomID) ([]ref.UserID, error) {
	return nil, nil
}

func (s *scriptedSession) SendToDevice(_ context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error {
	s.mu.Lock()
	s.toDevice = append(s.toDevice, eventType)
	s.mu.Unlock()
	if s.outbox == nil {
		return nil
	}
	for user, devices := range messages {
		for device, content := range devices {
			encoded, err := json.Marshal(content)
			if err != nil {
				return err
			}
			s.outbox <- sentToDevice{eventType: eventType, user: user, device: device, content: encoded}
		}
	}
	return nil
}

func (s *scriptedSession) QueryKeys(context.Context, []ref.UserID) (*messaging.KeysQueryResponse, error) {
	if s.keys != nil {
		return s.keys, nil
	}
	return &messaging.KeysQueryResponse{}, nil
}

func (s *scriptedSession) ClaimKeys(context.Context, map[ref.UserID][]ref.DeviceID) (*messaging.KeysClaimResponse, error) {
	return nil, errNotScripted
}

func (s *scriptedSession) UploadKeys(context.Context, messaging.KeysUploadRequest) (*messaging.KeysUploadResponse, error) {
	return nil, errNotScripted
}

func (s *scriptedSession) KeyBackupVersion(context.Context) (*messaging.KeyBackupVersion, error) {
	return nil, errNotScripted
}

func (s *scriptedSession) KeyBackupKeys(context.Context, string) (*messaging.KeyBackupKeys, error) {
	return nil, errNotScripted
}

// fakeCrypto decrypts megolm events whose session key has "arrived"
// through an unencrypted m.room_key to-device message.
type fakeCrypto struct {
	mu        sync.Mutex
	known     map[string]bool
	cleartext map[ref.EventID]messaging.Event
	requests  []e2ee.KeyRequest

	// ensured receives every EnsureSessions call; sends never block.
	ensured chan []ref.UserID

	// restores receives every RestoreBackup call; sends never block.
	restores chan struct{}
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		known:     map[string]bool{},
		cleartext: map[ref.EventID]messaging.Event{},
		ensured:   make(chan []ref.UserID, 64),
		restores:  make(chan struct{}, 8),
	}
}

func (f *fakeCrypto) EnsureSessions(_ context.Context, users []ref.UserID) error {
	select {
	case f.ensured <- users:
	default:
	}
	return nil
}

func (f *fakeCrypto) RequestRoomKey(_ context.Context, request e2ee.KeyRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return "request", nil
}

func (f *fakeCrypto) CancelRoomKeyRequest(context.Context, string) error { return nil }

func (f *fakeCrypto) UploadOneTimeKeys(context.Context, int) error { return e2ee.ErrNoBackend }

func (f *fakeCrypto) RestoreBackup(context.Context, *secret.Buffer) ([]e2ee.RoomSession, error) {
	select {
	case f.restores <- struct{}{}:
	default:
	}
	return nil, e2ee.ErrNoBackend
}

func (f *fakeCrypto) Decrypt(_ context.Context, event messaging.Event) (messaging.Event, error) {
	var content schema.EncryptedContent
	if err := event.DecodeContent(&content); err != nil {
		return messaging.Event{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[content.SessionID] {
		return messaging.Event{}, errors.New("unknown session")
	}
	cleartext := f.cleartext[event.EventID]
	cleartext.EventID = event.EventID
	cleartext.Sender = event.Sender
	cleartext.RoomID = event.RoomID
	cleartext.OriginServerTS = event.OriginServerTS
	return cleartext, nil
}

func (f *fakeCrypto) HandleToDevice(_ context.Context, event messaging.Event) (e2ee.ToDeviceResult, error) {
	result := e2ee.ToDeviceResult{Event: event}
	if event.Type != schema.EventTypeRoomKey {
		return result, nil
	}
	var key schema.RoomKeyContent
	if err := event.DecodeContent(&key); err != nil {
		return result, err
	}
	f.mu.Lock()
	f.known[key.SessionID] = true
	f.mu.Unlock()
	result.Imported = []e2ee.RoomSession{{RoomID: key.RoomID, SessionID: key.SessionID}}
	return result, nil
}

func (f *fakeCrypto) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// publishedFrame is one envelope seen by the bus.
type publishedFrame struct {
	subject  string
	envelope bus.Envelope
}

type channelTransport struct {
	frames chan publishedFrame
}

func (c *channelTransport) Send(_ context.Context, subject string, envelope bus.Envelope) error {
	c.frames <- publishedFrame{subject: subject, envelope: envelope}
	return nil
}

func (c *channelTransport) Close() error { return nil }

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	return data
}

func stateKey(user ref.UserID) *string {
	key := user.String()
	return &key
}

func memberEvent(t *testing.T, eventID string, user ref.UserID, membership string) messaging.Event {
	t.Helper()
	return messaging.Event{
		EventID:        ref.MustParseEventID(eventID),
		Type:           schema.EventTypeMember,
		Sender:         user,
		StateKey:       stateKey(user),
		OriginServerTS: 500,
		Content:        mustJSON(t, schema.MemberContent{Membership: membership}),
	}
}

func messageEvent(t *testing.T, eventID string, sender ref.UserID, timestamp int64, content schema.MessageContent) messaging.Event {
	t.Helper()
	return messaging.Event{
		EventID:        ref.MustParseEventID(eventID),
		Type:           schema.EventTypeMessage,
		Sender:         sender,
		OriginServerTS: timestamp,
		Content:        mustJSON(t, content),
	}
}

func encryptedEvent(t *testing.T, eventID, sessionID string, timestamp int64) messaging.Event {
	t.Helper()
	return messaging.Event{
		EventID:        ref.MustParseEventID(eventID),
		Type:           schema.EventTypeEncrypted,
		Sender:         alice,
		OriginServerTS: timestamp,
		Content: mustJSON(t, schema.EncryptedContent{
			Algorithm:  schema.AlgorithmMegolm,
			Ciphertext: json.RawMessage(`"AwgAEn..."`),
			SenderKey:  "alice-curve-key",
			SessionID:  sessionID,
			DeviceID:   "ALICEDEVICE",
		}),
	}
}

func joinedRoom(events ...messaging.Event) map[ref.RoomID]messaging.JoinedRoom {
	return map[ref.RoomID]messaging.JoinedRoom{
		testRoom: {Timeline: messaging.TimelineSection{Events: events}},
	}
}
