// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	self  = ref.MustParseUserID("@ingest:local")
	alice = ref.MustParseUserID("@alice:local")
	room  = ref.MustParseRoomID("!room:local")
)

// mockSession overrides the messaging.Session methods the engine uses.
// Anything else reaches the nil embedded interface and panics.
type mockSession struct {
	messaging.Session

	mu       sync.Mutex
	toDevice []sentToDevice

	queryKeys  func(users []ref.UserID) (*messaging.KeysQueryResponse, error)
	claimKeys  func(devices map[ref.UserID][]ref.DeviceID) (*messaging.KeysClaimResponse, error)
	uploads    []messaging.KeysUploadRequest
	backup     *messaging.KeyBackupVersion
	backupKeys *messaging.KeyBackupKeys
	sendErr    error
}

type sentToDevice struct {
	eventType ref.EventType
	messages  messaging.ToDeviceMessages
}

func (m *mockSession) UserID() ref.UserID { return self }

func (m *mockSession) DeviceID() ref.DeviceID {
	deviceID, _ := ref.ParseDeviceID("INGEST")
	return deviceID
}

func (m *mockSession) SendToDevice(_ context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.toDevice = append(m.toDevice, sentToDevice{eventType: eventType, messages: messages})
	return nil
}

func (m *mockSession) QueryKeys(_ context.Context, users []ref.UserID) (*messaging.KeysQueryResponse, error) {
	return m.queryKeys(users)
}

func (m *mockSession) ClaimKeys(_ context.Context, devices map[ref.UserID][]ref.DeviceID) (*messaging.KeysClaimResponse, error) {
	return m.claimKeys(devices)
}

func (m *mockSession) UploadKeys(_ context.Context, request messaging.KeysUploadRequest) (*messaging.KeysUploadResponse, error) {
	m.uploads = append(m.uploads, request)
	return &messaging.KeysUploadResponse{OneTimeKeyCounts: map[string]int{messaging.OneTimeKeyAlgorithm: len(request.OneTimeKeys)}}, nil
}

func (m *mockSession) KeyBackupVersion(context.Context) (*messaging.KeyBackupVersion, error) {
	if m.backup == nil {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: 404}
	}
	return m.backup, nil
}

func (m *mockSession) KeyBackupKeys(context.Context, string) (*messaging.KeyBackupKeys, error) {
	return m.backupKeys, nil
}

// fakeBackend records calls and decrypts "ciphertext" that is plain
// JSON of the cleartext event.
type fakeBackend struct {
	mu           sync.Mutex
	olmSessions  map[string]bool
	created      []string
	imported     []schema.RoomKeyContent
	megolmKnown  map[string]bool
	published    int
	generateSize int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{olmSessions: map[string]bool{}, megolmKnown: map[string]bool{}}
}

func (b *fakeBackend) DeviceKeys() (messaging.DeviceKeys, error) {
	deviceID, _ := ref.ParseDeviceID("INGEST")
	return messaging.DeviceKeys{UserID: self, DeviceID: deviceID, Keys: map[string]string{"curve25519:INGEST": "self-curve"}}, nil
}

func (b *fakeBackend) GenerateOneTimeKeys(count int) (map[string]json.RawMessage, error) {
	b.generateSize = count
	keys := make(map[string]json.RawMessage, count)
	for i := range count {
		keys[fmt.Sprintf("signed_curve25519:%d", i)] = json.RawMessage(`{"key":"k"}`)
	}
	return keys, nil
}

func (b *fakeBackend) MarkOneTimeKeysPublished() error {
	b.published++
	return nil
}

func (b *fakeBackend) HasOlmSession(identityKey string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.olmSessions[identityKey], nil
}

func (b *fakeBackend) CreateOlmSession(user ref.UserID, device messaging.DeviceKeys, _ json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, user.String()+"/"+device.DeviceID.String())
	b.olmSessions[device.Keys["curve25519:"+device.DeviceID.String()]] = true
	return nil
}

func (b *fakeBackend) DecryptOlm(_ ref.UserID, content schema.EncryptedContent) (messaging.Event, error) {
	var inner messaging.Event
	if err := json.Unmarshal(content.Ciphertext, &inner); err != nil {
		return messaging.Event{}, err
	}
	return inner, nil
}

func (b *fakeBackend) DecryptMegolm(_ ref.RoomID, content schema.EncryptedContent) (messaging.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.megolmKnown[content.SessionID] {
		return messaging.Event{}, fmt.Errorf("session %s: %w", content.SessionID, ErrUnknownSession)
	}
	var inner messaging.Event
	if err := json.Unmarshal(content.Ciphertext, &inner); err != nil {
		return messaging.Event{}, err
	}
	return inner, nil
}

func (b *fakeBackend) ImportRoomKey(key schema.RoomKeyContent, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imported = append(b.imported, key)
	b.megolmKnown[key.SessionID] = true
	return nil
}

func (b *fakeBackend) DecryptBackupSession(privateKey []byte, _ messaging.KeyBackupVersion, data messaging.KeyBackupData) (schema.RoomKeyContent, error) {
	if len(privateKey) != RecoveryKeyLength {
		return schema.RoomKeyContent{}, errors.New("wrong key size")
	}
	var key schema.RoomKeyContent
	if err := json.Unmarshal(data.SessionData, &key); err != nil {
		return schema.RoomKeyContent{}, err
	}
	return key, nil
}

func newTestEngine(t *testing.T, session *mockSession, backend Backend) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Session: session, Backend: backend})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestRequestRoomKeyTargetsSelfAndSender(t *testing.T) {
	session := &mockSession{}
	engine := newTestEngine(t, session, nil)

	requestID, err := engine.RequestRoomKey(context.Background(), KeyRequest{
		RoomID:    room,
		SessionID: "S1",
		SenderKey: "curve",
		Sender:    alice,
	})
	if err != nil {
		t.Fatalf("RequestRoomKey: %v", err)
	}
	if len(session.toDevice) != 1 {
		t.Fatalf("sent %d to-device batches, want 1", len(session.toDevice))
	}
	sent := session.toDevice[0]
	if sent.eventType != schema.EventTypeRoomKeyRequest {
		t.Errorf("event type = %s", sent.eventType)
	}
	for _, user := range []ref.UserID{self, alice} {
		content, ok := sent.messages[user][messaging.AllDevices].(schema.RoomKeyRequestContent)
		if !ok {
			t.Fatalf("no request addressed to %s: %+v", user, sent.messages)
		}
		if content.RequestID != requestID || content.Body.SessionID != "S1" || content.Body.Algorithm != schema.AlgorithmMegolm {
			t.Errorf("content for %s = %+v", user, content)
		}
	}

	if err := engine.CancelRoomKeyRequest(context.Background(), requestID); err != nil {
		t.Fatalf("CancelRoomKeyRequest: %v", err)
	}
	if len(session.toDevice) != 2 {
		t.Fatalf("cancellation not sent")
	}
	cancel := session.toDevice[1].messages[alice][messaging.AllDevices].(schema.RoomKeyRequestContent)
	if cancel.Action != schema.KeyRequestActionCancel || cancel.RequestID != requestID {
		t.Errorf("cancel = %+v", cancel)
	}

	// A second cancel for the same request is a no-op.
	if err := engine.CancelRoomKeyRequest(context.Background(), requestID); err != nil {
		t.Fatalf("repeat CancelRoomKeyRequest: %v", err)
	}
	if len(session.toDevice) != 2 {
		t.Error("repeat cancel sent another message")
	}
}

func TestRequestRoomKeyWorksWithoutBackend(t *testing.T) {
	engine := newTestEngine(t, &mockSession{}, Unavailable{})
	if engine.HasBackend() {
		t.Fatal("HasBackend should be false for Unavailable")
	}
	if _, err := engine.RequestRoomKey(context.Background(), KeyRequest{RoomID: room, SessionID: "S1"}); err != nil {
		t.Errorf("RequestRoomKey without backend: %v", err)
	}
	if _, err := engine.RequestRoomKey(context.Background(), KeyRequest{RoomID: room}); err == nil {
		t.Error("expected error without session ID")
	}
}

func TestUnavailableBackend(t *testing.T) {
	engine := newTestEngine(t, &mockSession{}, nil)
	encrypted := messaging.Event{
		Type:    schema.EventTypeEncrypted,
		EventID: ref.MustParseEventID("$C1"),
		Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","ciphertext":"x","session_id":"S1"}`),
	}
	if _, err := engine.Decrypt(context.Background(), encrypted); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Decrypt err = %v, want ErrNoBackend", err)
	}
	if err := engine.EnsureSessions(context.Background(), []ref.UserID{alice}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("EnsureSessions err = %v, want ErrNoBackend", err)
	}
	if err := engine.UploadOneTimeKeys(context.Background(), 10); !errors.Is(err, ErrNoBackend) {
		t.Errorf("UploadOneTimeKeys err = %v, want ErrNoBackend", err)
	}
}

func TestDecrypt(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, &mockSession{}, backend)
	encrypted := messaging.Event{
		Type:           schema.EventTypeEncrypted,
		EventID:        ref.MustParseEventID("$C1"),
		Sender:         alice,
		RoomID:         room,
		OriginServerTS: 1000,
		Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","session_id":"S1",
			"ciphertext":{"type":"m.room.message","content":{"msgtype":"m.text","body":"secret"}}}`),
	}

	if _, err := engine.Decrypt(context.Background(), encrypted); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Decrypt before key err = %v, want ErrUnknownSession", err)
	}
	backend.megolmKnown["S1"] = true
	cleartext, err := engine.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if cleartext.Type != schema.EventTypeMessage || cleartext.EventID != encrypted.EventID || cleartext.Sender != alice {
		t.Errorf("cleartext = %+v", cleartext)
	}

	plain := messaging.Event{Type: schema.EventTypeMessage}
	if got, err := engine.Decrypt(context.Background(), plain); err != nil || got.Type != plain.Type {
		t.Errorf("plaintext passthrough = %+v, %v", got, err)
	}
}

func TestEnsureSessionsClaimsOnlyMissing(t *testing.T) {
	backend := newFakeBackend()
	backend.olmSessions["alice-laptop-curve"] = true

	var claimedFor map[ref.UserID][]ref.DeviceID
	session := &mockSession{
		queryKeys: func(users []ref.UserID) (*messaging.KeysQueryResponse, error) {
			device := func(user ref.UserID, id, curve string) messaging.DeviceKeys {
				deviceID, _ := ref.ParseDeviceID(id)
				return messaging.DeviceKeys{UserID: user, DeviceID: deviceID, Keys: map[string]string{"curve25519:" + id: curve}}
			}
			return &messaging.KeysQueryResponse{DeviceKeys: map[ref.UserID]map[string]messaging.DeviceKeys{
				self: {
					"INGEST": device(self, "INGEST", "self-curve"),
					"PHONE":  device(self, "PHONE", "self-phone-curve"),
				},
				alice: {
					"LAPTOP": device(alice, "LAPTOP", "alice-laptop-curve"),
					"TABLET": device(alice, "TABLET", "alice-tablet-curve"),
				},
			}}, nil
		},
		claimKeys: func(devices map[ref.UserID][]ref.DeviceID) (*messaging.KeysClaimResponse, error) {
			claimedFor = devices
			response := &messaging.KeysClaimResponse{OneTimeKeys: map[ref.UserID]map[string]map[string]json.RawMessage{}}
			for user, ids := range devices {
				response.OneTimeKeys[user] = map[string]map[string]json.RawMessage{}
				for _, id := range ids {
					response.OneTimeKeys[user][id.String()] = map[string]json.RawMessage{"signed_curve25519:A": json.RawMessage(`{}`)}
				}
			}
			return response, nil
		},
	}
	engine := newTestEngine(t, session, backend)

	if err := engine.EnsureSessions(context.Background(), []ref.UserID{self, alice}); err != nil {
		t.Fatalf("EnsureSessions: %v", err)
	}
	if len(claimedFor[self]) != 1 || claimedFor[self][0].String() != "PHONE" {
		t.Errorf("claimed for self = %v, want only PHONE", claimedFor[self])
	}
	if len(claimedFor[alice]) != 1 || claimedFor[alice][0].String() != "TABLET" {
		t.Errorf("claimed for alice = %v, want only TABLET", claimedFor[alice])
	}
	if len(backend.created) != 2 {
		t.Errorf("created sessions = %v", backend.created)
	}

	// Everything is covered now; a second pass claims nothing.
	claimedFor = nil
	if err := engine.EnsureSessions(context.Background(), []ref.UserID{self, alice}); err != nil {
		t.Fatalf("second EnsureSessions: %v", err)
	}
	if claimedFor != nil {
		t.Errorf("second pass claimed %v", claimedFor)
	}
}

func TestUploadOneTimeKeysPublishesDeviceKeysOnce(t *testing.T) {
	backend := newFakeBackend()
	session := &mockSession{}
	engine := newTestEngine(t, session, backend)

	for range 2 {
		if err := engine.UploadOneTimeKeys(context.Background(), 5); err != nil {
			t.Fatalf("UploadOneTimeKeys: %v", err)
		}
	}
	if len(session.uploads) != 2 {
		t.Fatalf("uploads = %d", len(session.uploads))
	}
	if session.uploads[0].DeviceKeys == nil {
		t.Error("first upload must carry device keys")
	}
	if session.uploads[1].DeviceKeys != nil {
		t.Error("second upload must not repeat device keys")
	}
	if len(session.uploads[1].OneTimeKeys) != 5 || backend.published != 2 {
		t.Errorf("one-time keys = %d, published = %d", len(session.uploads[1].OneTimeKeys), backend.published)
	}
}

func TestHandleToDeviceImportsRoomKey(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, &mockSession{}, backend)

	encrypted := messaging.Event{
		Type:   schema.EventTypeEncrypted,
		Sender: alice,
		Content: json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2","sender_key":"alice-curve",
			"ciphertext":{"type":"m.room_key","content":{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!room:local","session_id":"S9","session_key":"k"}}}`),
	}
	result, err := engine.HandleToDevice(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("HandleToDevice: %v", err)
	}
	if len(result.Imported) != 1 || result.Imported[0] != (RoomSession{RoomID: room, SessionID: "S9"}) {
		t.Errorf("Imported = %+v", result.Imported)
	}
	if result.Event.Sender != alice || result.Event.Type != schema.EventTypeRoomKey {
		t.Errorf("cleartext event = %+v", result.Event)
	}
	if len(backend.imported) != 1 || backend.imported[0].SenderKey != "alice-curve" {
		t.Errorf("imported key = %+v, want the olm sender key recorded", backend.imported)
	}
}

func TestHandleToDeviceIgnoresPlaintextRoomKey(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, &mockSession{}, backend)
	plain := messaging.Event{
		Type:    schema.EventTypeRoomKey,
		Sender:  alice,
		Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!room:local","session_id":"S9"}`),
	}
	result, err := engine.HandleToDevice(context.Background(), plain)
	if err != nil {
		t.Fatalf("HandleToDevice: %v", err)
	}
	if len(result.Imported) != 0 || len(backend.imported) != 0 {
		t.Error("plaintext room key must not be imported")
	}
}

func TestHandleToDeviceWithheld(t *testing.T) {
	engine := newTestEngine(t, &mockSession{}, nil)
	withheld := messaging.Event{
		Type:    schema.EventTypeRoomKeyWithheld,
		Sender:  alice,
		Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","code":"m.unverified","room_id":"!room:local","session_id":"S1","sender_key":"c"}`),
	}
	result, err := engine.HandleToDevice(context.Background(), withheld)
	if err != nil {
		t.Fatalf("HandleToDevice: %v", err)
	}
	if result.Withheld == nil || result.Withheld.Code != schema.WithheldUnverified || result.Withheld.SessionID != "S1" {
		t.Errorf("Withheld = %+v", result.Withheld)
	}
}

func TestRestoreBackup(t *testing.T) {
	backend := newFakeBackend()
	session := &mockSession{
		backup: &messaging.KeyBackupVersion{Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2", Version: "3"},
	}
	keys := &messaging.KeyBackupKeys{}
	if err := json.Unmarshal([]byte(`{"rooms":{"!room:local":{"sessions":{
		"S1":{"session_data":{"algorithm":"m.megolm.v1.aes-sha2","session_key":"k1"}},
		"S2":{"session_data":"not an object"}
	}}}}`), keys); err != nil {
		t.Fatalf("decoding backup fixture: %v", err)
	}
	session.backupKeys = keys
	engine := newTestEngine(t, session, backend)

	encoded, err := EncodeRecoveryKey(testKey())
	if err != nil {
		t.Fatalf("EncodeRecoveryKey: %v", err)
	}
	recovery, err := secret.NewFromBytes([]byte(encoded))
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	defer recovery.Close()

	imported, err := engine.RestoreBackup(context.Background(), recovery)
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if len(imported) != 1 || imported[0] != (RoomSession{RoomID: room, SessionID: "S1"}) {
		t.Errorf("imported = %+v", imported)
	}
	if len(backend.imported) != 1 || backend.imported[0].RoomID != room {
		t.Errorf("backend imports = %+v", backend.imported)
	}
}

func TestRestoreBackupPassphrase(t *testing.T) {
	backend := newFakeBackend()
	session := &mockSession{
		backup: &messaging.KeyBackupVersion{
			Version:  "1",
			AuthData: json.RawMessage(`{"private_key_salt":"salt","private_key_iterations":1000}`),
		},
		backupKeys: &messaging.KeyBackupKeys{},
	}
	engine := newTestEngine(t, session, backend)
	passphrase, err := secret.NewFromBytes([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	defer passphrase.Close()
	if _, err := engine.RestoreBackup(context.Background(), passphrase); err != nil {
		t.Fatalf("RestoreBackup with passphrase: %v", err)
	}

	session.backup.AuthData = json.RawMessage(`{}`)
	if _, err := engine.RestoreBackup(context.Background(), passphrase); err == nil {
		t.Error("expected error: passphrase without derivation parameters")
	}
}

func TestRestoreBackupMissing(t *testing.T) {
	engine := newTestEngine(t, &mockSession{}, newFakeBackend())
	recovery, err := secret.NewFromBytes([]byte("anything"))
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	defer recovery.Close()
	if _, err := engine.RestoreBackup(context.Background(), recovery); !errors.Is(err, ErrNoBackup) {
		t.Errorf("err = %v, want ErrNoBackup", err)
	}
}
