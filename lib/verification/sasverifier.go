// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/crypto/canonicaljson"

	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// ProtocolError is a handshake failure with the cancellation code to
// send the peer.
type ProtocolError struct {
	Code string
	Err  error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }

func (e *ProtocolError) Unwrap() error { return e.Err }

// errCancelled is returned by a blocked Verify or Confirm when the
// transaction is cancelled underneath it.
var errCancelled = errors.New("verification: transaction cancelled")

func cancelCode(err error) string {
	var protocolError *ProtocolError
	if errors.As(err, &protocolError) {
		return protocolError.Code
	}
	return schema.CancelUnexpectedMessage
}

func protocolErrorf(code, format string, args ...any) error {
	return &ProtocolError{Code: code, Err: fmt.Errorf(format, args...)}
}

// sasVerifier runs the accepting side of one m.sas.v1 handshake.
// Verify and Confirm are called one after the other, never
// concurrently.
type sasVerifier struct {
	protocol  *SASProtocol
	request   Request
	start     schema.VerificationStartContent
	startJSON json.RawMessage

	inbox      chan messaging.Event
	cancelled  chan struct{}
	cancelOnce sync.Once

	mu           sync.Mutex
	onDone       func()
	onCancel     func(code, reason string)
	remoteCode   string
	remoteReason string

	privateKey []byte
	publicKey  []byte
	theirKey   []byte
	shared     []byte
	peerMAC    *schema.VerificationMACContent
	peerDone   bool
}

var _ Verifier = (*sasVerifier)(nil)

func newSASVerifier(protocol *SASProtocol, request Request, start schema.VerificationStartContent, startJSON json.RawMessage) *sasVerifier {
	return &sasVerifier{
		protocol:  protocol,
		request:   request,
		start:     start,
		startJSON: startJSON,
		inbox:     make(chan messaging.Event, 8),
		cancelled: make(chan struct{}),
	}
}

func (v *sasVerifier) OnDone(callback func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onDone = callback
}

// OnCancel registers callback. A remote cancellation that arrived
// before registration is reported immediately.
func (v *sasVerifier) OnCancel(callback func(code, reason string)) {
	v.mu.Lock()
	v.onCancel = callback
	code, reason := v.remoteCode, v.remoteReason
	v.mu.Unlock()
	if code != "" {
		callback(code, reason)
	}
}

// Verify accepts the start, exchanges ephemeral keys, and derives the
// SAS bytes.
func (v *sasVerifier) Verify(ctx context.Context) ([]byte, error) {
	if err := v.checkStart(); err != nil {
		return nil, err
	}

	v.privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(v.privateKey); err != nil {
		return nil, fmt.Errorf("verification: generating key: %w", err)
	}
	publicKey, err := curve25519.X25519(v.privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("verification: deriving public key: %w", err)
	}
	v.publicKey = publicKey

	canonical, err := canonicaljson.CanonicalJSON(v.startJSON)
	if err != nil {
		return nil, protocolErrorf(schema.CancelInvalidMessage, "start content: %w", err)
	}
	commitment := sha256.Sum256(append([]byte(encodeKey(v.publicKey)), canonical...))
	accept := schema.VerificationAcceptContent{
		TransactionID:             v.request.TransactionID,
		Method:                    schema.VerificationMethodSAS,
		KeyAgreementProtocol:      schema.KeyAgreementCurve25519HKDF,
		Hash:                      schema.HashSHA256,
		MessageAuthenticationCode: schema.MACHKDFHMACSHA256V2,
		ShortAuthenticationString: v.sasMethods(),
		Commitment:                encodeKey(commitment[:]),
	}
	if err := v.sendPeer(ctx, schema.EventTypeVerificationAccept, accept); err != nil {
		return nil, err
	}

	if err := v.await(ctx, func() bool { return v.theirKey != nil }); err != nil {
		return nil, err
	}
	key := schema.VerificationKeyContent{
		TransactionID: v.request.TransactionID,
		Key:           encodeKey(v.publicKey),
	}
	if err := v.sendPeer(ctx, schema.EventTypeVerificationKey, key); err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(v.privateKey, v.theirKey)
	if err != nil {
		return nil, protocolErrorf(schema.CancelInvalidMessage, "key agreement: %w", err)
	}
	v.shared = shared

	self := v.protocol.transport
	info := strings.Join([]string{
		"MATRIX_KEY_VERIFICATION_SAS",
		v.request.Peer.String(), v.request.PeerDevice, encodeKey(v.theirKey),
		self.UserID().String(), self.DeviceID().String(), encodeKey(v.publicKey),
		v.request.TransactionID,
	}, "|")
	sas := make([]byte, SASLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.shared, nil, []byte(info)), sas); err != nil {
		return nil, fmt.Errorf("verification: deriving SAS: %w", err)
	}
	return sas, nil
}

// Confirm exchanges MACs over both device keys, checks the peer's, and
// completes the handshake once both sides have sent done.
func (v *sasVerifier) Confirm(ctx context.Context) error {
	if v.shared == nil {
		return protocolErrorf(schema.CancelUnexpectedMessage, "confirm before key exchange")
	}
	self := v.protocol.transport
	ownKeys, err := v.protocol.deviceKeys.DeviceKeys()
	if err != nil {
		return fmt.Errorf("verification: reading device keys: %w", err)
	}
	ownKeyID := "ed25519:" + self.DeviceID().String()
	ownKey := ownKeys.Keys[ownKeyID]
	if ownKey == "" {
		return fmt.Errorf("verification: device has no %s key", ownKeyID)
	}

	outgoing := v.macInfo(self.UserID(), self.DeviceID().String(), v.request.Peer, v.request.PeerDevice)
	mac := schema.VerificationMACContent{
		TransactionID: v.request.TransactionID,
		MAC:           map[string]string{ownKeyID: v.mac(ownKey, outgoing+ownKeyID)},
		Keys:          v.mac(ownKeyID, outgoing+"KEY_IDS"),
	}
	if err := v.sendPeer(ctx, schema.EventTypeVerificationMAC, mac); err != nil {
		return err
	}

	if err := v.await(ctx, func() bool { return v.peerMAC != nil }); err != nil {
		return err
	}
	if err := v.checkPeerMAC(ctx); err != nil {
		return err
	}

	done := schema.VerificationDoneContent{TransactionID: v.request.TransactionID}
	if err := v.sendPeer(ctx, schema.EventTypeVerificationDone, done); err != nil {
		return err
	}
	if err := v.await(ctx, func() bool { return v.peerDone }); err != nil {
		return err
	}

	v.mu.Lock()
	callback := v.onDone
	v.mu.Unlock()
	if callback != nil {
		callback()
	}
	return nil
}

// Cancel stops the handshake and tells the peer.
func (v *sasVerifier) Cancel(ctx context.Context, code, reason string) error {
	v.cancelOnce.Do(func() { close(v.cancelled) })
	content := schema.VerificationCancelContent{
		TransactionID: v.request.TransactionID,
		Code:          code,
		Reason:        reason,
	}
	return v.sendPeer(ctx, schema.EventTypeVerificationCancel, content)
}

func (v *sasVerifier) remoteCancel(code, reason string) {
	v.cancelOnce.Do(func() { close(v.cancelled) })
	if code == "" {
		code = schema.CancelUser
	}
	v.mu.Lock()
	v.remoteCode, v.remoteReason = code, reason
	callback := v.onCancel
	v.mu.Unlock()
	if callback != nil {
		callback(code, reason)
	}
}

func (v *sasVerifier) deliver(event messaging.Event) {
	select {
	case v.inbox <- event:
	default:
		v.protocol.logger.Debug("verification inbox full, dropping message",
			"transaction_id", v.request.TransactionID,
			"type", event.Type,
		)
	}
}

// await absorbs inbound messages until ready reports true.
func (v *sasVerifier) await(ctx context.Context, ready func() bool) error {
	for !ready() {
		select {
		case event := <-v.inbox:
			if err := v.absorb(event); err != nil {
				return err
			}
		case <-v.cancelled:
			return errCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (v *sasVerifier) absorb(event messaging.Event) error {
	switch event.Type {
	case schema.EventTypeVerificationKey:
		if v.theirKey != nil {
			return protocolErrorf(schema.CancelUnexpectedMessage, "second key message")
		}
		var content schema.VerificationKeyContent
		if err := event.DecodeContent(&content); err != nil {
			return protocolErrorf(schema.CancelInvalidMessage, "key message: %w", err)
		}
		key, err := decodeKey(content.Key)
		if err != nil || len(key) != curve25519.PointSize {
			return protocolErrorf(schema.CancelInvalidMessage, "key message carries no Curve25519 key")
		}
		v.theirKey = key
	case schema.EventTypeVerificationMAC:
		var content schema.VerificationMACContent
		if err := event.DecodeContent(&content); err != nil {
			return protocolErrorf(schema.CancelInvalidMessage, "mac message: %w", err)
		}
		v.peerMAC = &content
	case schema.EventTypeVerificationDone:
		v.peerDone = true
	}
	return nil
}

func (v *sasVerifier) checkStart() error {
	start := v.start
	switch {
	case start.Method != schema.VerificationMethodSAS:
		return protocolErrorf(schema.CancelUnknownMethod, "method %q", start.Method)
	case !slices.Contains(start.KeyAgreementProtocols, schema.KeyAgreementCurve25519HKDF):
		return protocolErrorf(schema.CancelUnknownMethod, "key agreement %v", start.KeyAgreementProtocols)
	case !slices.Contains(start.Hashes, schema.HashSHA256):
		return protocolErrorf(schema.CancelUnknownMethod, "hashes %v", start.Hashes)
	case !slices.Contains(start.MessageAuthenticationCodes, schema.MACHKDFHMACSHA256V2):
		return protocolErrorf(schema.CancelUnknownMethod, "MACs %v", start.MessageAuthenticationCodes)
	case len(v.sasMethods()) == 0:
		return protocolErrorf(schema.CancelUnknownMethod, "SAS methods %v", start.ShortAuthenticationString)
	}
	return nil
}

func (v *sasVerifier) sasMethods() []string {
	var methods []string
	for _, method := range []string{schema.SASDecimal, schema.SASEmoji} {
		if slices.Contains(v.start.ShortAuthenticationString, method) {
			methods = append(methods, method)
		}
	}
	return methods
}

// checkPeerMAC verifies the peer's MAC over its device key. Key IDs we
// cannot resolve (cross-signing keys, say) are skipped, but the
// device's own key must be present and match.
func (v *sasVerifier) checkPeerMAC(ctx context.Context) error {
	query, err := v.protocol.transport.QueryKeys(ctx, []ref.UserID{v.request.Peer})
	if err != nil {
		return fmt.Errorf("verification: querying peer keys: %w", err)
	}
	devices := query.DeviceKeys[v.request.Peer]

	self := v.protocol.transport
	incoming := v.macInfo(v.request.Peer, v.request.PeerDevice, self.UserID(), self.DeviceID().String())

	keyIDs := make([]string, 0, len(v.peerMAC.MAC))
	for keyID := range v.peerMAC.MAC {
		keyIDs = append(keyIDs, keyID)
	}
	slices.Sort(keyIDs)
	if !v.macEqual(v.peerMAC.Keys, strings.Join(keyIDs, ","), incoming+"KEY_IDS") {
		return protocolErrorf(schema.CancelKeyMismatch, "key ID list MAC mismatch")
	}

	deviceKeyID := "ed25519:" + v.request.PeerDevice
	verifiedDevice := false
	for _, keyID := range keyIDs {
		algorithm, deviceID, ok := strings.Cut(keyID, ":")
		if !ok || algorithm != "ed25519" {
			continue
		}
		device, known := devices[deviceID]
		if !known {
			continue
		}
		publicKey := device.Keys[keyID]
		if publicKey == "" {
			continue
		}
		if !v.macEqual(v.peerMAC.MAC[keyID], publicKey, incoming+keyID) {
			return protocolErrorf(schema.CancelKeyMismatch, "MAC mismatch for %s", keyID)
		}
		if keyID == deviceKeyID {
			verifiedDevice = true
		}
	}
	if !verifiedDevice {
		return protocolErrorf(schema.CancelKeyMismatch, "peer did not MAC its device key %s", deviceKeyID)
	}
	return nil
}

func (v *sasVerifier) macInfo(sender ref.UserID, senderDevice string, receiver ref.UserID, receiverDevice string) string {
	return "MATRIX_KEY_VERIFICATION_MAC" +
		sender.String() + senderDevice +
		receiver.String() + receiverDevice +
		v.request.TransactionID
}

// mac computes hkdf-hmac-sha256.v2 of input.
func (v *sasVerifier) mac(input, info string) string {
	return encodeKey(computeMAC(v.shared, input, info))
}

func (v *sasVerifier) macEqual(encoded, input, info string) bool {
	got, err := decodeKey(encoded)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(v.shared, input, info))
}

func computeMAC(shared []byte, input, info string) []byte {
	key := make([]byte, sha256.Size)
	// An HKDF reader only fails past 255 blocks.
	_, _ = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(info)), key)
	h := hmac.New(sha256.New, key)
	h.Write([]byte(input))
	return h.Sum(nil)
}

func (v *sasVerifier) sendPeer(ctx context.Context, eventType ref.EventType, content any) error {
	return v.protocol.send(ctx, v.request.Peer, v.request.PeerDevice, eventType, content)
}

// encodeKey is Matrix's unpadded standard base64.
func encodeKey(raw []byte) string { return base64.RawStdEncoding.EncodeToString(raw) }

func decodeKey(encoded string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
}
