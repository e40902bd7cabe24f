// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

// Transport is the part of messaging.Session the SAS protocol uses.
type Transport interface {
	UserID() ref.UserID
	DeviceID() ref.DeviceID
	SendToDevice(ctx context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error
	QueryKeys(ctx context.Context, users []ref.UserID) (*messaging.KeysQueryResponse, error)
}

// DeviceKeySource returns this device's published identity keys.
// e2ee.Backend implements it.
type DeviceKeySource interface {
	DeviceKeys() (messaging.DeviceKeys, error)
}

// Sink receives the signals the protocol derives from to-device
// traffic. Manager implements it.
type Sink interface {
	Requested(request Request)
	RequestChanged(transactionID string, verifier Verifier)
	Started(transactionID string, verifier Verifier)
	Cancelled(transactionID, code, reason string)
}

var _ Sink = (*Manager)(nil)

// requestMaxAge bounds how old (or how far in the future) a request's
// timestamp may be.
const requestMaxAge = 10 * time.Minute

// SASConfig configures a SASProtocol.
type SASConfig struct {
	Transport  Transport
	DeviceKeys DeviceKeySource
	Clock      clock.Clock
	Logger     *slog.Logger
}

// SASProtocol implements m.sas.v1 over to-device messages, as the
// accepting side: the peer sends the request and the start.
type SASProtocol struct {
	transport  Transport
	deviceKeys DeviceKeySource
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	requests  map[string]pendingRequest
	verifiers map[string]*sasVerifier
}

type pendingRequest struct {
	Request
	received time.Time
}

var _ Protocol = (*SASProtocol)(nil)

// NewSASProtocol creates a SASProtocol.
func NewSASProtocol(config SASConfig) (*SASProtocol, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("verification: Transport is required")
	}
	if config.DeviceKeys == nil {
		return nil, fmt.Errorf("verification: DeviceKeys is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SASProtocol{
		transport:  config.Transport,
		deviceKeys: config.DeviceKeys,
		clock:      config.Clock,
		logger:     config.Logger,
		requests:   make(map[string]pendingRequest),
		verifiers:  make(map[string]*sasVerifier),
	}, nil
}

// Accept sends m.key.verification.ready.
func (p *SASProtocol) Accept(ctx context.Context, request Request) error {
	if !slices.Contains(request.Methods, schema.VerificationMethodSAS) {
		return fmt.Errorf("verification: peer offers no supported method (%v)", request.Methods)
	}
	content := schema.VerificationReadyContent{
		FromDevice:    p.transport.DeviceID().String(),
		Methods:       []string{schema.VerificationMethodSAS},
		TransactionID: request.TransactionID,
	}
	return p.send(ctx, request.Peer, request.PeerDevice, schema.EventTypeVerificationReady, content)
}

// Cancel sends m.key.verification.cancel for a request.
func (p *SASProtocol) Cancel(ctx context.Context, request Request, code, reason string) error {
	content := schema.VerificationCancelContent{
		TransactionID: request.TransactionID,
		Code:          code,
		Reason:        reason,
	}
	return p.send(ctx, request.Peer, request.PeerDevice, schema.EventTypeVerificationCancel, content)
}

// Forget drops the request and verifier for a finished transaction.
func (p *SASProtocol) Forget(transactionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, transactionID)
	delete(p.verifiers, transactionID)
}

// HandleToDevice routes one cleartext verification message. Messages
// for unknown transactions, from the wrong sender, or of types the
// accepting side never receives are dropped.
func (p *SASProtocol) HandleToDevice(ctx context.Context, event messaging.Event, sink Sink) {
	var transaction schema.VerificationTransaction
	if err := event.DecodeContent(&transaction); err != nil || transaction.TransactionID == "" {
		p.logger.Debug("dropping verification message without transaction", "type", event.Type, "sender", event.Sender)
		return
	}
	transactionID := transaction.TransactionID

	switch event.Type {
	case schema.EventTypeVerificationRequest:
		p.handleRequest(event, sink)

	case schema.EventTypeVerificationStart:
		p.handleStart(event, sink)

	case schema.EventTypeVerificationKey,
		schema.EventTypeVerificationMAC,
		schema.EventTypeVerificationDone:
		if verifier := p.verifier(transactionID, event.Sender); verifier != nil {
			verifier.deliver(event)
		}

	case schema.EventTypeVerificationCancel:
		var cancel schema.VerificationCancelContent
		if err := event.DecodeContent(&cancel); err != nil {
			return
		}
		if verifier := p.verifier(transactionID, event.Sender); verifier != nil {
			verifier.remoteCancel(cancel.Code, cancel.Reason)
			return
		}
		if p.knownRequest(transactionID, event.Sender) {
			sink.Cancelled(transactionID, cancel.Code, cancel.Reason)
		}

	default:
		p.logger.Debug("ignoring verification message", "type", event.Type, "transaction_id", transactionID)
	}
}

func (p *SASProtocol) handleRequest(event messaging.Event, sink Sink) {
	var content schema.VerificationRequestContent
	if err := event.DecodeContent(&content); err != nil || content.FromDevice == "" {
		return
	}
	sent := time.UnixMilli(content.Timestamp)
	if age := p.clock.Now().Sub(sent); age > requestMaxAge || age < -requestMaxAge/2 {
		p.logger.Info("ignoring stale verification request",
			"transaction_id", content.TransactionID,
			"sender", event.Sender,
			"age", age,
		)
		return
	}
	request := Request{
		TransactionID: content.TransactionID,
		Peer:          event.Sender,
		PeerDevice:    content.FromDevice,
		Methods:       content.Methods,
	}
	p.mu.Lock()
	p.pruneLocked()
	if _, exists := p.requests[request.TransactionID]; !exists {
		p.requests[request.TransactionID] = pendingRequest{Request: request, received: p.clock.Now()}
	}
	p.mu.Unlock()
	sink.Requested(request)
}

// pruneLocked drops requests that were never started and have
// outlived requestMaxAge. Started requests are released by Forget.
func (p *SASProtocol) pruneLocked() {
	now := p.clock.Now()
	for transactionID, pending := range p.requests {
		if _, started := p.verifiers[transactionID]; started {
			continue
		}
		if now.Sub(pending.received) > requestMaxAge {
			delete(p.requests, transactionID)
		}
	}
}

// handleStart creates the verifier for a started request and reports
// it twice: as the request changing phase, and as the start itself.
func (p *SASProtocol) handleStart(event messaging.Event, sink Sink) {
	var start schema.VerificationStartContent
	if err := event.DecodeContent(&start); err != nil {
		return
	}

	p.mu.Lock()
	pending, ok := p.requests[start.TransactionID]
	request := pending.Request
	if !ok || request.Peer != event.Sender || request.PeerDevice != start.FromDevice {
		p.mu.Unlock()
		return
	}
	verifier, exists := p.verifiers[start.TransactionID]
	if !exists {
		verifier = newSASVerifier(p, request, start, event.Content)
		p.verifiers[start.TransactionID] = verifier
	}
	p.mu.Unlock()

	sink.RequestChanged(start.TransactionID, verifier)
	sink.Started(start.TransactionID, verifier)
}

func (p *SASProtocol) verifier(transactionID string, sender ref.UserID) *sasVerifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	verifier := p.verifiers[transactionID]
	if verifier == nil || verifier.request.Peer != sender {
		return nil
	}
	return verifier
}

func (p *SASProtocol) knownRequest(transactionID string, sender ref.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	request, ok := p.requests[transactionID]
	return ok && request.Peer == sender
}

func (p *SASProtocol) send(ctx context.Context, user ref.UserID, device string, eventType ref.EventType, content any) error {
	messages := messaging.ToDeviceMessages{user: {device: content}}
	if err := p.transport.SendToDevice(ctx, eventType, messages); err != nil {
		return fmt.Errorf("verification: sending %s: %w", eventType, err)
	}
	return nil
}
