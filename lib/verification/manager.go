// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package verification drives interactive SAS device verification.
//
// A [Manager] runs one supervisor goroutine that owns every
// transaction's state. Protocol callbacks never touch that state: they
// post signals, and the supervisor de-duplicates them. Binding a
// verifier and driving its handshake each happen at most once per
// transaction, guarded by claim sets. At most one verification is
// active at a time; requests that arrive meanwhile are ignored. A
// finished transaction ID is dead and every later signal for it is
// dropped.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/clock"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/schema"
)

// Request is an inbound m.key.verification.request.
type Request struct {
	TransactionID string
	Peer          ref.UserID
	PeerDevice    string
	Methods       []string
}

// Protocol sends the request-level messages.
type Protocol interface {
	// Accept acknowledges a request (m.key.verification.ready).
	Accept(ctx context.Context, request Request) error

	// Cancel cancels a request that has no verifier yet.
	Cancel(ctx context.Context, request Request, code, reason string) error

	// Forget releases any per-transaction state the protocol holds.
	Forget(transactionID string)
}

// Verifier runs the SAS handshake for one transaction.
type Verifier interface {
	// Verify advances the handshake through key exchange and returns
	// the key agreement output for the short authentication string.
	Verify(ctx context.Context) ([]byte, error)

	// Confirm sends the local match acknowledgement, finishes the
	// handshake, and waits for the peer to finish too.
	Confirm(ctx context.Context) error

	// Cancel aborts the handshake and notifies the peer.
	Cancel(ctx context.Context, code, reason string) error

	// OnDone and OnCancel register completion callbacks. They may be
	// called from any goroutine.
	OnDone(func())
	OnCancel(func(code, reason string))
}

// Decision is the operator's answer to a SAS comparison.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionConfirm
	DecisionCancel
)

// State is a transaction's position in the state machine.
type State string

const (
	StateRequested   State = "requested"
	StateBound       State = "bound"
	StateHandshaking State = "handshaking"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
)

// Outcome reports how a transaction ended.
type Outcome struct {
	TransactionID string
	Peer          ref.UserID
	PeerDevice    string
	State         State

	// Code and Reason are set for cancellations.
	Code   string
	Reason string
}

// Reporter presents verification progress to the operator.
type Reporter interface {
	ShowSAS(request Request, sas SAS)
	Finished(outcome Outcome)
}

// Config configures a Manager.
type Config struct {
	Protocol Protocol

	// Reporter is optional.
	Reporter Reporter

	// OnVerified runs after a successful verification, in its own
	// goroutine. Optional.
	OnVerified func(ctx context.Context, outcome Outcome)

	// Timeout cancels a transaction that has not finished. Defaults
	// to 10 minutes.
	Timeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager is the verification supervisor.
type Manager struct {
	protocol   Protocol
	reporter   Reporter
	onVerified func(context.Context, Outcome)
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	signals chan signal
	stopped chan struct{}
}

// New creates a Manager. Signals are processed once Run starts.
func New(config Config) (*Manager, error) {
	if config.Protocol == nil {
		return nil, fmt.Errorf("verification: Protocol is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		protocol:   config.Protocol,
		reporter:   config.Reporter,
		onVerified: config.OnVerified,
		timeout:    config.Timeout,
		clock:      config.Clock,
		logger:     config.Logger,
		signals:    make(chan signal, 64),
		stopped:    make(chan struct{}),
	}, nil
}

// Requested reports an inbound verification request.
func (m *Manager) Requested(request Request) {
	m.post(signal{kind: signalRequest, transactionID: request.TransactionID, request: request})
}

// RequestChanged reports that a request moved to the started phase
// and its verifier is available.
func (m *Manager) RequestChanged(transactionID string, verifier Verifier) {
	m.post(signal{kind: signalVerifier, transactionID: transactionID, verifier: verifier})
}

// Started reports a start message correlated to a transaction.
func (m *Manager) Started(transactionID string, verifier Verifier) {
	m.post(signal{kind: signalVerifier, transactionID: transactionID, verifier: verifier})
}

// Cancelled reports a remote cancellation.
func (m *Manager) Cancelled(transactionID, code, reason string) {
	m.post(signal{kind: signalCancel, transactionID: transactionID, code: code, reason: reason})
}

// Decide records the operator's decision for the active transaction.
// Confirming before the SAS is shown queues the decision; cancelling
// takes effect immediately.
func (m *Manager) Decide(decision Decision) {
	m.post(signal{kind: signalDecision, decision: decision})
}

// Status is a snapshot of the active transaction, as returned by
// [Manager.Active].
type Status struct {
	TransactionID string
	Peer          ref.UserID
	State         State

	// SAS is set once computed.
	SAS *SAS
}

// Active returns the active transaction's status, or false when none
// is active. It waits for every signal posted before it.
func (m *Manager) Active(ctx context.Context) (Status, bool, error) {
	reply := make(chan *Status, 1)
	select {
	case m.signals <- signal{kind: signalQuery, reply: reply}:
	case <-m.stopped:
		return Status{}, false, fmt.Errorf("verification: manager stopped")
	case <-ctx.Done():
		return Status{}, false, ctx.Err()
	}
	select {
	case status := <-reply:
		if status == nil {
			return Status{}, false, nil
		}
		return *status, true, nil
	case <-ctx.Done():
		return Status{}, false, ctx.Err()
	}
}

// post delivers a signal to the supervisor. Signals posted after Run
// returns are dropped.
func (m *Manager) post(s signal) {
	select {
	case m.signals <- s:
	case <-m.stopped:
	}
}

type signalKind int

const (
	signalRequest signalKind = iota
	signalVerifier
	signalSAS
	signalDecision
	signalDone
	signalCancel
	signalFailure
	signalTimeout
	signalQuery
)

type signal struct {
	kind          signalKind
	transactionID string
	request       Request
	verifier      Verifier
	sas           []byte
	decision      Decision
	code          string
	reason        string
	err           error
	reply         chan<- *Status
}

// session is the supervisor's record for one live transaction.
type session struct {
	request    Request
	state      State
	verifier   Verifier
	sas        *SAS
	decision   Decision
	confirming bool
	timer      *clock.Timer
}

// claimSet is an insert-if-absent set of transaction IDs.
type claimSet map[string]struct{}

// Claim inserts id and reports whether it was absent.
func (c claimSet) Claim(id string) bool {
	if _, ok := c[id]; ok {
		return false
	}
	c[id] = struct{}{}
	return true
}

func (c claimSet) release(id string) { delete(c, id) }

// deadRetention is how long a finished transaction ID is remembered.
// A replayed request older than this fails the protocol's timestamp
// check, so forgetting the ID cannot revive it.
const deadRetention = 2 * requestMaxAge

// deadSet records when each finished transaction ID died.
type deadSet map[string]time.Time

func (d deadSet) contains(id string) bool {
	_, ok := d[id]
	return ok
}

// prune drops IDs that died before now minus deadRetention.
func (d deadSet) prune(now time.Time) {
	for id, diedAt := range d {
		if now.Sub(diedAt) > deadRetention {
			delete(d, id)
		}
	}
}

// supervisor is the state owned by Run.
type supervisor struct {
	*Manager
	ctx      context.Context
	sessions map[string]*session
	bound    claimSet
	driving  claimSet
	dead     deadSet
	active   string
}

// Run processes signals until ctx is cancelled. An active transaction
// is cancelled on the way out.
func (m *Manager) Run(ctx context.Context) {
	s := &supervisor{
		Manager:  m,
		ctx:      ctx,
		sessions: make(map[string]*session),
		bound:    make(claimSet),
		driving:  make(claimSet),
		dead:     make(deadSet),
	}
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			if s.active != "" {
				s.cancelLocal(s.active, schema.CancelUser, "verifier shutting down")
			}
			return
		case sig := <-m.signals:
			s.handle(sig)
		}
	}
}

func (s *supervisor) handle(sig signal) {
	switch sig.kind {
	case signalRequest:
		s.handleRequest(sig.request)
	case signalVerifier:
		s.handleVerifier(sig.transactionID, sig.verifier)
	case signalSAS:
		s.handleSAS(sig.transactionID, sig.sas)
	case signalDecision:
		s.handleDecision(sig.decision)
	case signalDone:
		s.finish(sig.transactionID, StateCompleted, "", "")
	case signalCancel:
		s.finish(sig.transactionID, StateCancelled, sig.code, sig.reason)
	case signalFailure:
		if _, live := s.sessions[sig.transactionID]; live {
			s.logger.Warn("verification failed",
				"transaction_id", sig.transactionID,
				"code", sig.code,
				"error", sig.err,
			)
			s.cancelLocal(sig.transactionID, sig.code, sig.err.Error())
		}
	case signalTimeout:
		if _, live := s.sessions[sig.transactionID]; live {
			s.cancelLocal(sig.transactionID, schema.CancelTimeout, "verification timed out")
		}
	case signalQuery:
		sig.reply <- s.status()
	}
}

func (s *supervisor) status() *Status {
	sess, live := s.sessions[s.active]
	if s.active == "" || !live {
		return nil
	}
	return &Status{
		TransactionID: s.active,
		Peer:          sess.request.Peer,
		State:         sess.state,
		SAS:           sess.sas,
	}
}

func (s *supervisor) handleRequest(request Request) {
	transactionID := request.TransactionID
	if transactionID == "" {
		return
	}
	s.dead.prune(s.clock.Now())
	if s.dead.contains(transactionID) {
		s.protocol.Forget(transactionID)
		return
	}
	if s.active != "" {
		if s.active != transactionID {
			s.logger.Info("ignoring verification request while another is active",
				"transaction_id", transactionID,
				"active", s.active,
				"peer", request.Peer,
			)
			s.protocol.Forget(transactionID)
		}
		return
	}

	s.active = transactionID
	sess := &session{request: request, state: StateRequested}
	s.sessions[transactionID] = sess
	sess.timer = s.clock.AfterFunc(s.timeout, func() {
		s.post(signal{kind: signalTimeout, transactionID: transactionID})
	})
	s.logger.Info("verification requested",
		"transaction_id", transactionID,
		"peer", request.Peer,
		"peer_device", request.PeerDevice,
	)

	go func() {
		if err := s.protocol.Accept(s.ctx, request); err != nil {
			s.post(signal{
				kind:          signalFailure,
				transactionID: transactionID,
				code:          schema.CancelUnknownMethod,
				err:           fmt.Errorf("accepting request: %w", err),
			})
		}
	}()
}

// handleVerifier binds the verifier and drives the handshake. Both
// steps are claim-guarded, so the second of the two signals that
// carry a verifier does nothing.
func (s *supervisor) handleVerifier(transactionID string, verifier Verifier) {
	sess, live := s.sessions[transactionID]
	if !live {
		// Dead or never admitted: the protocol's verifier has no owner.
		s.protocol.Forget(transactionID)
		return
	}
	if verifier == nil {
		return
	}

	if s.bound.Claim(transactionID) {
		sess.verifier = verifier
		sess.state = StateBound
		verifier.OnDone(func() {
			s.post(signal{kind: signalDone, transactionID: transactionID})
		})
		verifier.OnCancel(func(code, reason string) {
			s.post(signal{kind: signalCancel, transactionID: transactionID, code: code, reason: reason})
		})
	}

	if sess.verifier == nil || !s.driving.Claim(transactionID) {
		return
	}
	sess.state = StateHandshaking
	bound := sess.verifier
	go func() {
		raw, err := bound.Verify(s.ctx)
		if err != nil {
			s.post(signal{kind: signalFailure, transactionID: transactionID, code: cancelCode(err), err: err})
			return
		}
		s.post(signal{kind: signalSAS, transactionID: transactionID, sas: raw})
	}()
}

func (s *supervisor) handleSAS(transactionID string, raw []byte) {
	sess, live := s.sessions[transactionID]
	if !live || sess.sas != nil {
		return
	}
	sas, err := SASFromBytes(raw)
	if err != nil {
		s.cancelLocal(transactionID, schema.CancelInvalidMessage, err.Error())
		return
	}
	sess.sas = &sas
	s.logger.Info("SAS ready for comparison",
		"transaction_id", transactionID,
		"decimal", sas.DecimalString(),
	)
	if s.reporter != nil {
		s.reporter.ShowSAS(sess.request, sas)
	}
	if sess.decision == DecisionConfirm {
		s.confirm(transactionID, sess)
	}
}

func (s *supervisor) handleDecision(decision Decision) {
	if s.active == "" {
		return
	}
	transactionID := s.active
	sess := s.sessions[transactionID]
	switch decision {
	case DecisionCancel:
		s.cancelLocal(transactionID, schema.CancelUser, "declined by operator")
	case DecisionConfirm:
		if sess.sas == nil {
			sess.decision = DecisionConfirm
			return
		}
		s.confirm(transactionID, sess)
	}
}

func (s *supervisor) confirm(transactionID string, sess *session) {
	if sess.confirming {
		return
	}
	sess.confirming = true
	verifier := sess.verifier
	go func() {
		if err := verifier.Confirm(s.ctx); err != nil {
			s.post(signal{kind: signalFailure, transactionID: transactionID, code: cancelCode(err), err: err})
		}
	}()
}

// cancelLocal notifies the peer and finishes the transaction.
func (s *supervisor) cancelLocal(transactionID, code, reason string) {
	sess, live := s.sessions[transactionID]
	if !live {
		return
	}
	verifier := sess.verifier
	request := sess.request
	ctx := context.WithoutCancel(s.ctx)
	go func() {
		var err error
		if verifier != nil {
			err = verifier.Cancel(ctx, code, reason)
		} else {
			err = s.protocol.Cancel(ctx, request, code, reason)
		}
		if err != nil {
			s.logger.Debug("sending verification cancel failed", "transaction_id", transactionID, "error", err)
		}
	}()
	s.finish(transactionID, StateCancelled, code, reason)
}

// finish purges every trace of the transaction and marks it dead.
func (s *supervisor) finish(transactionID string, state State, code, reason string) {
	sess, live := s.sessions[transactionID]
	if !live {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	delete(s.sessions, transactionID)
	s.bound.release(transactionID)
	s.driving.release(transactionID)
	s.dead.prune(s.clock.Now())
	s.dead[transactionID] = s.clock.Now()
	if s.active == transactionID {
		s.active = ""
	}
	s.protocol.Forget(transactionID)

	outcome := Outcome{
		TransactionID: transactionID,
		Peer:          sess.request.Peer,
		PeerDevice:    sess.request.PeerDevice,
		State:         state,
		Code:          code,
		Reason:        reason,
	}
	if state == StateCompleted {
		s.logger.Info("verification completed",
			"transaction_id", transactionID,
			"peer", outcome.Peer,
			"peer_device", outcome.PeerDevice,
		)
	} else {
		s.logger.Info("verification cancelled",
			"transaction_id", transactionID,
			"code", code,
			"reason", reason,
		)
	}
	if s.reporter != nil {
		s.reporter.Finished(outcome)
	}
	if state == StateCompleted && s.onVerified != nil {
		go s.onVerified(context.WithoutCancel(s.ctx), outcome)
	}
}
