// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Every to-device verification message carries the transaction ID
// that correlates it with the originating request.

// VerificationRequestContent is m.key.verification.request.
type VerificationRequestContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	Timestamp     int64    `json:"timestamp"`
	TransactionID string   `json:"transaction_id"`
}

// VerificationReadyContent is m.key.verification.ready.
type VerificationReadyContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionID string   `json:"transaction_id"`
}

// VerificationStartContent is m.key.verification.start for m.sas.v1.
type VerificationStartContent struct {
	FromDevice                 string   `json:"from_device"`
	Method                     string   `json:"method"`
	TransactionID              string   `json:"transaction_id"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string `json:"short_authentication_string,omitempty"`
}

// VerificationAcceptContent is m.key.verification.accept, sent by the
// device that did not send the start.
type VerificationAcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	Method                    string   `json:"method,omitempty"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`

	// Commitment is the unpadded base64 SHA-256 of the accepter's
	// ephemeral public key concatenated with the canonical JSON of the
	// start content.
	Commitment string `json:"commitment"`
}

// VerificationKeyContent is m.key.verification.key: an ephemeral
// Curve25519 public key, unpadded base64.
type VerificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

// VerificationMACContent is m.key.verification.mac.
type VerificationMACContent struct {
	TransactionID string `json:"transaction_id"`

	// MAC maps key ID (e.g. "ed25519:DEVICE") to the MAC of that key.
	MAC map[string]string `json:"mac"`

	// Keys is the MAC of the sorted, comma-joined key IDs in MAC.
	Keys string `json:"keys"`
}

// VerificationCancelContent is m.key.verification.cancel.
type VerificationCancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// VerificationDoneContent is m.key.verification.done.
type VerificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// VerificationTransaction extracts just the transaction ID from any
// verification message.
type VerificationTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// SAS parameters. Only the current key agreement and MAC variants are
// offered.
const (
	KeyAgreementCurve25519HKDF = "curve25519-hkdf-sha256"
	HashSHA256                 = "sha256"
	MACHKDFHMACSHA256V2        = "hkdf-hmac-sha256.v2"
	SASDecimal                 = "decimal"
	SASEmoji                   = "emoji"
)

// Cancellation codes.
const (
	CancelUser               = "m.user"
	CancelTimeout            = "m.timeout"
	CancelUnknownTransaction = "m.unknown_transaction"
	CancelUnknownMethod      = "m.unknown_method"
	CancelUnexpectedMessage  = "m.unexpected_message"
	CancelMismatchedSAS      = "m.mismatched_sas"
	CancelAccepted           = "m.accepted"
	CancelKeyMismatch        = "m.key_mismatch"
	CancelInvalidMessage     = "m.invalid_message"
)
