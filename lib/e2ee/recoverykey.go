// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/crypto/utils"

	"github.com/bureau-foundation/matrix-ingest/lib/secret"
)

// RecoveryKeyLength is the size of a decoded recovery key.
const RecoveryKeyLength = 32

// ParseRecoveryKey decodes a Matrix recovery key. Whitespace is
// ignored, so the grouped form shown to users parses as-is.
func ParseRecoveryKey(encoded string) (*secret.Buffer, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	if compact == "" {
		return nil, fmt.Errorf("e2ee: recovery key is empty")
	}
	// DecodeBase58RecoveryKey checks the prefix, length, and parity
	// byte and returns nil when any of them is wrong.
	decoded := utils.DecodeBase58RecoveryKey(compact)
	if len(decoded) != RecoveryKeyLength {
		return nil, fmt.Errorf("e2ee: recovery key: not a valid base58 recovery key")
	}
	key := make([]byte, RecoveryKeyLength)
	copy(key, decoded)
	secret.Zero(decoded)
	return secret.NewFromBytes(key)
}

// EncodeRecoveryKey encodes a 32-byte key in the grouped form users
// see: base58 in blocks of four characters.
func EncodeRecoveryKey(key []byte) (string, error) {
	if len(key) != RecoveryKeyLength {
		return "", fmt.Errorf("e2ee: recovery key must be %d bytes, got %d", RecoveryKeyLength, len(key))
	}
	return utils.EncodeBase58RecoveryKey(key), nil
}

// KeyFromPassphrase derives a backup key from a passphrase with
// PBKDF2-SHA512, as legacy passphrase-based backups do.
func KeyFromPassphrase(passphrase []byte, salt string, iterations int) (*secret.Buffer, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("e2ee: passphrase iterations must be positive")
	}
	return secret.NewFromBytes(utils.PBKDF2SHA512(passphrase, []byte(salt), iterations, RecoveryKeyLength*8))
}
