// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
)

// identityDomainKey is the BLAKE3 key for identity hashing. Changing
// it changes every identity key and orphans every stored row.
var identityDomainKey = [32]byte{
	'm', 'a', 't', 'r', 'i', 'x', '-', 'i', 'n', 'g', 'e', 's', 't', '.',
	'i', 'd', 'e', 'n', 't', 'i', 't', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// IdentityKey returns the hex-encoded storage key for an event. Events
// with a Matrix event ID hash (source, account, event ID); others hash
// the composite (source, account, type, room, sender, relation
// target). The two forms are tagged so they can never collide.
func IdentityKey(event *canonical.Event) string {
	identity := event.Identity()

	hasher, err := blake3.NewKeyed(identityDomainKey[:])
	if err != nil {
		panic("eventstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	write := func(field string) {
		var length [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(length[:], uint64(len(field)))
		hasher.Write(length[:n])
		hasher.Write([]byte(field))
	}

	if !identity.EventID.IsZero() {
		write("event")
		write(identity.Source)
		write(identity.AccountID)
		write(identity.EventID.String())
	} else {
		write("composite")
		write(identity.Source)
		write(identity.AccountID)
		write(string(identity.Type))
		write(identity.RoomID.String())
		write(identity.SenderID.String())
		write(identity.RelatesEventID.String())
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
