// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import "time"

const (
	// KeySize is the size of root keys, chain keys, cipher keys and MAC
	// keys in bytes.
	KeySize = 32

	// IVSize is the size of the per-message IV in bytes.
	IVSize = 16

	// MessageKeyMaterialSize is the size of one serialized MessageKeys
	// value: cipher key, MAC key, IV.
	MessageKeyMaterialSize = 2*KeySize + IVSize

	// MaxMessageKeys bounds the skipped message key cache per session.
	MaxMessageKeys = 2000

	// MaxForwardJumps bounds how far ahead of the current chain index a
	// message counter may point before the message is rejected outright.
	MaxForwardJumps = 25000

	// MaxReceiverChains bounds the number of live receiving chains kept in
	// one session state. Oldest chains are evicted first.
	MaxReceiverChains = 5

	// MaxSkippedKeyAge is the maximum lifetime of a cached skipped message
	// key; older entries are dropped when state is serialized.
	MaxSkippedKeyAge = time.Hour * 672
)

// Single byte HMAC inputs separating the two derivations that share one
// chain key.
const (
	messageKeySeedByte = 0x01
	chainKeyStepByte   = 0x02
)
