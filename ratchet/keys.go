// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements the classical half of the braid key hierarchy:
// a Diffie-Hellman ratchet over X25519 whose root key seeds per-direction
// symmetric chains, and the final per-message key derivation that mixes in
// optional post-quantum material.
package ratchet

import (
	"errors"
	"io"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/curve25519"

	"github.com/braid-im/braid/kdf"
	"github.com/braid-im/braid/utils"
)

var (
	// ErrInvalidRatchetKey is returned when a Diffie-Hellman agreement with
	// a peer ratchet key yields the identity or fails to compute.
	ErrInvalidRatchetKey = errors.New("ratchet: invalid ratchet public key")
)

// KeyPair is an X25519 ratchet key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair creates a fresh ratchet key pair from rng.
func GenerateKeyPair(rng io.Reader) (*KeyPair, error) {
	pub, priv, err := x25519.Scheme(rand.Reader).GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, err
	}
	kp := new(KeyPair)
	copy(kp.Private[:], priv.Bytes())
	copy(kp.Public[:], pub.Bytes())
	priv.Reset()
	return kp, nil
}

// Wipe clears the private half.
func (k *KeyPair) Wipe() {
	utils.ExplicitBzero(k.Private[:])
}

// RootKey seeds one DH-ratchet step. It is replaced wholesale by every step.
type RootKey [KeySize]byte

// CreateChain performs one DH-ratchet derivation: a single X25519 agreement
// between our ratchet key pair and the peer's ratchet public key, keyed by
// the current root key, yielding the next root key and a chain key at index
// zero. The caller invokes this twice per ratchet step, receiving chain
// first.
func (r *RootKey) CreateChain(theirRatchetKey [KeySize]byte, ourKeys *KeyPair) (*RootKey, *ChainKey, error) {
	dh, err := curve25519.X25519(ourKeys.Private[:], theirRatchetKey[:])
	if err != nil || utils.CtIsZero(dh) {
		return nil, nil, ErrInvalidRatchetKey
	}
	out := kdf.DeriveSecrets(dh, r[:], kdf.LabelRatchetStep, 2*KeySize)
	utils.ExplicitBzero(dh)

	newRoot := new(RootKey)
	copy(newRoot[:], out[:KeySize])
	ck := new(ChainKey)
	copy(ck.Key[:], out[KeySize:])
	ck.Index = 0
	utils.ExplicitBzero(out)
	return newRoot, ck, nil
}

// ChainKey is one step of a per-direction symmetric ratchet.
type ChainKey struct {
	Key   [KeySize]byte
	Index uint32
}

// Next advances the chain by one HMAC step. It is a pure function; the
// receiver is not modified.
func (c *ChainKey) Next() *ChainKey {
	n := new(ChainKey)
	copy(n.Key[:], kdf.Mac(c.Key[:], []byte{chainKeyStepByte}))
	n.Index = c.Index + 1
	return n
}

// MessageKeySeed derives the message key seed for this chain position
// without consuming the chain key. Advancement happens only via Next.
func (c *ChainKey) MessageKeySeed() []byte {
	return kdf.Mac(c.Key[:], []byte{messageKeySeedByte})
}

// Wipe clears the key material.
func (c *ChainKey) Wipe() {
	utils.ExplicitBzero(c.Key[:])
}

// PQSalt is one derived post-quantum message key, mixed into the classical
// derivation as HKDF salt. A nil *PQSalt means the derivation is classical
// only.
type PQSalt [KeySize]byte

// MessageKeys is the per-message key material handed to the cipher
// collaborator.
type MessageKeys struct {
	CipherKey [KeySize]byte
	MacKey    [KeySize]byte
	IV        [IVSize]byte
	Counter   uint32
}

// DeriveMessageKeys expands a message key seed into cipher key, MAC key and
// IV. Post-quantum material enters as HKDF salt only, never as input key
// material, so the classical seed alone still fully determines security
// against a classical adversary and absence of PQ material degrades to
// classical-only derivation.
func DeriveMessageKeys(seed []byte, pqSalt *PQSalt, counter uint32) *MessageKeys {
	var salt []byte
	if pqSalt != nil {
		salt = pqSalt[:]
	}
	out := kdf.DeriveSecrets(seed, salt, kdf.LabelMessageKeys, MessageKeyMaterialSize)
	mk := new(MessageKeys)
	copy(mk.CipherKey[:], out[:KeySize])
	copy(mk.MacKey[:], out[KeySize:2*KeySize])
	copy(mk.IV[:], out[2*KeySize:])
	mk.Counter = counter
	utils.ExplicitBzero(out)
	return mk
}

// Bytes serializes the key material in cipher|mac|iv order.
func (m *MessageKeys) Bytes() []byte {
	out := make([]byte, 0, MessageKeyMaterialSize)
	out = append(out, m.CipherKey[:]...)
	out = append(out, m.MacKey[:]...)
	out = append(out, m.IV[:]...)
	return out
}

// MessageKeysFromBytes is the inverse of Bytes.
func MessageKeysFromBytes(b []byte, counter uint32) (*MessageKeys, error) {
	if len(b) != MessageKeyMaterialSize {
		return nil, errors.New("ratchet: bad serialized message key length")
	}
	mk := new(MessageKeys)
	copy(mk.CipherKey[:], b[:KeySize])
	copy(mk.MacKey[:], b[KeySize:2*KeySize])
	copy(mk.IV[:], b[2*KeySize:])
	mk.Counter = counter
	return mk, nil
}

// Wipe clears the key material.
func (m *MessageKeys) Wipe() {
	utils.ExplicitBzero(m.CipherKey[:])
	utils.ExplicitBzero(m.MacKey[:])
	utils.ExplicitBzero(m.IV[:])
}
