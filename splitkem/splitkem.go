// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package splitkem defines the split key encapsulation mechanism consumed by
// the braid ratchet. A split KEM decomposes an ordinary KEM into two public
// key halves and two ciphertext halves so that the large post-quantum values
// can be trickled across many messages instead of one oversized exchange:
//
//	Generate           -> (pkHeader, pkEK, decapKey)
//	Encaps1(pkHeader)  -> (ct1, state, secret)
//	Encaps2(pkEK, st)  -> ct2
//	Decaps(dk,ct1,ct2) -> secret
//
// The encapsulator learns the shared secret after Encaps1; the generator
// learns it only after receiving both ciphertext halves. The ratchet treats
// the mechanism as a black box and never inspects the byte contents of any
// half.
package splitkem

import (
	"errors"
	"io"
)

var (
	// ErrInvalidPublicKey is returned when a public key half fails to parse
	// or validate.
	ErrInvalidPublicKey = errors.New("splitkem: invalid public key")

	// ErrInvalidCiphertext is returned when a ciphertext half has the wrong
	// size or fails its integrity check.
	ErrInvalidCiphertext = errors.New("splitkem: invalid ciphertext")

	// ErrInvalidState is returned when an encapsulation state blob cannot
	// be used to complete Encaps2.
	ErrInvalidState = errors.New("splitkem: invalid encapsulation state")
)

// Scheme is a split KEM. All values are opaque byte strings of the fixed
// per-scheme sizes reported by the size accessors, which makes every half
// directly serializable into ratchet state and wire fragments.
type Scheme interface {
	// Name returns the scheme identifier.
	Name() string

	// Generate creates a fresh split keypair: the small header half of the
	// public key, the large encapsulation-key half, and the private
	// decapsulation key.
	Generate(rng io.Reader) (pkHeader, pkEK, decapKey []byte, err error)

	// Encaps1 performs the first encapsulation step against the header half
	// and yields the first ciphertext half, an opaque state blob needed by
	// Encaps2, and the shared secret.
	Encaps1(rng io.Reader, pkHeader []byte) (ct1, state, secret []byte, err error)

	// Encaps2 completes the encapsulation against the large public key half.
	Encaps2(rng io.Reader, pkEK, state []byte) (ct2 []byte, err error)

	// Decaps recovers the shared secret from both ciphertext halves.
	Decaps(decapKey, ct1, ct2 []byte) (secret []byte, err error)

	// HeaderPublicKeySize is the size of pkHeader in bytes.
	HeaderPublicKeySize() int

	// EKPublicKeySize is the size of pkEK in bytes.
	EKPublicKeySize() int

	// DecapKeySize is the size of decapKey in bytes.
	DecapKeySize() int

	// Ciphertext1Size is the size of ct1 in bytes.
	Ciphertext1Size() int

	// Ciphertext2Size is the size of ct2 in bytes.
	Ciphertext2Size() int

	// SharedSecretSize is the size of the shared secret in bytes.
	SharedSecretSize() int
}
