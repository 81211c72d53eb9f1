// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package kdf provides the stateless HKDF-SHA256 and HMAC-SHA256 primitives
// that every key derivation in this module is built from. All derivations
// are domain separated by the label constants below; two different concerns
// must never share a label.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of all symmetric keys derived by this package.
	KeySize = 32
)

// Domain separation labels. These are wire-visible constants; changing any
// of them breaks interoperability with existing sessions.
var (
	LabelSession     = []byte("braid-session-v1")
	LabelRatchetStep = []byte("braid-ratchet-step-v1")
	LabelMessageKeys = []byte("braid-message-keys-v1")
	LabelEpochChain  = []byte("braid-epoch-chain-v1")
	LabelEpochSecret = []byte("braid-epoch-secret-v1")
	LabelAuth        = []byte("braid-auth-v1")
	LabelSplitKEM    = []byte("braid-split-kem-v1")
)

// Extract computes the HKDF-SHA256 extract step. A nil salt selects the
// all-zero salt of the hash length.
func Extract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// Expand computes n bytes of HKDF-SHA256 expand output for prk under info.
func Expand(prk, info []byte, n int) []byte {
	out := make([]byte, n)
	r := hkdf.Expand(sha256.New, prk, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable when n exceeds the HKDF output bound, which is
		// a programming error here.
		panic("kdf: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveSecrets runs the full extract-then-expand derivation.
func DeriveSecrets(ikm, salt, info []byte, n int) []byte {
	return Expand(Extract(salt, ikm), info, n)
}

// Mac computes HMAC-SHA256 of data under key.
func Mac(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// MacVerify reports whether mac is a valid HMAC-SHA256 of data under key,
// in constant time.
func MacVerify(key, data, mac []byte) bool {
	return hmac.Equal(Mac(key, data), mac)
}
