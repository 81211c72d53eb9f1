// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake establishes sessions from published prekey bundles.
// The initiator derives a shared secret from four X25519 agreements plus
// an ML-KEM-768 encapsulation against the bundle, the responder mirrors
// the derivation from the establishment header. Both sides end up with
// the same root key, the same first sending chain on the initiator side,
// and a post-quantum ratchet seeded from the derived secret.
package handshake

import (
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/katzenpost/hpqc/kem/mlkem768"

	"github.com/braid-im/braid/kdf"
	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/session"
	"github.com/braid-im/braid/splitkem"
	"github.com/braid-im/braid/utils"
)

// ErrHandshake covers malformed establishment material: bad public keys,
// low order points, undecapsulatable KEM ciphertexts.
var ErrHandshake = errors.New("handshake: establishment failed")

// derivedSize is root key + first chain key + post-quantum seed.
const derivedSize = 3 * kdf.KeySize

// Establishment is the header the initiator attaches to messages until
// the responder replies. It carries everything the responder needs to
// mirror the secret derivation.
type Establishment struct {
	RegistrationID uint32

	IdentityPub [ratchet.KeySize]byte
	BasePub     [ratchet.KeySize]byte

	SignedPrekeyID  uint32
	OneTimePrekeyID uint32
	KEMPrekeyID     uint32
	KEMCiphertext   []byte
}

func dh(priv, pub [ratchet.KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil || utils.CtIsZero(out) {
		return nil, ErrHandshake
	}
	return out, nil
}

// masterSecret assembles the PQXDH input keying material. The leading
// 0xFF block keeps the encoding disjoint from any raw public key.
func masterSecret(dhs [][]byte, kemSecret []byte) []byte {
	ikm := make([]byte, 0, 32+5*32)
	for i := 0; i < 32; i++ {
		ikm = append(ikm, 0xFF)
	}
	for _, d := range dhs {
		ikm = append(ikm, d...)
	}
	return append(ikm, kemSecret...)
}

func pqMode(scheme splitkem.Scheme) pqratchet.Mode {
	if scheme == nil {
		return pqratchet.ModeDisabled
	}
	return pqratchet.ModeBraid
}

// Initiate runs the initiator side against a verified bundle. It returns
// the new session state, ready to send, and the establishment header the
// peer needs. The initiator starts the braid as ciphertext sender.
func Initiate(rng io.Reader, local *Identity, bundle *Bundle, registrationID uint32, scheme splitkem.Scheme) (*session.State, *Establishment, error) {
	if err := bundle.Verify(); err != nil {
		return nil, nil, err
	}

	base, err := ratchet.GenerateKeyPair(rng)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := dh(local.DH.Private, bundle.SignedPrekey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh(base.Private, bundle.IdentityPub)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh(base.Private, bundle.SignedPrekey)
	if err != nil {
		return nil, nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if bundle.OneTimePrekeyID != 0 {
		var otk [ratchet.KeySize]byte
		if len(bundle.OneTimePrekey) != ratchet.KeySize {
			return nil, nil, ErrHandshake
		}
		copy(otk[:], bundle.OneTimePrekey)
		dh4, err := dh(base.Private, otk)
		if err != nil {
			return nil, nil, err
		}
		dhs = append(dhs, dh4)
	}

	kemPub, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(bundle.KEMPrekey)
	if err != nil {
		return nil, nil, ErrHandshake
	}
	kemCt, kemSecret, err := mlkem768.Scheme().Encapsulate(kemPub)
	if err != nil {
		return nil, nil, err
	}

	ikm := masterSecret(dhs, kemSecret)
	derived := kdf.DeriveSecrets(ikm, nil, kdf.LabelSession, derivedSize)
	utils.ExplicitBzero(ikm)

	st, err := initiatorState(rng, local, bundle, base, derived, scheme)
	if err != nil {
		return nil, nil, err
	}
	est := &Establishment{
		RegistrationID:  registrationID,
		IdentityPub:     local.DH.Public,
		BasePub:         base.Public,
		SignedPrekeyID:  bundle.SignedPrekeyID,
		OneTimePrekeyID: bundle.OneTimePrekeyID,
		KEMPrekeyID:     bundle.KEMPrekeyID,
		KEMCiphertext:   kemCt,
	}
	base.Wipe()
	return st, est, nil
}

func initiatorState(rng io.Reader, local *Identity, bundle *Bundle, base *ratchet.KeyPair, derived []byte, scheme splitkem.Scheme) (*session.State, error) {
	var root ratchet.RootKey
	copy(root[:], derived[:kdf.KeySize])
	pqSeed := derived[2*kdf.KeySize:]

	// Immediate ratchet step off the responder's signed prekey, so the
	// first message already rides a fresh sending chain.
	sendRatchet, err := ratchet.GenerateKeyPair(rng)
	if err != nil {
		return nil, err
	}
	newRoot, sendChain, err := root.CreateChain(bundle.SignedPrekey, sendRatchet)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	st := &session.State{
		CreatedAt:         now,
		LastUsedAt:        now,
		LocalIdentityPub:  local.DH.Public,
		RemoteIdentityPub: bundle.IdentityPub,
		AliceBasePub:      base.Public,
		Root:              *newRoot,
		SendRatchet:       *sendRatchet,
		SendChain:         *sendChain,
		PQ:                pqratchet.New(pqMode(scheme), pqratchet.RoleCTSender, pqSeed, scheme),
	}

	// The responder sends on the negotiation chain under its signed
	// prekey until it hears from us. Register that chain now so such
	// messages decrypt without a ratchet step.
	var negotiationChain ratchet.ChainKey
	copy(negotiationChain.Key[:], derived[kdf.KeySize:2*kdf.KeySize])
	st.AddReceiverChain(bundle.SignedPrekey, negotiationChain)

	utils.ExplicitBzero(derived)
	return st, nil
}

// Respond runs the responder side from a received establishment header.
// The referenced one-time prekey is looked up but not consumed; callers
// call Prekeys.Consume once the session proves out, so a malformed
// message cannot burn a prekey. The responder starts the braid as
// encapsulation key sender.
func Respond(local *Identity, prekeys *Prekeys, est *Establishment, scheme splitkem.Scheme) (*session.State, error) {
	if est.SignedPrekeyID != prekeys.SignedPrekeyID || est.KEMPrekeyID != prekeys.KEMPrekeyID {
		return nil, ErrPrekeyNotFound
	}

	dh1, err := dh(prekeys.SignedPrekey.Private, est.IdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(local.DH.Private, est.BasePub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(prekeys.SignedPrekey.Private, est.BasePub)
	if err != nil {
		return nil, err
	}
	dhs := [][]byte{dh1, dh2, dh3}
	if est.OneTimePrekeyID != 0 {
		otk, ok := prekeys.OneTime[est.OneTimePrekeyID]
		if !ok {
			return nil, ErrPrekeyNotFound
		}
		dh4, err := dh(otk.Private, est.BasePub)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}

	kemSecret, err := mlkem768.Scheme().Decapsulate(prekeys.KEMPrekey, est.KEMCiphertext)
	if err != nil {
		return nil, ErrHandshake
	}

	ikm := masterSecret(dhs, kemSecret)
	derived := kdf.DeriveSecrets(ikm, nil, kdf.LabelSession, derivedSize)
	utils.ExplicitBzero(ikm)

	var root ratchet.RootKey
	copy(root[:], derived[:kdf.KeySize])
	var chain ratchet.ChainKey
	copy(chain.Key[:], derived[kdf.KeySize:2*kdf.KeySize])
	pqSeed := derived[2*kdf.KeySize:]

	now := time.Now()
	st := &session.State{
		CreatedAt:         now,
		LastUsedAt:        now,
		LocalIdentityPub:  local.DH.Public,
		RemoteIdentityPub: est.IdentityPub,
		AliceBasePub:      est.BasePub,
		Root:              root,
		// The signed prekey doubles as the first local ratchet key; the
		// initiator's first message ratchets it out.
		SendRatchet: prekeys.SignedPrekey,
		SendChain:   chain,
		PQ:          pqratchet.New(pqMode(scheme), pqratchet.RoleEKSender, pqSeed, scheme),
	}
	utils.ExplicitBzero(derived)
	return st, nil
}
