// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package pqratchet implements the post-quantum braid: two complementary
// state machines that trickle a split KEM exchange across ordinary
// messages, one shared secret per completed epoch, with the epoch secrets
// feeding per-direction symmetric chains. Roles alternate every epoch so a
// compromised party heals once a fresh epoch completes, independently of
// the classical ratchet.
package pqratchet

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/braid-im/braid/kdf"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/splitkem"
	"github.com/braid-im/braid/utils"
)

var (
	// ErrAuthentication is returned when a fragment MAC fails to verify.
	// The state machine does not advance.
	ErrAuthentication = errors.New("pqratchet: fragment authentication failed")

	// ErrBraidFault is returned when an authenticated braid value fails to
	// decapsulate. The braid freezes; classical derivation continues.
	ErrBraidFault = errors.New("pqratchet: braid protocol fault")

	// ErrNoScheme is returned when an operation requires the split KEM
	// scheme but none was attached.
	ErrNoScheme = errors.New("pqratchet: no split KEM scheme attached")
)

// PQRatchet is one party's braid engine for one session.
type PQRatchet struct {
	Mode Mode
	Role Role

	// Epoch is the epoch currently in flight. Completed epochs are those
	// below it; epoch numbering starts at 1 and 0 means "no epoch".
	Epoch uint64

	// SendEpoch is the newest epoch whose keys this party may use for
	// sending: an epoch becomes send-active only once the peer provably
	// holds its secret.
	SendEpoch uint64

	AuthSecret  [kdf.KeySize]byte
	SessionSeed [kdf.KeySize]byte

	// PendingSecret holds a CT-sender's early epoch secret between the
	// first encapsulation and the peer's possession signal.
	PendingSecret []byte

	State State
	Chain *Chain

	scheme splitkem.Scheme
}

// New creates a braid engine. seed is the PQ auth seed from session
// negotiation; role is this party's role for the first epoch.
func New(mode Mode, role Role, seed []byte, scheme splitkem.Scheme) *PQRatchet {
	r := &PQRatchet{
		Mode:   mode,
		Role:   role,
		Epoch:  1,
		scheme: scheme,
	}
	copy(r.AuthSecret[:], kdf.Expand(seed, kdf.LabelAuth, kdf.KeySize))
	copy(r.SessionSeed[:], kdf.Expand(seed, kdf.LabelEpochSecret, kdf.KeySize))
	switch {
	case mode == ModeDisabled:
		r.State = disabledState{}
	case role == RoleEKSender:
		r.State = keysUnsampled{}
	default:
		r.State = noHeaderReceived{}
	}
	return r
}

// SetScheme attaches the split KEM scheme, required after deserialization.
func (r *PQRatchet) SetScheme(s splitkem.Scheme) { r.scheme = s }

func (r *PQRatchet) authKey(epoch uint64) []byte {
	info := make([]byte, 0, len(kdf.LabelAuth)+8)
	info = append(info, kdf.LabelAuth...)
	info = binary.BigEndian.AppendUint64(info, epoch)
	return kdf.Expand(r.AuthSecret[:], info, kdf.KeySize)
}

func (r *PQRatchet) newFragment(kind FragmentKind, index uint8, payload []byte) *Fragment {
	f := &Fragment{
		Kind:    kind,
		Epoch:   r.Epoch,
		Index:   index,
		Payload: payload,
	}
	f.seal(r.authKey(r.Epoch))
	return f
}

// SendStep returns the next braid fragment to piggyback on an outbound
// message, or nil when the braid has nothing to send. It mutates the state
// machine.
func (r *PQRatchet) SendStep(rng io.Reader) (*Fragment, error) {
	switch st := r.State.(type) {
	case disabledState, faulted, noHeaderReceived:
		return nil, nil

	case keysUnsampled:
		if r.scheme == nil {
			return nil, ErrNoScheme
		}
		pkHeader, pkEK, decapKey, err := r.scheme.Generate(rng)
		if err != nil {
			return nil, err
		}
		shards, err := shardValue(pkEK)
		if err != nil {
			return nil, err
		}
		r.State = &headerSent{
			PkHeader: pkHeader,
			PkEK:     pkEK,
			DecapKey: decapKey,
			EkShards: shards,
			Cursor:   1,
		}
		return r.newFragment(KindHeader, 0, pkHeader), nil

	case *headerSent:
		frag := r.ekCycleFragment(st.PkHeader, st.EkShards, &st.Cursor)
		r.State = &ekSent{
			PkHeader: st.PkHeader,
			PkEK:     st.PkEK,
			DecapKey: st.DecapKey,
			EkShards: st.EkShards,
			Cursor:   st.Cursor,
		}
		return frag, nil

	case *ekSent:
		return r.ekCycleFragment(st.PkHeader, st.EkShards, &st.Cursor), nil

	case *ekSentCt1Received:
		// The peer has demonstrably seen the header; keep cycling key
		// shards until both ciphertext halves are in.
		frag := r.newFragment(KindEK, uint8(st.Cursor), st.EkShards[st.Cursor])
		st.Cursor = (st.Cursor + 1) % totalShards
		return frag, nil

	case *headerReceived:
		if r.scheme == nil {
			return nil, ErrNoScheme
		}
		ct1, encState, secret, err := r.scheme.Encaps1(rng, st.PkHeader)
		if err != nil {
			r.State = faulted{}
			return nil, ErrBraidFault
		}
		r.Chain = AddEpoch(r.Chain, r.SessionSeed[:], r.Epoch, secret, r.Role)
		r.PendingSecret = secret
		r.State = &ct1Sent{
			Ct1:      ct1,
			EncState: encState,
			Ek:       newShardCollector(r.scheme.EKPublicKeySize()),
		}
		return r.newFragment(KindCT1, 0, ct1), nil

	case *ct1Sent:
		return r.newFragment(KindCT1, 0, st.Ct1), nil

	case *ct1SentEkReceived:
		if r.scheme == nil {
			return nil, ErrNoScheme
		}
		ct2, err := r.scheme.Encaps2(rng, st.PkEK, st.EncState)
		if err != nil {
			r.State = faulted{}
			return nil, ErrBraidFault
		}
		shards, err := shardValue(ct2)
		if err != nil {
			return nil, err
		}
		r.State = &ct2Sent{Ct1: st.Ct1, Ct2Shards: shards, Cursor: 1}
		return r.newFragment(KindCT2, 0, shards[0]), nil

	case *ct2Sent:
		if st.Cursor == totalShards {
			st.Cursor = 0
			return r.newFragment(KindCT1, 0, st.Ct1), nil
		}
		frag := r.newFragment(KindCT2, uint8(st.Cursor), st.Ct2Shards[st.Cursor])
		st.Cursor++
		return frag, nil

	default:
		return nil, nil
	}
}

// ekCycleFragment emits the header at cycle position zero and key shards at
// the remaining positions, so a lost header is eventually retransmitted.
func (r *PQRatchet) ekCycleFragment(pkHeader []byte, shards [][]byte, cursor *int) *Fragment {
	var frag *Fragment
	if *cursor == 0 {
		frag = r.newFragment(KindHeader, 0, pkHeader)
	} else {
		frag = r.newFragment(KindEK, uint8(*cursor-1), shards[*cursor-1])
	}
	*cursor = (*cursor + 1) % (totalShards + 1)
	return frag
}

// RecvFragment consumes one inbound fragment. Fragments for other epochs
// are ignored; a fragment failing authentication returns ErrAuthentication
// without advancing state.
func (r *PQRatchet) RecvFragment(frag *Fragment) error {
	switch r.State.(type) {
	case disabledState, faulted:
		return nil
	}
	if frag.Epoch != r.Epoch {
		// Stale retransmission of a completed epoch, or material we
		// cannot verify yet. Either way the erasure coding lets us
		// drop it.
		return nil
	}
	if !frag.verify(r.authKey(frag.Epoch)) {
		return ErrAuthentication
	}

	switch st := r.State.(type) {
	case keysUnsampled:
		// Peer cannot speak before our announcement.
		return nil

	case *headerSent:
		return r.acceptCt1(frag, st.DecapKey, st.EkShards, st.Cursor)

	case *ekSent:
		return r.acceptCt1(frag, st.DecapKey, st.EkShards, st.Cursor)

	case *ekSentCt1Received:
		if frag.Kind != KindCT2 {
			return nil
		}
		if err := st.Ct2.add(frag.Index, frag.Payload); err != nil {
			return err
		}
		if !st.Ct2.complete() {
			return nil
		}
		ct2, err := st.Ct2.reconstruct()
		if err != nil {
			return err
		}
		secret, err := r.scheme.Decaps(st.DecapKey, st.Ct1, ct2)
		if err != nil {
			r.State = faulted{}
			return ErrBraidFault
		}
		r.completeEpoch(secret)
		utils.ExplicitBzero(st.DecapKey)
		return nil

	case noHeaderReceived:
		if frag.Kind != KindHeader {
			return nil
		}
		if r.scheme == nil {
			return ErrNoScheme
		}
		if len(frag.Payload) != r.scheme.HeaderPublicKeySize() {
			return ErrBadFragment
		}
		r.State = &headerReceived{PkHeader: dup(frag.Payload)}
		return nil

	case *headerReceived:
		return nil

	case *ct1Sent:
		if frag.Kind != KindEK {
			return nil
		}
		if err := st.Ek.add(frag.Index, frag.Payload); err != nil {
			return err
		}
		if !st.Ek.complete() {
			return nil
		}
		pkEK, err := st.Ek.reconstruct()
		if err != nil {
			return err
		}
		r.State = &ct1SentEkReceived{
			Ct1:      st.Ct1,
			EncState: st.EncState,
			PkEK:     pkEK,
		}
		return nil

	case *ct1SentEkReceived, *ct2Sent:
		return nil

	default:
		return nil
	}
}

// acceptCt1 handles the EK-sender's transition on receipt of the first
// ciphertext half.
func (r *PQRatchet) acceptCt1(frag *Fragment, decapKey []byte, ekShards [][]byte, cursor int) error {
	if frag.Kind != KindCT1 {
		return nil
	}
	if r.scheme == nil {
		return ErrNoScheme
	}
	if len(frag.Payload) != r.scheme.Ciphertext1Size() {
		return ErrBadFragment
	}
	if cursor == 0 {
		cursor = 1
	}
	r.State = &ekSentCt1Received{
		DecapKey: decapKey,
		EkShards: ekShards,
		Cursor:   cursor - 1,
		Ct1:      dup(frag.Payload),
		Ct2:      newShardCollector(r.scheme.Ciphertext2Size()),
	}
	return nil
}

// completeEpoch finishes the in-flight epoch on the EK-sender side: the
// received secret is mixed into the chains and the authenticator, the epoch
// becomes send-active, and the role flips.
func (r *PQRatchet) completeEpoch(secret []byte) {
	r.Chain = AddEpoch(r.Chain, r.SessionSeed[:], r.Epoch, secret, r.Role)
	r.advanceAuth(secret)
	r.SendEpoch = r.Epoch
	r.Epoch++
	r.Role = RoleCTSender
	r.State = noHeaderReceived{}
	utils.ExplicitBzero(secret)
}

// NotePeerEpoch records the newest epoch observed in the peer's envelopes.
// For a CT-sender waiting in ct2Sent, the peer using the in-flight epoch is
// the proof of possession that finishes the epoch on this side.
func (r *PQRatchet) NotePeerEpoch(peerEpoch uint64) {
	st, ok := r.State.(*ct2Sent)
	if !ok || peerEpoch < r.Epoch {
		return
	}
	r.advanceAuth(r.PendingSecret)
	utils.ExplicitBzero(r.PendingSecret)
	utils.ExplicitBzero(st.Ct1)
	r.PendingSecret = nil
	r.SendEpoch = r.Epoch
	r.Epoch++
	r.Role = RoleEKSender
	r.State = keysUnsampled{}
}

func (r *PQRatchet) advanceAuth(secret []byte) {
	next := kdf.DeriveSecrets(secret, r.AuthSecret[:], kdf.LabelAuth, kdf.KeySize)
	copy(r.AuthSecret[:], next)
	utils.ExplicitBzero(next)
}

// SendKey consumes the next post-quantum send key, or returns nil when no
// epoch is send-active yet (or the braid is disabled). Absence of a key is
// not an error; derivation proceeds classical-only.
func (r *PQRatchet) SendKey() (*ratchet.PQSalt, uint64, uint32, error) {
	if r.Mode == ModeDisabled || r.SendEpoch == 0 || r.Chain == nil {
		return nil, 0, 0, nil
	}
	salt, index, err := r.Chain.SendKey(r.SendEpoch)
	if err != nil {
		return nil, 0, 0, err
	}
	return salt, r.SendEpoch, index, nil
}

// RecvKey returns the post-quantum key for (epoch, index). Epoch zero means
// the peer derived classical-only and yields no key and no error.
func (r *PQRatchet) RecvKey(epoch uint64, index uint32) (*ratchet.PQSalt, error) {
	if epoch == 0 {
		return nil, nil
	}
	if r.Mode == ModeDisabled || r.Chain == nil {
		return nil, ErrUnknownEpoch
	}
	return r.Chain.RecvKey(epoch, index)
}

// Clone deep-copies the engine for transactional decrypt attempts.
func (r *PQRatchet) Clone() *PQRatchet {
	n := &PQRatchet{
		Mode:        r.Mode,
		Role:        r.Role,
		Epoch:       r.Epoch,
		SendEpoch:   r.SendEpoch,
		AuthSecret:  r.AuthSecret,
		SessionSeed: r.SessionSeed,
		State:       r.State.clone(),
		Chain:       r.Chain.Clone(),
		scheme:      r.scheme,
	}
	n.PendingSecret = dup(r.PendingSecret)
	return n
}
