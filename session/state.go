// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package session holds the per-peer ratchet session state: the key
// snapshot of one DH-ratchet epoch, the bounded bookkeeping that tolerates
// reordered and dropped delivery, and the record/archive structure that
// keeps multiple live sessions per remote address.
package session

import (
	"errors"
	"io"
	"time"

	"github.com/awnumar/memguard"

	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
)

var (
	// ErrDuplicateMessage is returned for a counter that was already
	// consumed, or whose cached key was evicted.
	ErrDuplicateMessage = errors.New("session: duplicate message")

	// ErrInvalidMessage is returned for a counter that jumps past
	// MaxForwardJumps.
	ErrInvalidMessage = errors.New("session: message counter too far ahead")
)

const (
	// MaxArchivedStates bounds the archive of one session record.
	MaxArchivedStates = 40

	// MaxUnacknowledgedAge is the advisory staleness horizon: a current
	// session unused this long is reported as requiring renegotiation.
	MaxUnacknowledgedAge = 30 * 24 * time.Hour
)

// receiverChain pairs an observed sender ratchet key with its receiving
// chain.
type receiverChain struct {
	RatchetPub [ratchet.KeySize]byte
	Chain      ratchet.ChainKey
}

// skippedKey caches the message key seed of a counter the receiving chain
// advanced past. The seed lives in locked memory and is consumed at most
// once.
type skippedKey struct {
	ratchetPub [ratchet.KeySize]byte
	counter    uint32
	seed       *memguard.LockedBuffer
	created    time.Time
}

// State is the full key snapshot for one DH-ratchet epoch of one session.
type State struct {
	CreatedAt  time.Time
	LastUsedAt time.Time

	LocalIdentityPub  [ratchet.KeySize]byte
	RemoteIdentityPub [ratchet.KeySize]byte

	// AliceBasePub is the initiator's base key; fresh establishment
	// messages for an already-known base key promote the existing session
	// instead of renegotiating.
	AliceBasePub [ratchet.KeySize]byte

	Root        ratchet.RootKey
	SendRatchet ratchet.KeyPair
	SendChain   ratchet.ChainKey
	PrevCounter uint32

	recvChains []receiverChain
	skipped    []skippedKey

	PQ *pqratchet.PQRatchet

	// PendingEstablishment is the serialized establishment header that
	// still has to ride on outbound messages. Cleared by the first
	// successful decryption, which proves the peer holds the session.
	PendingEstablishment []byte
}

// AddReceiverChain registers a receiving chain for a sender ratchet key
// without running the DH-ratchet trigger. Session establishment uses this
// for chains both sides already share, the negotiation chain under the
// responder's signed prekey in particular.
func (s *State) AddReceiverChain(senderRatchetKey [ratchet.KeySize]byte, chain ratchet.ChainKey) {
	s.recvChains = append(s.recvChains, receiverChain{
		RatchetPub: senderRatchetKey,
		Chain:      chain,
	})
	for len(s.recvChains) > ratchet.MaxReceiverChains {
		s.recvChains[0].Chain.Wipe()
		s.recvChains = s.recvChains[1:]
	}
}

// GetOrCreateChainKey returns the receiving chain for senderRatchetKey,
// running the DH-ratchet trigger when the key has not been seen before: a
// new receiving chain is derived first, then a fresh local ratchet key and
// a new sending chain. Replays of a known ratchet key are idempotent.
func (s *State) GetOrCreateChainKey(rng io.Reader, senderRatchetKey [ratchet.KeySize]byte) (*ratchet.ChainKey, error) {
	for i := range s.recvChains {
		if s.recvChains[i].RatchetPub == senderRatchetKey {
			return &s.recvChains[i].Chain, nil
		}
	}

	rootAfterRecv, recvChain, err := s.Root.CreateChain(senderRatchetKey, &s.SendRatchet)
	if err != nil {
		return nil, err
	}
	fresh, err := ratchet.GenerateKeyPair(rng)
	if err != nil {
		return nil, err
	}
	rootAfterSend, sendChain, err := rootAfterRecv.CreateChain(senderRatchetKey, fresh)
	if err != nil {
		return nil, err
	}

	s.PrevCounter = s.SendChain.Index
	s.Root = *rootAfterSend
	s.SendRatchet.Wipe()
	s.SendRatchet = *fresh
	s.SendChain.Wipe()
	s.SendChain = *sendChain

	s.recvChains = append(s.recvChains, receiverChain{
		RatchetPub: senderRatchetKey,
		Chain:      *recvChain,
	})
	for len(s.recvChains) > ratchet.MaxReceiverChains {
		s.recvChains[0].Chain.Wipe()
		s.recvChains = s.recvChains[1:]
	}
	return &s.recvChains[len(s.recvChains)-1].Chain, nil
}

// MessageSeed resolves the message key seed for counter on the receiving
// chain identified by senderRatchetKey, advancing the chain and caching any
// skipped counters. Cached seeds are consumed exactly once.
func (s *State) MessageSeed(chain *ratchet.ChainKey, senderRatchetKey [ratchet.KeySize]byte, counter uint32, now time.Time) ([]byte, error) {
	switch {
	case counter == chain.Index:
		seed := chain.MessageKeySeed()
		*chain = *chain.Next()
		return seed, nil

	case counter < chain.Index:
		return s.takeSkipped(senderRatchetKey, counter)

	default:
		if counter-chain.Index > ratchet.MaxForwardJumps {
			return nil, ErrInvalidMessage
		}
		ck := *chain
		for ck.Index < counter {
			s.cacheSkipped(senderRatchetKey, ck.Index, ck.MessageKeySeed(), now)
			ck = *ck.Next()
		}
		seed := ck.MessageKeySeed()
		*chain = *ck.Next()
		return seed, nil
	}
}

func (s *State) cacheSkipped(pub [ratchet.KeySize]byte, counter uint32, seed []byte, now time.Time) {
	s.skipped = append(s.skipped, skippedKey{
		ratchetPub: pub,
		counter:    counter,
		seed:       memguard.NewBufferFromBytes(seed),
		created:    now,
	})
	for len(s.skipped) > ratchet.MaxMessageKeys {
		s.skipped[0].seed.Destroy()
		s.skipped = s.skipped[1:]
	}
}

func (s *State) takeSkipped(pub [ratchet.KeySize]byte, counter uint32) ([]byte, error) {
	for i := range s.skipped {
		if s.skipped[i].ratchetPub == pub && s.skipped[i].counter == counter {
			seed := append([]byte(nil), s.skipped[i].seed.Bytes()...)
			s.skipped[i].seed.Destroy()
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return seed, nil
		}
	}
	return nil, ErrDuplicateMessage
}

// SkippedKeyCount reports the size of the skipped key cache.
func (s *State) SkippedKeyCount() int { return len(s.skipped) }

// ReceiverChainCount reports the number of live receiving chains.
func (s *State) ReceiverChainCount() int { return len(s.recvChains) }

// NeedsRefresh reports whether the session has gone unused past the
// staleness horizon and the caller should renegotiate. Advisory only; the
// session is never deleted on this basis.
func (s *State) NeedsRefresh(now time.Time) bool {
	ref := s.LastUsedAt
	if ref.IsZero() {
		ref = s.CreatedAt
	}
	return now.Sub(ref) > MaxUnacknowledgedAge
}

// Clone deep-copies the state, including locked buffers, so a decrypt
// attempt can run transactionally against the copy.
func (s *State) Clone() *State {
	n := &State{
		CreatedAt:         s.CreatedAt,
		LastUsedAt:        s.LastUsedAt,
		LocalIdentityPub:  s.LocalIdentityPub,
		RemoteIdentityPub: s.RemoteIdentityPub,
		AliceBasePub:      s.AliceBasePub,
		Root:              s.Root,
		SendRatchet:       s.SendRatchet,
		SendChain:         s.SendChain,
		PrevCounter:       s.PrevCounter,
	}
	n.recvChains = append([]receiverChain(nil), s.recvChains...)
	n.skipped = make([]skippedKey, len(s.skipped))
	for i := range s.skipped {
		n.skipped[i] = skippedKey{
			ratchetPub: s.skipped[i].ratchetPub,
			counter:    s.skipped[i].counter,
			seed:       memguard.NewBufferFromBytes(append([]byte(nil), s.skipped[i].seed.Bytes()...)),
			created:    s.skipped[i].created,
		}
	}
	if s.PQ != nil {
		n.PQ = s.PQ.Clone()
	}
	n.PendingEstablishment = append([]byte(nil), s.PendingEstablishment...)
	return n
}

// Destroy wipes the locked buffers held by the state.
func (s *State) Destroy() {
	for i := range s.skipped {
		s.skipped[i].seed.Destroy()
	}
	s.skipped = nil
	s.SendRatchet.Wipe()
	s.SendChain.Wipe()
	for i := range s.recvChains {
		s.recvChains[i].Chain.Wipe()
	}
}
