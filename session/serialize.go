// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/splitkem"
)

// stateVersion is bumped on incompatible layout changes.
const stateVersion = 1

var errBadStateBlob = errors.New("session: bad serialized state")

type recvChainShim struct {
	RatchetPub []byte
	Key        []byte
	Index      uint32
}

type skippedShim struct {
	RatchetPub []byte
	Counter    uint32
	Seed       []byte
	Created    int64
}

type stateShim struct {
	Version           uint8
	CreatedAt         int64
	LastUsedAt        int64
	LocalIdentityPub  []byte
	RemoteIdentityPub []byte
	AliceBasePub      []byte
	Root              []byte
	SendRatchetPriv   []byte
	SendRatchetPub    []byte
	SendChainKey      []byte
	SendChainIndex    uint32
	PrevCounter       uint32
	RecvChains        []recvChainShim
	Skipped           []skippedShim
	PQ                []byte
	PendingEst        []byte
}

// MarshalBinary implements encoding.BinaryMarshaler. Skipped keys past
// their lifetime are dropped here rather than swept periodically.
func (s *State) MarshalBinary() ([]byte, error) {
	now := time.Now()
	shim := &stateShim{
		Version:           stateVersion,
		CreatedAt:         s.CreatedAt.UnixNano(),
		LastUsedAt:        s.LastUsedAt.UnixNano(),
		LocalIdentityPub:  s.LocalIdentityPub[:],
		RemoteIdentityPub: s.RemoteIdentityPub[:],
		AliceBasePub:      s.AliceBasePub[:],
		Root:              s.Root[:],
		SendRatchetPriv:   s.SendRatchet.Private[:],
		SendRatchetPub:    s.SendRatchet.Public[:],
		SendChainKey:      s.SendChain.Key[:],
		SendChainIndex:    s.SendChain.Index,
		PrevCounter:       s.PrevCounter,
		PendingEst:        s.PendingEstablishment,
	}
	for i := range s.recvChains {
		shim.RecvChains = append(shim.RecvChains, recvChainShim{
			RatchetPub: s.recvChains[i].RatchetPub[:],
			Key:        s.recvChains[i].Chain.Key[:],
			Index:      s.recvChains[i].Chain.Index,
		})
	}
	for i := range s.skipped {
		if now.Sub(s.skipped[i].created) > ratchet.MaxSkippedKeyAge {
			continue
		}
		shim.Skipped = append(shim.Skipped, skippedShim{
			RatchetPub: s.skipped[i].ratchetPub[:],
			Counter:    s.skipped[i].counter,
			Seed:       append([]byte(nil), s.skipped[i].seed.Bytes()...),
			Created:    s.skipped[i].created.UnixNano(),
		})
	}
	if s.PQ != nil {
		blob, err := s.PQ.MarshalBinary()
		if err != nil {
			return nil, err
		}
		shim.PQ = blob
	}
	return cbor.Marshal(shim)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The split KEM
// scheme must be reattached afterwards via AttachScheme on the record.
func (s *State) UnmarshalBinary(data []byte) error {
	shim := new(stateShim)
	if err := cbor.Unmarshal(data, shim); err != nil {
		return err
	}
	if shim.Version != stateVersion {
		return errBadStateBlob
	}
	if len(shim.Root) != ratchet.KeySize || len(shim.SendChainKey) != ratchet.KeySize {
		return errBadStateBlob
	}
	s.CreatedAt = time.Unix(0, shim.CreatedAt)
	s.LastUsedAt = time.Unix(0, shim.LastUsedAt)
	copy(s.LocalIdentityPub[:], shim.LocalIdentityPub)
	copy(s.RemoteIdentityPub[:], shim.RemoteIdentityPub)
	copy(s.AliceBasePub[:], shim.AliceBasePub)
	copy(s.Root[:], shim.Root)
	copy(s.SendRatchet.Private[:], shim.SendRatchetPriv)
	copy(s.SendRatchet.Public[:], shim.SendRatchetPub)
	copy(s.SendChain.Key[:], shim.SendChainKey)
	s.SendChain.Index = shim.SendChainIndex
	s.PrevCounter = shim.PrevCounter

	s.recvChains = nil
	for _, rc := range shim.RecvChains {
		if len(rc.RatchetPub) != ratchet.KeySize || len(rc.Key) != ratchet.KeySize {
			return errBadStateBlob
		}
		var chain receiverChain
		copy(chain.RatchetPub[:], rc.RatchetPub)
		copy(chain.Chain.Key[:], rc.Key)
		chain.Chain.Index = rc.Index
		s.recvChains = append(s.recvChains, chain)
	}

	s.skipped = nil
	for _, sk := range shim.Skipped {
		if len(sk.RatchetPub) != ratchet.KeySize || len(sk.Seed) != ratchet.KeySize {
			return errBadStateBlob
		}
		entry := skippedKey{
			counter: sk.Counter,
			seed:    memguard.NewBufferFromBytes(sk.Seed),
			created: time.Unix(0, sk.Created),
		}
		copy(entry.ratchetPub[:], sk.RatchetPub)
		s.skipped = append(s.skipped, entry)
	}

	if shim.PQ != nil {
		s.PQ = new(pqratchet.PQRatchet)
		if err := s.PQ.UnmarshalBinary(shim.PQ); err != nil {
			return err
		}
	}
	s.PendingEstablishment = shim.PendingEst
	return nil
}

// AttachScheme reattaches the split KEM scheme to every state in the
// record after deserialization.
func (r *Record) AttachScheme(scheme splitkem.Scheme) {
	for _, st := range r.States() {
		if st.PQ != nil {
			st.PQ.SetScheme(scheme)
		}
	}
}
