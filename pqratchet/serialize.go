// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package pqratchet

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// pqShim flattens the engine for serialization: the state union becomes a
// variant tag plus the superset of variant fields. The split KEM scheme is
// not serialized; callers reattach it with SetScheme.
type pqShim struct {
	Mode          uint8
	Role          uint8
	Epoch         uint64
	SendEpoch     uint64
	AuthSecret    []byte
	SessionSeed   []byte
	PendingSecret []byte

	Variant   uint8
	PkHeader  []byte
	PkEK      []byte
	DecapKey  []byte
	Ct1       []byte
	EncState  []byte
	Shards    [][]byte
	Cursor    int
	Collector *shardCollector

	Chain *Chain
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *PQRatchet) MarshalBinary() ([]byte, error) {
	s := &pqShim{
		Mode:          uint8(r.Mode),
		Role:          uint8(r.Role),
		Epoch:         r.Epoch,
		SendEpoch:     r.SendEpoch,
		AuthSecret:    r.AuthSecret[:],
		SessionSeed:   r.SessionSeed[:],
		PendingSecret: r.PendingSecret,
		Variant:       uint8(r.State.Variant()),
		Chain:         r.Chain,
	}
	switch st := r.State.(type) {
	case *headerSent:
		s.PkHeader, s.PkEK, s.DecapKey = st.PkHeader, st.PkEK, st.DecapKey
		s.Shards, s.Cursor = st.EkShards, st.Cursor
	case *ekSent:
		s.PkHeader, s.PkEK, s.DecapKey = st.PkHeader, st.PkEK, st.DecapKey
		s.Shards, s.Cursor = st.EkShards, st.Cursor
	case *ekSentCt1Received:
		s.DecapKey, s.Shards, s.Cursor = st.DecapKey, st.EkShards, st.Cursor
		s.Ct1, s.Collector = st.Ct1, st.Ct2
	case *headerReceived:
		s.PkHeader = st.PkHeader
	case *ct1Sent:
		s.Ct1, s.EncState, s.Collector = st.Ct1, st.EncState, st.Ek
	case *ct1SentEkReceived:
		s.Ct1, s.EncState, s.PkEK = st.Ct1, st.EncState, st.PkEK
	case *ct2Sent:
		s.Ct1, s.Shards, s.Cursor = st.Ct1, st.Ct2Shards, st.Cursor
	}
	return cbor.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *PQRatchet) UnmarshalBinary(data []byte) error {
	s := new(pqShim)
	if err := cbor.Unmarshal(data, s); err != nil {
		return err
	}
	r.Mode = Mode(s.Mode)
	r.Role = Role(s.Role)
	r.Epoch = s.Epoch
	r.SendEpoch = s.SendEpoch
	copy(r.AuthSecret[:], s.AuthSecret)
	copy(r.SessionSeed[:], s.SessionSeed)
	r.PendingSecret = s.PendingSecret
	r.Chain = s.Chain

	switch Variant(s.Variant) {
	case VariantDisabled:
		r.State = disabledState{}
	case VariantKeysUnsampled:
		r.State = keysUnsampled{}
	case VariantHeaderSent:
		r.State = &headerSent{
			PkHeader: s.PkHeader, PkEK: s.PkEK, DecapKey: s.DecapKey,
			EkShards: s.Shards, Cursor: s.Cursor,
		}
	case VariantEkSent:
		r.State = &ekSent{
			PkHeader: s.PkHeader, PkEK: s.PkEK, DecapKey: s.DecapKey,
			EkShards: s.Shards, Cursor: s.Cursor,
		}
	case VariantEkSentCt1Received:
		r.State = &ekSentCt1Received{
			DecapKey: s.DecapKey, EkShards: s.Shards, Cursor: s.Cursor,
			Ct1: s.Ct1, Ct2: s.Collector,
		}
	case VariantNoHeaderReceived:
		r.State = noHeaderReceived{}
	case VariantHeaderReceived:
		r.State = &headerReceived{PkHeader: s.PkHeader}
	case VariantCt1Sent:
		r.State = &ct1Sent{Ct1: s.Ct1, EncState: s.EncState, Ek: s.Collector}
	case VariantCt1SentEkReceived:
		r.State = &ct1SentEkReceived{Ct1: s.Ct1, EncState: s.EncState, PkEK: s.PkEK}
	case VariantCt2Sent:
		r.State = &ct2Sent{Ct1: s.Ct1, Ct2Shards: s.Shards, Cursor: s.Cursor}
	case VariantFaulted:
		r.State = faulted{}
	default:
		return errors.New("pqratchet: unknown state variant")
	}
	return nil
}
