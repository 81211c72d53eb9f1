// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/braid-im/braid/handshake"
	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
)

// envelopeVersion is the wire version of the envelope encoding.
const envelopeVersion = 1

var errBadEnvelope = errors.New("engine: malformed envelope")

// Message is the per-message envelope header plus payload. The MAC inside
// Ciphertext covers every header field, so none of them can be altered in
// transit without the payload being rejected.
type Message struct {
	RatchetPub  [ratchet.KeySize]byte
	Counter     uint32
	PrevCounter uint32

	// PQEpoch and PQIndex locate the post-quantum salt mixed into this
	// message's keys. Both zero while no epoch is send-active.
	PQEpoch uint64
	PQIndex uint32

	// Fragment is the piggybacked braid fragment, if the braid had one
	// to send.
	Fragment *pqratchet.Fragment `cbor:",omitempty"`

	Ciphertext []byte
}

// Envelope is the outermost wire structure. Establishment is present on
// every message the initiator sends before its first successful receive.
type Envelope struct {
	Version       uint8
	Establishment *handshake.Establishment `cbor:",omitempty"`
	Message       Message
}

// envelopeAlias sheds the BinaryMarshaler methods so cbor encodes the
// struct fields instead of recursing into MarshalBinary.
type envelopeAlias Envelope

func (e *Envelope) MarshalBinary() ([]byte, error) { return cbor.Marshal((*envelopeAlias)(e)) }

func (e *Envelope) UnmarshalBinary(data []byte) error {
	*e = Envelope{}
	if err := cbor.Unmarshal(data, (*envelopeAlias)(e)); err != nil {
		return err
	}
	if e.Version != envelopeVersion {
		return errBadEnvelope
	}
	return nil
}

// headerBytes serializes the header fields for use as associated data.
func (m *Message) headerBytes() ([]byte, error) {
	header := *m
	header.Ciphertext = nil
	return cbor.Marshal(&header)
}

// aad binds sender and receiver identities to the header.
func aad(senderIdentity, receiverIdentity [ratchet.KeySize]byte, m *Message) ([]byte, error) {
	header, err := m.headerBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2*ratchet.KeySize+len(header))
	out = append(out, senderIdentity[:]...)
	out = append(out, receiverIdentity[:]...)
	return append(out, header...), nil
}
