// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/braid-im/braid/handshake"
)

func TestEnvelopeCodec(t *testing.T) {
	env := &Envelope{
		Version: envelopeVersion,
		Establishment: &handshake.Establishment{
			RegistrationID: 7,
			SignedPrekeyID: 1,
		},
		Message: Message{
			Counter:    3,
			Ciphertext: []byte("opaque"),
		},
	}
	env.Message.RatchetPub[0] = 0xAA

	blob, err := env.MarshalBinary()
	require.NoError(t, err)

	parsed := new(Envelope)
	require.NoError(t, parsed.UnmarshalBinary(blob))
	require.Equal(t, env.Version, parsed.Version)
	require.Equal(t, env.Message, parsed.Message)
	require.NotNil(t, parsed.Establishment)
	require.Equal(t, uint32(7), parsed.Establishment.RegistrationID)

	// Unmarshaling into a reused receiver clears fields absent from the
	// wire bytes, the establishment header in particular.
	plain := &Envelope{Version: envelopeVersion, Message: Message{Ciphertext: []byte("x")}}
	blob2, err := plain.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, parsed.UnmarshalBinary(blob2))
	require.Nil(t, parsed.Establishment)

	// Unknown versions are rejected.
	bad := &Envelope{Version: envelopeVersion + 1}
	blob3, err := bad.MarshalBinary()
	require.NoError(t, err)
	require.Error(t, new(Envelope).UnmarshalBinary(blob3))
}
