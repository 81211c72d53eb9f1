// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package splitkem

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestSplitRoundTrip(t *testing.T) {
	s := NewMLKEM768X25519()

	pkHeader, pkEK, decapKey, err := s.Generate(rand.Reader)
	require.NoError(t, err)
	require.Len(t, pkHeader, s.HeaderPublicKeySize())
	require.Len(t, pkEK, s.EKPublicKeySize())
	require.Len(t, decapKey, s.DecapKeySize())

	ct1, state, secret, err := s.Encaps1(rand.Reader, pkHeader)
	require.NoError(t, err)
	require.Len(t, ct1, s.Ciphertext1Size())
	require.Len(t, secret, s.SharedSecretSize())

	ct2, err := s.Encaps2(rand.Reader, pkEK, state)
	require.NoError(t, err)
	require.Len(t, ct2, s.Ciphertext2Size())

	decapsed, err := s.Decaps(decapKey, ct1, ct2)
	require.NoError(t, err)
	require.Equal(t, secret, decapsed)
}

func TestSplitSecretsDiffer(t *testing.T) {
	s := NewMLKEM768X25519()

	pkHeader, _, _, err := s.Generate(rand.Reader)
	require.NoError(t, err)

	_, _, secretA, err := s.Encaps1(rand.Reader, pkHeader)
	require.NoError(t, err)
	_, _, secretB, err := s.Encaps1(rand.Reader, pkHeader)
	require.NoError(t, err)
	require.NotEqual(t, secretA, secretB)
}

func TestSplitTamperedCiphertext2(t *testing.T) {
	s := NewMLKEM768X25519()

	pkHeader, pkEK, decapKey, err := s.Generate(rand.Reader)
	require.NoError(t, err)
	ct1, state, _, err := s.Encaps1(rand.Reader, pkHeader)
	require.NoError(t, err)
	ct2, err := s.Encaps2(rand.Reader, pkEK, state)
	require.NoError(t, err)

	// Flip one bit of the wrapped value.
	ct2[len(ct2)-tagSize-1] ^= 1
	_, err = s.Decaps(decapKey, ct1, ct2)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSplitBadInputs(t *testing.T) {
	s := NewMLKEM768X25519()

	_, _, _, err := s.Encaps1(rand.Reader, make([]byte, 7))
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	// A low order header point yields the identity agreement.
	_, _, _, err = s.Encaps1(rand.Reader, make([]byte, s.HeaderPublicKeySize()))
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	pkHeader, pkEK, decapKey, err := s.Generate(rand.Reader)
	require.NoError(t, err)
	_, err = s.Encaps2(rand.Reader, pkEK, make([]byte, 3))
	require.ErrorIs(t, err, ErrInvalidState)

	ct1, state, _, err := s.Encaps1(rand.Reader, pkHeader)
	require.NoError(t, err)
	ct2, err := s.Encaps2(rand.Reader, pkEK, state)
	require.NoError(t, err)

	_, err = s.Decaps(decapKey, ct1[:5], ct2)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = s.Decaps(decapKey[:10], ct1, ct2)
	require.ErrorIs(t, err, ErrInvalidState)
}
