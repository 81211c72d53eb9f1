// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package pqratchet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testSessionSeed = []byte("session seed session seed 012345")

func pairedChains(t *testing.T, epochs int) (ek, ct *Chain) {
	for i := 1; i <= epochs; i++ {
		secret := append([]byte("epoch secret "), byte(i))
		ek = AddEpoch(ek, testSessionSeed, uint64(i), secret, RoleEKSender)
		ct = AddEpoch(ct, testSessionSeed, uint64(i), secret, RoleCTSender)
	}
	return
}

func TestAddEpochMirrorsRoles(t *testing.T) {
	ek, ct := pairedChains(t, 1)

	require.Equal(t, ek.Root, ct.Root)
	require.Equal(t, ek.Epochs[0].Send.Key, ct.Epochs[0].Recv.Key)
	require.Equal(t, ek.Epochs[0].Recv.Key, ct.Epochs[0].Send.Key)
	require.NotEqual(t, ek.Epochs[0].Send.Key, ek.Epochs[0].Recv.Key)
}

func TestSendRecvAgreement(t *testing.T) {
	ek, ct := pairedChains(t, 1)

	for i := 0; i < 5; i++ {
		sent, index, err := ek.SendKey(1)
		require.NoError(t, err)
		require.EqualValues(t, i, index)

		got, err := ct.RecvKey(1, index)
		require.NoError(t, err)
		require.Equal(t, sent, got)
	}
}

func TestRecvKeyOutOfOrder(t *testing.T) {
	ek, ct := pairedChains(t, 1)

	var sent []*[32]byte
	for i := 0; i < 5; i++ {
		salt, _, err := ek.SendKey(1)
		require.NoError(t, err)
		sent = append(sent, (*[32]byte)(salt))
	}

	for _, i := range []uint32{2, 0, 4, 1, 3} {
		got, err := ct.RecvKey(1, i)
		require.NoError(t, err)
		require.Equal(t, sent[i][:], got[:])
	}

	// Every cached key was consumed.
	_, err := ct.RecvKey(1, 2)
	require.ErrorIs(t, err, ErrKeyConsumed)
	require.Empty(t, ct.Skipped)
}

func TestRecvKeyBounds(t *testing.T) {
	_, ct := pairedChains(t, 1)

	_, err := ct.RecvKey(1, MaxJump+1)
	require.ErrorIs(t, err, ErrTooFarAhead)

	_, err = ct.RecvKey(2, 0)
	require.ErrorIs(t, err, ErrUnknownEpoch)
}

func TestEpochEviction(t *testing.T) {
	_, ct := pairedChains(t, MaxEpochChains+2)

	_, err := ct.RecvKey(1, 0)
	require.ErrorIs(t, err, ErrUnknownEpoch)
	_, err = ct.RecvKey(2, 0)
	require.ErrorIs(t, err, ErrUnknownEpoch)
	_, err = ct.RecvKey(3, 0)
	require.NoError(t, err)
	require.Len(t, ct.Epochs, MaxEpochChains)
}

func TestRootEvolvesAcrossEpochs(t *testing.T) {
	secret := []byte("same secret either epoch 0123456")
	a := AddEpoch(nil, testSessionSeed, 1, secret, RoleEKSender)
	rootAfterOne := a.Root
	a = AddEpoch(a, testSessionSeed, 2, secret, RoleEKSender)

	require.NotEqual(t, rootAfterOne, a.Root)
	// The same secret yields different chains in different epochs because
	// the prior root salts the derivation.
	require.NotEqual(t, a.Epochs[0].Send.Key, a.Epochs[1].Send.Key)
}

func TestChainClone(t *testing.T) {
	ek, ct := pairedChains(t, 1)

	clone := ct.Clone()
	salt, index, err := ek.SendKey(1)
	require.NoError(t, err)

	got, err := ct.RecvKey(1, index)
	require.NoError(t, err)
	require.Equal(t, salt, got)

	// The clone was not advanced by the original's consumption.
	got2, err := clone.RecvKey(1, index)
	require.NoError(t, err)
	require.Equal(t, salt, got2)

	require.Nil(t, (*Chain)(nil).Clone())
}
