// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/splitkem"
)

func populatedState(t *testing.T) *State {
	a, b := pairedStates(t)
	now := time.Now()

	chain, err := b.GetOrCreateChainKey(rand.Reader, a.SendRatchet.Public)
	require.NoError(t, err)
	_, err = b.MessageSeed(chain, a.SendRatchet.Public, 4, now)
	require.NoError(t, err)
	b.LastUsedAt = now
	b.PendingEstablishment = []byte("pending header")
	return b
}

func requireStatesEqual(t *testing.T, want, got *State) {
	require.Equal(t, want.Root, got.Root)
	require.Equal(t, want.SendRatchet, got.SendRatchet)
	require.Equal(t, want.SendChain, got.SendChain)
	require.Equal(t, want.PrevCounter, got.PrevCounter)
	require.Equal(t, want.AliceBasePub, got.AliceBasePub)
	require.Equal(t, want.ReceiverChainCount(), got.ReceiverChainCount())
	require.Equal(t, want.SkippedKeyCount(), got.SkippedKeyCount())
	require.Equal(t, want.PendingEstablishment, got.PendingEstablishment)
	require.True(t, want.LastUsedAt.Equal(got.LastUsedAt))
}

func TestStateSerialization(t *testing.T) {
	st := populatedState(t)

	blob, err := st.MarshalBinary()
	require.NoError(t, err)

	restored := new(State)
	require.NoError(t, restored.UnmarshalBinary(blob))
	requireStatesEqual(t, st, restored)

	// Skipped seeds survive the round trip and stay consumable.
	a := st.recvChains[0].RatchetPub
	want, err := st.takeSkipped(a, 2)
	require.NoError(t, err)
	got, err := restored.takeSkipped(a, 2)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStateSerializationExpiresOldSkippedKeys(t *testing.T) {
	st := populatedState(t)
	before := st.SkippedKeyCount()
	require.Positive(t, before)

	// Age one cache entry past the lifetime bound.
	st.skipped[0].created = time.Now().Add(-ratchet.MaxSkippedKeyAge - time.Hour)
	blob, err := st.MarshalBinary()
	require.NoError(t, err)

	restored := new(State)
	require.NoError(t, restored.UnmarshalBinary(blob))
	require.Equal(t, before-1, restored.SkippedKeyCount())
}

func TestStateSerializationRejectsBadBlob(t *testing.T) {
	st := populatedState(t)
	blob, err := st.MarshalBinary()
	require.NoError(t, err)

	require.Error(t, new(State).UnmarshalBinary(blob[:len(blob)/2]))

	// A wrong version byte is rejected outright.
	bad := new(stateShim)
	bad.Version = stateVersion + 1
	badBlob, err := cbor.Marshal(bad)
	require.NoError(t, err)
	require.Error(t, new(State).UnmarshalBinary(badBlob))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	testStoreRoundTrip(t, store)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func testStoreRoundTrip(t *testing.T, store Store) {
	_, err := store.LoadRecord("nobody")
	require.ErrorIs(t, err, ErrNotFound)

	st := populatedState(t)
	rec := NewRecord(st)
	require.NoError(t, store.StoreRecord("alice", rec))

	loaded, err := store.LoadRecord("alice")
	require.NoError(t, err)
	require.NotNil(t, loaded.Current)
	requireStatesEqual(t, st, loaded.Current)

	// Loads hand out independent copies.
	loaded.Current.PrevCounter = 99
	reloaded, err := store.LoadRecord("alice")
	require.NoError(t, err)
	require.NotEqualValues(t, 99, reloaded.Current.PrevCounter)

	require.NoError(t, store.Delete("alice"))
	_, err = store.LoadRecord("alice")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.Delete("alice"))
}

func TestRecordArchiveAndPromotion(t *testing.T) {
	first := populatedState(t)
	rec := NewRecord(first)

	second := populatedState(t)
	var base [ratchet.KeySize]byte
	copy(base[:], []byte("base key of the first session 01"))
	first.AliceBasePub = base
	rec.SetCurrent(second)

	require.Equal(t, second, rec.Current)
	require.Len(t, rec.Archived, 1)

	// An establishment replay for the archived base key promotes it.
	require.True(t, rec.PromoteMatching(base))
	require.Equal(t, first, rec.Current)
	require.Len(t, rec.Archived, 1)

	var unknown [ratchet.KeySize]byte
	copy(unknown[:], []byte("some base key nobody ever used 0"))
	require.False(t, rec.PromoteMatching(unknown))
}

func TestRecordArchiveBound(t *testing.T) {
	rec := NewRecord(populatedState(t))
	for i := 0; i < MaxArchivedStates+10; i++ {
		rec.SetCurrent(populatedState(t))
	}
	require.Len(t, rec.Archived, MaxArchivedStates)
	require.Len(t, rec.States(), MaxArchivedStates+1)
}

func TestRecordAttachScheme(t *testing.T) {
	a, _ := pairedStates(t)
	seed := []byte("pq seed pq seed pq seed 01234567")
	a.PQ = pqratchet.New(pqratchet.ModeBraid, pqratchet.RoleEKSender, seed, nil)
	rec := NewRecord(a)

	blob, err := a.MarshalBinary()
	require.NoError(t, err)
	restored := new(State)
	require.NoError(t, restored.UnmarshalBinary(blob))
	rec = NewRecord(restored)

	scheme := splitkem.NewMLKEM768X25519()
	rec.AttachScheme(scheme)
	// The braid can sample keys again only with a scheme attached.
	frag, err := restored.PQ.SendStep(rand.Reader)
	require.NoError(t, err)
	require.NotNil(t, frag)
}
