// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/braid-im/braid/pqratchet"
	"github.com/braid-im/braid/splitkem"
)

func testParty(t *testing.T) (*Identity, *Prekeys, *Bundle) {
	id, err := NewIdentity(rand.Reader)
	require.NoError(t, err)
	pk, bundle, err := GeneratePrekeys(rand.Reader, id, 7, 1, 3)
	require.NoError(t, err)
	return id, pk, bundle
}

func TestBundleVerify(t *testing.T) {
	_, _, bundle := testParty(t)
	require.NoError(t, bundle.Verify())

	tampered := *bundle
	tampered.SignedPrekey[0] ^= 1
	require.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)

	tampered = *bundle
	tampered.KEMPrekey = append([]byte(nil), bundle.KEMPrekey...)
	tampered.KEMPrekey[0] ^= 1
	require.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)
}

func TestBundleSerialization(t *testing.T) {
	_, _, bundle := testParty(t)
	blob, err := bundle.MarshalBinary()
	require.NoError(t, err)

	restored := new(Bundle)
	require.NoError(t, restored.UnmarshalBinary(blob))
	require.Equal(t, bundle, restored)
	require.NoError(t, restored.Verify())
}

func TestNegotiationAgreement(t *testing.T) {
	scheme := splitkem.NewMLKEM768X25519()
	aliceID, _, _ := testParty(t)
	bobID, bobPrekeys, bobBundle := testParty(t)

	aliceState, est, err := Initiate(rand.Reader, aliceID, bobBundle, 7, scheme)
	require.NoError(t, err)
	require.Equal(t, aliceID.DH.Public, est.IdentityPub)
	require.Equal(t, bobBundle.OneTimePrekeyID, est.OneTimePrekeyID)

	bobState, err := Respond(bobID, bobPrekeys, est, scheme)
	require.NoError(t, err)

	// Bob's first receive of Alice's ratchet key must land on exactly the
	// chain Alice is sending with.
	chain, err := bobState.GetOrCreateChainKey(rand.Reader, aliceState.SendRatchet.Public)
	require.NoError(t, err)
	require.Equal(t, aliceState.SendChain.Key, chain.Key)

	// Both parties track the initiator's base key for session matching.
	require.Equal(t, aliceState.AliceBasePub, bobState.AliceBasePub)

	// Braid roles are complementary and both sides share the fragment
	// authenticator: Bob's opening fragment authenticates at Alice.
	require.Equal(t, pqratchet.RoleCTSender, aliceState.PQ.Role)
	require.Equal(t, pqratchet.RoleEKSender, bobState.PQ.Role)
	frag, err := bobState.PQ.SendStep(rand.Reader)
	require.NoError(t, err)
	require.NotNil(t, frag)
	require.NoError(t, aliceState.PQ.RecvFragment(frag))

	// Responding leaves the one-time prekey in place until the caller
	// marks the establishment as proven.
	require.Contains(t, bobPrekeys.OneTime, est.OneTimePrekeyID)
	bobPrekeys.Consume(est.OneTimePrekeyID)
	require.NotContains(t, bobPrekeys.OneTime, est.OneTimePrekeyID)
}

func TestResponderSendsFirst(t *testing.T) {
	scheme := splitkem.NewMLKEM768X25519()
	aliceID, _, _ := testParty(t)
	bobID, bobPrekeys, bobBundle := testParty(t)

	aliceState, est, err := Initiate(rand.Reader, aliceID, bobBundle, 7, scheme)
	require.NoError(t, err)
	bobState, err := Respond(bobID, bobPrekeys, est, scheme)
	require.NoError(t, err)

	// Bob speaks before hearing anything from Alice. His sending chain is
	// the negotiation chain under his signed prekey, which Alice already
	// holds as a receive chain.
	want := bobState.SendChain.MessageKeySeed()
	bobState.SendChain = *bobState.SendChain.Next()

	ratchetBefore := aliceState.SendRatchet.Public
	chain, err := aliceState.GetOrCreateChainKey(rand.Reader, bobState.SendRatchet.Public)
	require.NoError(t, err)
	got, err := aliceState.MessageSeed(chain, bobState.SendRatchet.Public, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The pre-registered chain avoided a ratchet step on Alice's side.
	require.Equal(t, ratchetBefore, aliceState.SendRatchet.Public)
}

func TestNegotiationWithoutOneTimePrekey(t *testing.T) {
	scheme := splitkem.NewMLKEM768X25519()
	aliceID, _, _ := testParty(t)

	bobID, err := NewIdentity(rand.Reader)
	require.NoError(t, err)
	bobPrekeys, bobBundle, err := GeneratePrekeys(rand.Reader, bobID, 9, 1, 0)
	require.NoError(t, err)
	require.Zero(t, bobBundle.OneTimePrekeyID)

	aliceState, est, err := Initiate(rand.Reader, aliceID, bobBundle, 7, scheme)
	require.NoError(t, err)

	bobState, err := Respond(bobID, bobPrekeys, est, scheme)
	require.NoError(t, err)

	chain, err := bobState.GetOrCreateChainKey(rand.Reader, aliceState.SendRatchet.Public)
	require.NoError(t, err)
	require.Equal(t, aliceState.SendChain.Key, chain.Key)
}

func TestInitiateRejectsTamperedBundle(t *testing.T) {
	aliceID, _, _ := testParty(t)
	_, _, bobBundle := testParty(t)

	tampered := *bobBundle
	tampered.SignedPrekey[0] ^= 1
	_, _, err := Initiate(rand.Reader, aliceID, &tampered, 7, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRespondPrekeyNotFound(t *testing.T) {
	scheme := splitkem.NewMLKEM768X25519()
	aliceID, _, _ := testParty(t)
	bobID, bobPrekeys, bobBundle := testParty(t)

	_, est, err := Initiate(rand.Reader, aliceID, bobBundle, 7, scheme)
	require.NoError(t, err)

	// Unknown signed prekey ID.
	wrong := *est
	wrong.SignedPrekeyID++
	_, err = Respond(bobID, bobPrekeys, &wrong, scheme)
	require.ErrorIs(t, err, ErrPrekeyNotFound)

	// One-time prekey already consumed by an earlier establishment.
	_, err = Respond(bobID, bobPrekeys, est, scheme)
	require.NoError(t, err)
	bobPrekeys.Consume(est.OneTimePrekeyID)
	_, err = Respond(bobID, bobPrekeys, est, scheme)
	require.ErrorIs(t, err, ErrPrekeyNotFound)
}

func TestClassicalOnlyNegotiation(t *testing.T) {
	aliceID, _, _ := testParty(t)
	bobID, bobPrekeys, bobBundle := testParty(t)

	aliceState, est, err := Initiate(rand.Reader, aliceID, bobBundle, 7, nil)
	require.NoError(t, err)
	bobState, err := Respond(bobID, bobPrekeys, est, nil)
	require.NoError(t, err)

	require.Equal(t, pqratchet.ModeDisabled, aliceState.PQ.Mode)
	require.Equal(t, pqratchet.ModeDisabled, bobState.PQ.Mode)

	chain, err := bobState.GetOrCreateChainKey(rand.Reader, aliceState.SendRatchet.Public)
	require.NoError(t, err)
	require.Equal(t, aliceState.SendChain.Key, chain.Key)
}
