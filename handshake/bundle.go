// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/braid-im/braid/ratchet"
)

var (
	// ErrInvalidSignature means a prekey signature failed to verify.
	ErrInvalidSignature = errors.New("handshake: invalid prekey signature")

	// ErrPrekeyNotFound means the establishment message referenced a
	// one-time prekey this party no longer holds.
	ErrPrekeyNotFound = errors.New("handshake: prekey not found")
)

// Identity holds a party's long term keys: an X25519 key agreed with
// during establishment and an Ed25519 key that signs published prekeys.
type Identity struct {
	DH   ratchet.KeyPair
	Sign *ed25519.PrivateKey
}

// NewIdentity generates a fresh identity.
func NewIdentity(rng io.Reader) (*Identity, error) {
	dh, err := ratchet.GenerateKeyPair(rng)
	if err != nil {
		return nil, err
	}
	priv, _, err := ed25519.NewKeypair(rng)
	if err != nil {
		return nil, err
	}
	return &Identity{DH: *dh, Sign: priv}, nil
}

// Bundle is the public prekey material one party publishes so that
// others can establish sessions with it while it is offline.
type Bundle struct {
	RegistrationID uint32
	DeviceID       uint32

	IdentityPub [ratchet.KeySize]byte
	SignPub     []byte

	SignedPrekeyID  uint32
	SignedPrekey    [ratchet.KeySize]byte
	SignedPrekeySig []byte

	// OneTimePrekeyID is zero when no one-time prekey is included.
	OneTimePrekeyID uint32
	OneTimePrekey   []byte

	KEMPrekeyID  uint32
	KEMPrekey    []byte
	KEMPrekeySig []byte
}

// bundleAlias sheds the BinaryMarshaler methods so cbor encodes the
// struct fields instead of recursing into MarshalBinary.
type bundleAlias Bundle

func (b *Bundle) MarshalBinary() ([]byte, error) { return cbor.Marshal((*bundleAlias)(b)) }

func (b *Bundle) UnmarshalBinary(data []byte) error {
	*b = Bundle{}
	return cbor.Unmarshal(data, (*bundleAlias)(b))
}

// Verify checks both prekey signatures against the bundle's Ed25519 key.
func (b *Bundle) Verify() error {
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(b.SignPub); err != nil {
		return err
	}
	if !pub.Verify(b.SignedPrekeySig, b.SignedPrekey[:]) {
		return ErrInvalidSignature
	}
	if !pub.Verify(b.KEMPrekeySig, b.KEMPrekey) {
		return ErrInvalidSignature
	}
	return nil
}

// Prekeys is the private half of a published bundle.
type Prekeys struct {
	SignedPrekeyID uint32
	SignedPrekey   ratchet.KeyPair

	KEMPrekeyID uint32
	KEMPrekey   kem.PrivateKey

	// OneTime maps prekey IDs to their keypairs. Entries are consumed
	// by Respond.
	OneTime map[uint32]*ratchet.KeyPair
}

// Consume discards a one-time prekey after the establishment that used
// it succeeded. Unknown IDs, including zero, are ignored.
func (p *Prekeys) Consume(id uint32) {
	if kp, ok := p.OneTime[id]; ok {
		kp.Wipe()
		delete(p.OneTime, id)
	}
}

// GeneratePrekeys creates a signed prekey, a KEM prekey and n one-time
// prekeys, returning the private half and the publishable bundle.
func GeneratePrekeys(rng io.Reader, id *Identity, registrationID, deviceID uint32, n int) (*Prekeys, *Bundle, error) {
	spk, err := ratchet.GenerateKeyPair(rng)
	if err != nil {
		return nil, nil, err
	}
	kemPub, kemPriv, err := mlkem768.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}

	pk := &Prekeys{
		SignedPrekeyID: 1,
		SignedPrekey:   *spk,
		KEMPrekeyID:    1,
		KEMPrekey:      kemPriv,
		OneTime:        make(map[uint32]*ratchet.KeyPair),
	}
	bundle := &Bundle{
		RegistrationID:  registrationID,
		DeviceID:        deviceID,
		IdentityPub:     id.DH.Public,
		SignPub:         id.Sign.PublicKey().Bytes(),
		SignedPrekeyID:  pk.SignedPrekeyID,
		SignedPrekey:    spk.Public,
		SignedPrekeySig: id.Sign.SignMessage(spk.Public[:]),
		KEMPrekeyID:     pk.KEMPrekeyID,
		KEMPrekey:       kemPubBytes,
		KEMPrekeySig:    id.Sign.SignMessage(kemPubBytes),
	}
	if n > 0 {
		// Only the first one-time prekey rides in the bundle; the rest
		// stay behind for future bundle requests.
		for i := 1; i <= n; i++ {
			otk, err := ratchet.GenerateKeyPair(rng)
			if err != nil {
				return nil, nil, err
			}
			pk.OneTime[uint32(i)] = otk
		}
		bundle.OneTimePrekeyID = 1
		bundle.OneTimePrekey = append([]byte(nil), pk.OneTime[1].Public[:]...)
	}
	return pk, bundle, nil
}
