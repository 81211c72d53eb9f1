// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package splitkem

import (
	"crypto/subtle"
	"io"

	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/nike/x25519"
	"golang.org/x/crypto/curve25519"

	"github.com/braid-im/braid/kdf"
	"github.com/braid-im/braid/utils"
)

const (
	kSize   = 32
	tagSize = 32
)

// Wire-visible HKDF labels internal to the scheme.
var (
	labelCombine = []byte("braid-split-kem-mlkem768x25519-combine")
	labelWrapPad = []byte("braid-split-kem-mlkem768x25519-wrap-pad")
	labelWrapMac = []byte("braid-split-kem-mlkem768x25519-wrap-mac")
)

// mlkemx25519 is the default split KEM: the header half is an X25519 public
// key and the encapsulation-key half is an ML-KEM-768 encapsulation key.
// Encaps1 derives a classical shared secret and samples the 32-byte value k
// that anchors the final secret; Encaps2 transports k wrapped under the
// ML-KEM shared secret. Recovering the secret therefore requires breaking
// both components, per the usual hybrid combiner discipline of feeding each
// component secret into the KDF whole.
type mlkemx25519 struct{}

// NewMLKEM768X25519 returns the default split KEM scheme.
func NewMLKEM768X25519() Scheme {
	return &mlkemx25519{}
}

func (s *mlkemx25519) Name() string { return "mlkem768-x25519-split" }

func (s *mlkemx25519) Generate(rng io.Reader) (pkHeader, pkEK, decapKey []byte, err error) {
	hdrPriv := make([]byte, x25519.PrivateKeySize)
	if _, err := io.ReadFull(rng, hdrPriv); err != nil {
		return nil, nil, nil, err
	}
	hdrPub, err := curve25519.X25519(hdrPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, err
	}
	ekPub, ekPriv, err := mlkem768.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, nil, err
	}
	ekPubBytes, err := ekPub.MarshalBinary()
	if err != nil {
		return nil, nil, nil, err
	}
	ekPrivBytes, err := ekPriv.MarshalBinary()
	if err != nil {
		return nil, nil, nil, err
	}
	decapKey = make([]byte, 0, x25519.PrivateKeySize+len(ekPrivBytes))
	decapKey = append(decapKey, hdrPriv...)
	decapKey = append(decapKey, ekPrivBytes...)
	utils.ExplicitBzero(hdrPriv)
	return hdrPub, ekPubBytes, decapKey, nil
}

func (s *mlkemx25519) Encaps1(rng io.Reader, pkHeader []byte) (ct1, state, secret []byte, err error) {
	if len(pkHeader) != x25519.PublicKeySize {
		return nil, nil, nil, ErrInvalidPublicKey
	}
	ephPriv := make([]byte, x25519.PrivateKeySize)
	if _, err := io.ReadFull(rng, ephPriv); err != nil {
		return nil, nil, nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, err
	}
	ss1, err := curve25519.X25519(ephPriv, pkHeader)
	utils.ExplicitBzero(ephPriv)
	if err != nil || utils.CtIsZero(ss1) {
		return nil, nil, nil, ErrInvalidPublicKey
	}
	k := make([]byte, kSize)
	if _, err := io.ReadFull(rng, k); err != nil {
		return nil, nil, nil, err
	}
	secret = combineSecret(ss1, k)
	utils.ExplicitBzero(ss1)
	// The state carries k forward into Encaps2 so the second ciphertext
	// half can transport it under the post-quantum key.
	return ephPub, k, secret, nil
}

func (s *mlkemx25519) Encaps2(rng io.Reader, pkEK, state []byte) (ct2 []byte, err error) {
	if len(state) != kSize {
		return nil, ErrInvalidState
	}
	ekPub, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(pkEK)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	mlkemCt, mlkemSS, err := mlkem768.Scheme().Encapsulate(ekPub)
	if err != nil {
		return nil, err
	}
	pad := kdf.Expand(mlkemSS, labelWrapPad, kSize)
	wrapped := make([]byte, kSize)
	subtle.XORBytes(wrapped, state, pad)
	macKey := kdf.Expand(mlkemSS, labelWrapMac, kdf.KeySize)
	utils.ExplicitBzero(mlkemSS)
	ct2 = make([]byte, 0, len(mlkemCt)+kSize+tagSize)
	ct2 = append(ct2, mlkemCt...)
	ct2 = append(ct2, wrapped...)
	ct2 = append(ct2, kdf.Mac(macKey, ct2)...)
	utils.ExplicitBzero(macKey)
	return ct2, nil
}

func (s *mlkemx25519) Decaps(decapKey, ct1, ct2 []byte) (secret []byte, err error) {
	if len(decapKey) != s.DecapKeySize() {
		return nil, ErrInvalidState
	}
	if len(ct1) != x25519.PublicKeySize || len(ct2) != s.Ciphertext2Size() {
		return nil, ErrInvalidCiphertext
	}
	hdrPriv := decapKey[:x25519.PrivateKeySize]
	ekPriv, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(decapKey[x25519.PrivateKeySize:])
	if err != nil {
		return nil, ErrInvalidState
	}
	ss1, err := curve25519.X25519(hdrPriv, ct1)
	if err != nil || utils.CtIsZero(ss1) {
		return nil, ErrInvalidCiphertext
	}

	mlkemCt := ct2[:mlkem768.CiphertextSize]
	wrapped := ct2[mlkem768.CiphertextSize : mlkem768.CiphertextSize+kSize]
	tag := ct2[mlkem768.CiphertextSize+kSize:]
	mlkemSS, err := mlkem768.Scheme().Decapsulate(ekPriv, mlkemCt)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	macKey := kdf.Expand(mlkemSS, labelWrapMac, kdf.KeySize)
	if !kdf.MacVerify(macKey, ct2[:mlkem768.CiphertextSize+kSize], tag) {
		utils.ExplicitBzero(mlkemSS)
		utils.ExplicitBzero(macKey)
		return nil, ErrInvalidCiphertext
	}
	pad := kdf.Expand(mlkemSS, labelWrapPad, kSize)
	k := make([]byte, kSize)
	subtle.XORBytes(k, wrapped, pad)
	secret = combineSecret(ss1, k)
	utils.ExplicitBzero(ss1)
	utils.ExplicitBzero(mlkemSS)
	utils.ExplicitBzero(macKey)
	utils.ExplicitBzero(k)
	return secret, nil
}

func (s *mlkemx25519) HeaderPublicKeySize() int { return x25519.PublicKeySize }
func (s *mlkemx25519) EKPublicKeySize() int     { return mlkem768.PublicKeySize }
func (s *mlkemx25519) DecapKeySize() int {
	return x25519.PrivateKeySize + mlkem768.PrivateKeySize
}
func (s *mlkemx25519) Ciphertext1Size() int { return x25519.PublicKeySize }
func (s *mlkemx25519) Ciphertext2Size() int {
	return mlkem768.CiphertextSize + kSize + tagSize
}
func (s *mlkemx25519) SharedSecretSize() int { return kdf.KeySize }

func combineSecret(ss1, k []byte) []byte {
	ikm := make([]byte, 0, len(ss1)+len(k))
	ikm = append(ikm, ss1...)
	ikm = append(ikm, k...)
	out := kdf.DeriveSecrets(ikm, nil, labelCombine, kdf.KeySize)
	utils.ExplicitBzero(ikm)
	return out
}
