// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// ErrCiphertext covers malformed or unauthenticated payloads.
var ErrCiphertext = errors.New("engine: ciphertext rejected")

// Cipher turns message key material into payload bytes and back. The key
// is 32 bytes, the IV 16, and aad binds the envelope header to the
// payload.
type Cipher interface {
	Encrypt(key, iv, macKey, aad, plaintext []byte) ([]byte, error)
	Decrypt(key, iv, macKey, aad, ciphertext []byte) ([]byte, error)
}

// CBCCipher is AES-256-CBC with PKCS#7 padding, encrypt-then-MAC under
// HMAC-SHA256. The tag covers aad followed by the ciphertext.
type CBCCipher struct{}

const cbcTagSize = 32

func (CBCCipher) Encrypt(key, iv, macKey, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded), len(padded)+cbcTagSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	m := hmac.New(sha256.New, macKey)
	m.Write(aad)
	m.Write(out)
	return m.Sum(out), nil
}

func (CBCCipher) Decrypt(key, iv, macKey, aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < cbcTagSize {
		return nil, ErrCiphertext
	}
	body := ciphertext[:len(ciphertext)-cbcTagSize]
	tag := ciphertext[len(ciphertext)-cbcTagSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, ErrCiphertext
	}

	m := hmac.New(sha256.New, macKey)
	m.Write(aad)
	m.Write(body)
	if !hmac.Equal(m.Sum(nil), tag) {
		return nil, ErrCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrCiphertext
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrCiphertext
		}
	}
	// An empty plaintext decrypts to nil, matching what was encrypted.
	if n == len(b) {
		return nil, nil
	}
	return b[:len(b)-n], nil
}
