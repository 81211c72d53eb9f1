// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package pqratchet

import (
	"errors"

	"github.com/braid-im/braid/kdf"
	"github.com/braid-im/braid/ratchet"
	"github.com/braid-im/braid/utils"
)

const (
	// MaxEpochChains bounds how many epochs of receive chains stay
	// locatable; older epochs are evicted first.
	MaxEpochChains = 4

	// MaxOutOfOrderKeys bounds the skipped post-quantum key cache.
	MaxOutOfOrderKeys = 2000

	// MaxJump bounds how far ahead of the receive chain index a
	// post-quantum key index may point.
	MaxJump = 25000
)

var (
	// ErrKeyConsumed is returned when a post-quantum key index was already
	// used or its cache entry evicted.
	ErrKeyConsumed = errors.New("pqratchet: post-quantum key already consumed")

	// ErrTooFarAhead is returned when a key index jumps past MaxJump.
	ErrTooFarAhead = errors.New("pqratchet: post-quantum key index too far ahead")

	// ErrUnknownEpoch is returned for an epoch with no retained chain.
	ErrUnknownEpoch = errors.New("pqratchet: unknown epoch")
)

// epochChain holds the per-direction symmetric chains of one completed
// epoch.
type epochChain struct {
	Epoch uint64
	Send  ratchet.ChainKey
	Recv  ratchet.ChainKey
}

// skippedPQKey is one cached out-of-order post-quantum key.
type skippedPQKey struct {
	Epoch uint64
	Index uint32
	Salt  ratchet.PQSalt
}

// Chain turns each completed epoch secret into per-direction message key
// sequences. The chain root evolves across epochs so one epoch secret never
// determines the next epoch's chains on its own.
type Chain struct {
	Root    [kdf.KeySize]byte
	Epochs  []*epochChain  // ascending epoch order, bounded
	Skipped []skippedPQKey // ordered oldest-first, bounded
}

// AddEpoch derives a new chain root plus one send and one receive chain
// from an epoch secret. prior is the existing chain, or nil for the first
// epoch, in which case sessionSeed seeds the derivation. The epoch's
// EK-sender sends on the first derived chain; the CT-sender on the second.
func AddEpoch(prior *Chain, sessionSeed []byte, epoch uint64, secret []byte, role Role) *Chain {
	salt := sessionSeed
	c := prior
	if c == nil {
		c = &Chain{}
	} else {
		salt = c.Root[:]
	}
	out := kdf.DeriveSecrets(secret, salt, kdf.LabelEpochChain, 3*kdf.KeySize)

	ec := &epochChain{Epoch: epoch}
	ekChain, ctChain := out[kdf.KeySize:2*kdf.KeySize], out[2*kdf.KeySize:]
	if role == RoleEKSender {
		copy(ec.Send.Key[:], ekChain)
		copy(ec.Recv.Key[:], ctChain)
	} else {
		copy(ec.Send.Key[:], ctChain)
		copy(ec.Recv.Key[:], ekChain)
	}
	copy(c.Root[:], out[:kdf.KeySize])
	utils.ExplicitBzero(out)

	c.Epochs = append(c.Epochs, ec)
	for len(c.Epochs) > MaxEpochChains {
		c.Epochs[0].Send.Wipe()
		c.Epochs[0].Recv.Wipe()
		c.Epochs = c.Epochs[1:]
	}
	return c
}

func (c *Chain) epoch(epoch uint64) *epochChain {
	for _, ec := range c.Epochs {
		if ec.Epoch == epoch {
			return ec
		}
	}
	return nil
}

// SendKey consumes the next key of the given epoch's send chain, returning
// the key and its index.
func (c *Chain) SendKey(epoch uint64) (*ratchet.PQSalt, uint32, error) {
	ec := c.epoch(epoch)
	if ec == nil {
		return nil, 0, ErrUnknownEpoch
	}
	salt := new(ratchet.PQSalt)
	copy(salt[:], ec.Send.MessageKeySeed())
	index := ec.Send.Index
	ec.Send = *ec.Send.Next()
	return salt, index, nil
}

// RecvKey returns the key at (epoch, index), caching any intermediate keys
// the advancement skips over. Cached keys are consumed exactly once.
func (c *Chain) RecvKey(epoch uint64, index uint32) (*ratchet.PQSalt, error) {
	ec := c.epoch(epoch)
	if ec == nil {
		return nil, ErrUnknownEpoch
	}
	if index < ec.Recv.Index {
		return c.takeSkipped(epoch, index)
	}
	if index-ec.Recv.Index > MaxJump {
		return nil, ErrTooFarAhead
	}
	ck := ec.Recv
	for ck.Index < index {
		var sk skippedPQKey
		sk.Epoch = epoch
		sk.Index = ck.Index
		copy(sk.Salt[:], ck.MessageKeySeed())
		c.Skipped = append(c.Skipped, sk)
		ck = *ck.Next()
	}
	for len(c.Skipped) > MaxOutOfOrderKeys {
		utils.ExplicitBzero(c.Skipped[0].Salt[:])
		c.Skipped = c.Skipped[1:]
	}
	salt := new(ratchet.PQSalt)
	copy(salt[:], ck.MessageKeySeed())
	ec.Recv = *ck.Next()
	return salt, nil
}

func (c *Chain) takeSkipped(epoch uint64, index uint32) (*ratchet.PQSalt, error) {
	for i := range c.Skipped {
		if c.Skipped[i].Epoch == epoch && c.Skipped[i].Index == index {
			salt := new(ratchet.PQSalt)
			copy(salt[:], c.Skipped[i].Salt[:])
			utils.ExplicitBzero(c.Skipped[i].Salt[:])
			c.Skipped = append(c.Skipped[:i], c.Skipped[i+1:]...)
			return salt, nil
		}
	}
	return nil, ErrKeyConsumed
}

// Clone deep-copies the chain.
func (c *Chain) Clone() *Chain {
	if c == nil {
		return nil
	}
	n := &Chain{Root: c.Root}
	n.Epochs = make([]*epochChain, len(c.Epochs))
	for i, ec := range c.Epochs {
		cp := *ec
		n.Epochs[i] = &cp
	}
	n.Skipped = append([]skippedPQKey(nil), c.Skipped...)
	return n
}
