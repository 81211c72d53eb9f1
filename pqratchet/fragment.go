// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package pqratchet

import (
	"encoding/binary"
	"errors"

	"github.com/klauspost/reedsolomon"

	"github.com/braid-im/braid/kdf"
)

// FragmentKind identifies the braid artifact a fragment carries.
type FragmentKind uint8

const (
	// KindHeader announces a new epoch and carries the small public key half.
	KindHeader FragmentKind = 1
	// KindEK carries one erasure shard of the large public key half.
	KindEK FragmentKind = 2
	// KindCT1 carries the first ciphertext half, whole.
	KindCT1 FragmentKind = 3
	// KindCT2 carries one erasure shard of the second ciphertext half.
	KindCT2 FragmentKind = 4
)

const (
	// dataShards and parityShards parameterize the systematic erasure code
	// used to fragment the large braid values. Any dataShards of the
	// dataShards+parityShards emitted shards reconstruct the value.
	dataShards   = 8
	parityShards = 4
	totalShards  = dataShards + parityShards
)

var (
	// ErrBadFragment is returned for a fragment that is structurally
	// invalid: unknown kind, shard index out of range, or wrong payload
	// size.
	ErrBadFragment = errors.New("pqratchet: malformed fragment")
)

// Fragment is one piggybacked unit of braid material. Fragments ride inside
// ordinary message envelopes; their authenticity is bound to the running
// braid authenticator, not to the enclosing message keys.
type Fragment struct {
	Kind    FragmentKind
	Epoch   uint64
	Index   uint8
	Payload []byte
	Mac     []byte
}

// macInput serializes the authenticated portion of a fragment.
func (f *Fragment) macInput() []byte {
	b := make([]byte, 0, 10+len(f.Payload))
	b = append(b, byte(f.Kind))
	b = binary.BigEndian.AppendUint64(b, f.Epoch)
	b = append(b, f.Index)
	b = append(b, f.Payload...)
	return b
}

func (f *Fragment) seal(authKey []byte) {
	f.Mac = kdf.Mac(authKey, f.macInput())
}

func (f *Fragment) verify(authKey []byte) bool {
	return kdf.MacVerify(authKey, f.macInput(), f.Mac)
}

// shardValue erasure-codes value into totalShards shards.
func shardValue(value []byte) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(value)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// shardCollector accumulates shards of one value until any dataShards of
// them have arrived, then reconstructs.
type shardCollector struct {
	Size   int      // original value size
	Shards [][]byte // indexed by shard number, nil when missing
	Have   int
}

func newShardCollector(size int) *shardCollector {
	return &shardCollector{
		Size:   size,
		Shards: make([][]byte, totalShards),
	}
}

func (c *shardCollector) shardSize() int {
	n := c.Size / dataShards
	if c.Size%dataShards != 0 {
		n++
	}
	return n
}

// add stores one shard. Duplicate shards are ignored.
func (c *shardCollector) add(index uint8, payload []byte) error {
	if int(index) >= totalShards || len(payload) != c.shardSize() {
		return ErrBadFragment
	}
	if c.Shards[index] != nil {
		return nil
	}
	c.Shards[index] = append([]byte(nil), payload...)
	c.Have++
	return nil
}

func (c *shardCollector) complete() bool {
	return c.Have >= dataShards
}

// reconstruct returns the original value. Call only when complete.
func (c *shardCollector) reconstruct() ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(c.Shards); err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.Size)
	for i := 0; i < dataShards && len(out) < c.Size; i++ {
		remaining := c.Size - len(out)
		if remaining >= len(c.Shards[i]) {
			out = append(out, c.Shards[i]...)
		} else {
			out = append(out, c.Shards[i][:remaining]...)
		}
	}
	return out, nil
}

func (c *shardCollector) clone() *shardCollector {
	if c == nil {
		return nil
	}
	n := &shardCollector{Size: c.Size, Have: c.Have, Shards: make([][]byte, len(c.Shards))}
	for i, s := range c.Shards {
		if s != nil {
			n.Shards[i] = append([]byte(nil), s...)
		}
	}
	return n
}
