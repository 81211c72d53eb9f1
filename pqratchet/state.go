// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package pqratchet

// Role names which half of the braid protocol a party runs for the epoch in
// flight. Roles strictly alternate between the two parties each epoch.
type Role uint8

const (
	// RoleEKSender generates the split KEM keypair and transmits it.
	RoleEKSender Role = 1
	// RoleCTSender encapsulates against the received keys.
	RoleCTSender Role = 2
)

// Mode fixes whether the braid runs at all. Negotiated once at session
// start, immutable for the session's lifetime.
type Mode uint8

const (
	// ModeDisabled runs the session classical-only.
	ModeDisabled Mode = 0
	// ModeBraid runs the post-quantum braid alongside the classical ratchet.
	ModeBraid Mode = 1
)

// Variant tags the braid state machine node.
type Variant uint8

const (
	VariantDisabled Variant = iota
	VariantKeysUnsampled
	VariantHeaderSent
	VariantEkSent
	VariantEkSentCt1Received
	VariantNoHeaderReceived
	VariantHeaderReceived
	VariantCt1Sent
	VariantCt1SentEkReceived
	VariantCt2Sent
	VariantFaulted
)

// State is one node of the braid state machine. Each variant carries only
// the data its own transitions need; the engine switches exhaustively over
// the concrete types.
type State interface {
	Variant() Variant
	clone() State
}

// disabledState: braid permanently off for this session.
type disabledState struct{}

// keysUnsampled: EK-sender at rest; the next send step samples a split
// keypair and announces the epoch.
type keysUnsampled struct{}

// headerSent: EK-sender has announced the epoch; key shards not yet flowing.
type headerSent struct {
	PkHeader []byte
	PkEK     []byte
	DecapKey []byte
	EkShards [][]byte
	Cursor   int
}

// ekSent: EK-sender cycling header and key shards, waiting for ct1.
type ekSent struct {
	PkHeader []byte
	PkEK     []byte
	DecapKey []byte
	EkShards [][]byte
	Cursor   int
}

// ekSentCt1Received: EK-sender holds ct1 and is collecting ct2 shards while
// still cycling its own key shards.
type ekSentCt1Received struct {
	DecapKey []byte
	EkShards [][]byte
	Cursor   int
	Ct1      []byte
	Ct2      *shardCollector
}

// noHeaderReceived: CT-sender at rest, waiting for the peer's epoch
// announcement.
type noHeaderReceived struct{}

// headerReceived: CT-sender holds the header half; the next send step runs
// the first encapsulation and emits this side's epoch secret.
type headerReceived struct {
	PkHeader []byte
}

// ct1Sent: CT-sender emitted ct1, collecting the peer's key shards.
type ct1Sent struct {
	Ct1      []byte
	EncState []byte
	Ek       *shardCollector
}

// ct1SentEkReceived: CT-sender holds the full key half; the next send step
// runs the second encapsulation.
type ct1SentEkReceived struct {
	Ct1      []byte
	EncState []byte
	PkEK     []byte
}

// ct2Sent: CT-sender cycling ct1 and ct2 shards until the peer demonstrates
// possession of the epoch secret.
type ct2Sent struct {
	Ct1       []byte
	Ct2Shards [][]byte
	Cursor    int
}

// faulted: an authenticated braid value failed to decapsulate; the braid is
// frozen for this session and derivation continues classical-only.
type faulted struct{}

func (disabledState) Variant() Variant      { return VariantDisabled }
func (keysUnsampled) Variant() Variant      { return VariantKeysUnsampled }
func (*headerSent) Variant() Variant        { return VariantHeaderSent }
func (*ekSent) Variant() Variant            { return VariantEkSent }
func (*ekSentCt1Received) Variant() Variant { return VariantEkSentCt1Received }
func (noHeaderReceived) Variant() Variant   { return VariantNoHeaderReceived }
func (*headerReceived) Variant() Variant    { return VariantHeaderReceived }
func (*ct1Sent) Variant() Variant           { return VariantCt1Sent }
func (*ct1SentEkReceived) Variant() Variant { return VariantCt1SentEkReceived }
func (*ct2Sent) Variant() Variant           { return VariantCt2Sent }
func (faulted) Variant() Variant            { return VariantFaulted }

func (s disabledState) clone() State    { return s }
func (s keysUnsampled) clone() State    { return s }
func (s noHeaderReceived) clone() State { return s }
func (s faulted) clone() State          { return s }

func (s *headerSent) clone() State {
	return &headerSent{
		PkHeader: dup(s.PkHeader),
		PkEK:     dup(s.PkEK),
		DecapKey: dup(s.DecapKey),
		EkShards: dupShards(s.EkShards),
		Cursor:   s.Cursor,
	}
}

func (s *ekSent) clone() State {
	return &ekSent{
		PkHeader: dup(s.PkHeader),
		PkEK:     dup(s.PkEK),
		DecapKey: dup(s.DecapKey),
		EkShards: dupShards(s.EkShards),
		Cursor:   s.Cursor,
	}
}

func (s *ekSentCt1Received) clone() State {
	return &ekSentCt1Received{
		DecapKey: dup(s.DecapKey),
		EkShards: dupShards(s.EkShards),
		Cursor:   s.Cursor,
		Ct1:      dup(s.Ct1),
		Ct2:      s.Ct2.clone(),
	}
}

func (s *headerReceived) clone() State {
	return &headerReceived{PkHeader: dup(s.PkHeader)}
}

func (s *ct1Sent) clone() State {
	return &ct1Sent{
		Ct1:      dup(s.Ct1),
		EncState: dup(s.EncState),
		Ek:       s.Ek.clone(),
	}
}

func (s *ct1SentEkReceived) clone() State {
	return &ct1SentEkReceived{
		Ct1:      dup(s.Ct1),
		EncState: dup(s.EncState),
		PkEK:     dup(s.PkEK),
	}
}

func (s *ct2Sent) clone() State {
	return &ct2Sent{
		Ct1:       dup(s.Ct1),
		Ct2Shards: dupShards(s.Ct2Shards),
		Cursor:    s.Cursor,
	}
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func dupShards(shards [][]byte) [][]byte {
	if shards == nil {
		return nil
	}
	out := make([][]byte, len(shards))
	for i, s := range shards {
		out[i] = dup(s)
	}
	return out
}
