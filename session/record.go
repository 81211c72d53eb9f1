// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/braid-im/braid/ratchet"
)

// Record is the session set for one remote address: exactly one current
// state plus a bounded, most-recent-first archive. States are demoted to
// the archive rather than deleted while reachable.
type Record struct {
	Current  *State
	Archived []*State
}

// NewRecord creates a record around a freshly negotiated state.
func NewRecord(st *State) *Record {
	return &Record{Current: st}
}

// SetCurrent installs a new current state, archiving the previous one.
func (r *Record) SetCurrent(st *State) {
	if r.Current != nil {
		r.archive(r.Current)
	}
	r.Current = st
}

// PromoteMatching moves an existing session for the given initiator base
// key back to current, if one exists. It reports whether a session matched;
// when false the caller proceeds with a fresh negotiation.
func (r *Record) PromoteMatching(baseKey [ratchet.KeySize]byte) bool {
	if r.Current != nil && r.Current.AliceBasePub == baseKey {
		return true
	}
	for i, st := range r.Archived {
		if st.AliceBasePub == baseKey {
			r.promoteIndex(i)
			return true
		}
	}
	return false
}

// Promote moves the archived state at index i to current, archiving the
// previous current.
func (r *Record) Promote(i int) {
	if i < 0 || i >= len(r.Archived) {
		return
	}
	r.promoteIndex(i)
}

func (r *Record) promoteIndex(i int) {
	st := r.Archived[i]
	r.Archived = append(r.Archived[:i], r.Archived[i+1:]...)
	if r.Current != nil {
		r.archive(r.Current)
	}
	r.Current = st
}

func (r *Record) archive(st *State) {
	r.Archived = append([]*State{st}, r.Archived...)
	for len(r.Archived) > MaxArchivedStates {
		r.Archived[len(r.Archived)-1].Destroy()
		r.Archived = r.Archived[:len(r.Archived)-1]
	}
}

// States yields the decrypt candidates: current first, then the archive in
// most-recent-first order.
func (r *Record) States() []*State {
	out := make([]*State, 0, 1+len(r.Archived))
	if r.Current != nil {
		out = append(out, r.Current)
	}
	return append(out, r.Archived...)
}
