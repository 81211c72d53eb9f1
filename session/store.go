// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotFound is returned by stores when no record exists for an address.
var ErrNotFound = errors.New("session: record not found")

// Store persists session records keyed by remote address.
type Store interface {
	// LoadRecord retrieves the record for addr, or ErrNotFound.
	LoadRecord(addr string) (*Record, error)

	// StoreRecord persists the record for addr, replacing any prior one.
	StoreRecord(addr string, rec *Record) error

	// Delete removes the record for addr. Deleting a missing record
	// is not an error.
	Delete(addr string) error
}

// MemoryStore is a Store backed by a map. Records are kept in their
// serialized form so that loads hand out independent copies.
type MemoryStore struct {
	sync.Mutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) LoadRecord(addr string) (*Record, error) {
	m.Lock()
	blob, ok := m.records[addr]
	m.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec := new(Record)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *MemoryStore) StoreRecord(addr string, rec *Record) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	m.Lock()
	m.records[addr] = blob
	m.Unlock()
	return nil
}

func (m *MemoryStore) Delete(addr string) error {
	m.Lock()
	delete(m.records, addr)
	m.Unlock()
	return nil
}
