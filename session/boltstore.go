// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltStore is a Store backed by a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) LoadRecord(addr string) (*Record, error) {
	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(addr))
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	rec := new(Record)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BoltStore) StoreRecord(addr string, rec *Record) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(addr), blob)
	})
}

func (b *BoltStore) Delete(addr string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(addr))
	})
}

// Close flushes and closes the underlying database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
