// Copyright 2024 The Nexus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the KV State Store (§4.1): a process-local,
// column-family-keyed, persistent byte map backed by bbolt. The store does
// not parse values -- callers (the state machine) own the JSON schema.
package store

import (
	"bytes"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Column families, matching the bucket layout of §4.1.
const (
	CFConfig        = "config"
	CFConfigHistory = "config_history"
	CFConfigGray    = "config_gray"
	CFNamespace     = "namespace"
	CFUsers         = "users"
	CFRoles         = "roles"
	CFPermissions   = "permissions"
	CFInstances     = "instances"
	CFLocks         = "locks"
	CFMeta          = "meta"
)

// AllColumnFamilies lists every bucket the store creates at open time.
var AllColumnFamilies = []string{
	CFConfig, CFConfigHistory, CFConfigGray, CFNamespace,
	CFUsers, CFRoles, CFPermissions, CFInstances, CFLocks, CFMeta,
}

// WriteOp is a single operation inside a Batch call.
type WriteOp struct {
	CF     string
	Key    []byte
	Value  []byte // ignored when Delete is set
	Delete bool
}

// Put builds a put WriteOp.
func Put(cf string, key, value []byte) WriteOp { return WriteOp{CF: cf, Key: key, Value: value} }

// Del builds a delete WriteOp.
func Del(cf string, key []byte) WriteOp { return WriteOp{CF: cf, Key: key, Delete: true} }

// KV is the capability contract consumed by the rest of the core.
type KV interface {
	Put(cf string, key, value []byte) error
	Get(cf string, key []byte) ([]byte, error) // nil, nil on miss
	Delete(cf string, key []byte) error
	PrefixScan(cf string, prefix []byte, fn func(key, value []byte) error) error
	Batch(ops []WriteOp) error
	Close() error
}

// BoltStore is the bbolt-backed implementation of KV.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures every column
// family bucket exists.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bbolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range AllColumnFamilies {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return errors.Wrapf(err, "create bucket %s", cf)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put atomically writes a single key in one column family.
func (s *BoltStore) Put(cf string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cf)).Put(key, value)
	})
}

// Get returns the value for key, or (nil, nil) if absent.
func (s *BoltStore) Get(cf string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(cf)).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes key; absent keys are a no-op (idempotent).
func (s *BoltStore) Delete(cf string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cf)).Delete(key)
	})
}

// PrefixScan walks every (key, value) pair in cf whose key has the given
// prefix, in key order, over a single consistent read transaction.
func (s *BoltStore) PrefixScan(cf string, prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(cf)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Batch applies every op atomically in a single read-write transaction.
func (s *BoltStore) Batch(ops []WriteOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket([]byte(op.CF))
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DumpAll returns every (key, value) pair of cf, used by the state
// machine's snapshot builder.
func (s *BoltStore) DumpAll(cf string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := s.PrefixScan(cf, nil, func(k, v []byte) error {
		out[string(k)] = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// LoadAll clears cf and replaces its contents with data, atomically.
func (s *BoltStore) LoadAll(cf string, data map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(cf)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(cf))
		if err != nil {
			return err
		}
		for k, v := range data {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
