// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	sessionsBucket = "sessions"
	versionKey     = "version"
	schemaVersion  = 0

	DefaultKey = "default"
)

// BoltStore keeps the snapshot under a fixed key in a bbolt database.
type BoltStore struct {
	db  *bolt.DB
	key []byte
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the database at path. Snapshots are stored under key.
func OpenBolt(path, key string) (*BoltStore, error) {
	if key == "" {
		key = DefaultKey
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return errors.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, key: []byte(key)}, nil
}

func (b *BoltStore) Save(s *Snapshot) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put(b.key, data)
	})
}

func (b *BoltStore) Load() (*Snapshot, error) {
	var data []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(sessionsBucket)).Get(b.key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete(b.key)
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
