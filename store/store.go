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

// Package store persists the session snapshot that lets a restarted process resume its session
// and channel.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/channel"
)

var ErrNotFound = errors.New("no snapshot")

// Snapshot is the persisted session state.
type Snapshot struct {
	Address common.Address `json:"address"`
	// SessionKey is the hex encoded session private key.
	SessionKey string    `json:"session_key"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	// Channel is the open channel including its last known balance, if any.
	Channel *channel.Channel `json:"channel,omitempty"`
	SavedAt time.Time        `json:"saved_at"`
}

// Valid reports whether the snapshot holds a session that has not expired at now.
func (s *Snapshot) Valid(now time.Time) bool {
	return s != nil && s.SessionKey != "" && s.Token != "" && now.Before(s.ExpiresAt)
}

func (s Snapshot) String() string {
	ch := "none"
	if s.Channel != nil {
		ch = fmt.Sprintf("%s(%s, balance %s)", s.Channel.ID, s.Channel.Mode, s.Channel.Balance)
	}
	return fmt.Sprintf("Snapshot{%s channel=%s expires=%s key=[redacted] token=[redacted]}",
		s.Address.Hex(), ch, s.ExpiresAt.UTC().Format(time.RFC3339))
}

func encode(s *Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	return b, errors.WithMessage(err, "encoding snapshot")
}

func decode(b []byte) (*Snapshot, error) {
	s := new(Snapshot)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, errors.WithMessage(err, "decoding snapshot")
	}
	return s, nil
}

// Store keeps a single snapshot.
type Store interface {
	Save(s *Snapshot) error
	// Load returns ErrNotFound if nothing was saved.
	Load() (*Snapshot, error)
	Clear() error
	Close() error
}

// MemStore keeps the snapshot in memory.
type MemStore struct {
	mu   sync.Mutex
	data []byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Save(s *Snapshot) error {
	b, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = b
	return nil
}

func (m *MemStore) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNotFound
	}
	return decode(m.data)
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

func (m *MemStore) Close() error { return nil }
