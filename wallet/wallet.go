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

package wallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"polycry.pt/poly-go/sync"

	"perun.network/perun-clearnode-client/failure"
)

// DefaultSessionTTL is the lifetime of a freshly generated session key.
const DefaultSessionTTL = 24 * time.Hour

// Canonical is a request payload with a deterministic byte encoding.
type Canonical interface {
	CanonicalJSON() ([]byte, error)
}

// SessionKey is the public part of an ephemeral session key.
type SessionKey struct {
	Address   common.Address
	ExpiresAt time.Time
}

func (k SessionKey) String() string {
	return fmt.Sprintf("session key %s (expires %s)", k.Address.Hex(), k.ExpiresAt.UTC().Format(time.RFC3339))
}

// KeyManager holds the ephemeral session key used to sign protocol messages.
type KeyManager struct {
	lock      sync.Mutex
	key       *ecdsa.PrivateKey
	expiresAt time.Time
	ttl       time.Duration
	rng       io.Reader
	now       func() time.Time
}

// NewKeyManager creates an empty key manager issuing keys valid for ttl.
func NewKeyManager(ttl time.Duration) *KeyManager {
	if ttl <= 0 || ttl > DefaultSessionTTL {
		ttl = DefaultSessionTTL
	}
	return &KeyManager{ttl: ttl, rng: rand.Reader, now: time.Now}
}

// SetClock replaces the time source.
func (m *KeyManager) SetClock(now func() time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = now
}

// Generate replaces the current key with a fresh one.
func (m *KeyManager) Generate() (SessionKey, error) {
	key, err := randomKey(m.rng)
	if err != nil {
		return SessionKey{}, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.key = key
	// Expiry is kept at second precision since it is transmitted in seconds.
	m.expiresAt = m.now().Add(m.ttl).Truncate(time.Second)
	return m.sessionKey(), nil
}

// Restore re-hydrates a persisted key. Keys already past expiresAt are rejected.
func (m *KeyManager) Restore(hexKey string, expiresAt time.Time) bool {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return false
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.now().Before(expiresAt) {
		return false
	}
	m.key = key
	m.expiresAt = expiresAt
	return true
}

// HasValid reports whether an unexpired key is held.
func (m *KeyManager) HasValid() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.valid()
}

// Current returns the public part of the held key.
func (m *KeyManager) Current() (SessionKey, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.key == nil {
		return SessionKey{}, false
	}
	return m.sessionKey(), m.valid()
}

// SignMessage signs keccak256(msg) with the session key.
func (m *KeyManager) SignMessage(msg []byte) ([]byte, error) {
	return m.signHash(crypto.Keccak256(msg))
}

// SignRequest signs the keccak256 hash of the canonical request encoding. No prefix is applied so
// the coordinator can verify with a plain ecrecover.
func (m *KeyManager) SignRequest(req Canonical) ([]byte, error) {
	data, err := req.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return m.signHash(crypto.Keccak256(data))
}

// PrivateKeyHex returns the hex encoded private key for persistence.
func (m *KeyManager) PrivateKeyHex() (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.key == nil {
		return "", failure.New(failure.SessionExpired, "no session key")
	}
	return hex.EncodeToString(crypto.FromECDSA(m.key)), nil
}

// Clear drops the held key.
func (m *KeyManager) Clear() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.key = nil
	m.expiresAt = time.Time{}
}

func (m *KeyManager) signHash(hash []byte) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.key == nil {
		return nil, failure.New(failure.SessionExpired, "no session key")
	}
	if !m.valid() {
		return nil, failure.Newf(failure.SessionExpired, "session key expired at %s", m.expiresAt.UTC().Format(time.RFC3339))
	}
	return SignHash(m.key, hash)
}

func (m *KeyManager) valid() bool {
	return m.key != nil && m.now().Before(m.expiresAt)
}

func (m *KeyManager) sessionKey() SessionKey {
	return SessionKey{Address: crypto.PubkeyToAddress(m.key.PublicKey), ExpiresAt: m.expiresAt}
}
