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
	"context"
	"crypto/ecdsa"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// Signer is the primary wallet. It is slow and user facing, so the engine only asks it for the
// authentication policy signature and for the holder signature over channel states.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignStateHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// Account is a Signer backed by a local private key.
type Account struct {
	privateKey *ecdsa.PrivateKey
}

var _ Signer = (*Account)(nil)

// NewAccount wraps an existing private key.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{privateKey: key}
}

// NewAccountFromHex parses a hex encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, errors.WithMessage(err, "parsing private key")
	}
	return &Account{privateKey: key}, nil
}

// NewRandomAccount creates an account from 32 bytes of rng.
func NewRandomAccount(rng io.Reader) (*Account, error) {
	key, err := randomKey(rng)
	if err != nil {
		return nil, err
	}
	return &Account{privateKey: key}, nil
}

// Address returns the address of the account.
func (a *Account) Address() common.Address {
	return crypto.PubkeyToAddress(a.privateKey.PublicKey)
}

// SignTypedData signs the EIP-712 digest of data.
func (a *Account) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, errors.WithMessage(err, "hashing typed data")
	}
	return SignHash(a.privateKey, hash)
}

// SignStateHash signs a channel state hash.
func (a *Account) SignStateHash(_ context.Context, hash common.Hash) ([]byte, error) {
	return SignHash(a.privateKey, hash.Bytes())
}

// PrivateKey exposes the key, e.g. for building on-chain transactors.
func (a *Account) PrivateKey() *ecdsa.PrivateKey {
	return a.privateKey
}

func randomKey(rng io.Reader) (*ecdsa.PrivateKey, error) {
	for {
		seed := make([]byte, 32)
		if _, err := io.ReadFull(rng, seed); err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(seed)
		if err == nil {
			return key, nil
		}
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
