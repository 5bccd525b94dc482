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

package channel

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

type backend struct{}

// Backend computes channel ids and signs and verifies canonical states.
var Backend = backend{}

// CalcID derives the channel id from its parameters.
func (b backend) CalcID(cfg wire.ChannelConfig, chainID *big.Int) (common.Hash, error) {
	return wire.ChannelID(cfg, chainID)
}

// Sign signs the state hash with the given account.
func (b backend) Sign(ctx context.Context, signer wallet.Signer, state *wire.State) ([]byte, error) {
	hash, err := wire.StateHash(state)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignStateHash(ctx, hash)
	if err != nil {
		return nil, errors.WithMessage(err, "signing state")
	}
	return sig, nil
}

// Verify reports whether sig is addr's signature over the state hash.
func (b backend) Verify(addr common.Address, state *wire.State, sig []byte) (bool, error) {
	hash, err := wire.StateHash(state)
	if err != nil {
		return false, err
	}
	return wallet.VerifySignature(hash.Bytes(), sig, addr)
}
