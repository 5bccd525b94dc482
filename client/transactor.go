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

package client

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/wallet"
)

// Transactor signs the holder's transactions.
type Transactor struct {
	account *wallet.Account
	chainID *big.Int
}

type TransactorConfig struct {
	account *wallet.Account
	chainID *big.Int
}

func (tc *TransactorConfig) SetAccount(account *wallet.Account) {
	tc.account = account
}

func (tc *TransactorConfig) SetChainID(chainID *big.Int) {
	tc.chainID = chainID
}

func NewTransactor(cfg TransactorConfig) (*Transactor, error) {
	if cfg.account == nil {
		return nil, errors.New("transactor needs an account")
	}
	if cfg.chainID == nil || cfg.chainID.Sign() <= 0 {
		return nil, errors.New("transactor needs a chain id")
	}
	return &Transactor{account: cfg.account, chainID: new(big.Int).Set(cfg.chainID)}, nil
}

func (t *Transactor) Address() common.Address {
	return t.account.Address()
}

// Opts returns fresh transaction options bound to ctx.
func (t *Transactor) Opts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(t.account.PrivateKey(), t.chainID)
	if err != nil {
		return nil, errors.WithMessage(err, "creating transactor")
	}
	opts.Context = ctx
	return opts, nil
}
