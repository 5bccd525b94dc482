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
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
)

// Backend is the chain connection, e.g. an *ethclient.Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// ContractBackend invokes contracts on behalf of the transactor. Transactions are sent one at a
// time so that nonces stay in order.
type ContractBackend struct {
	backend Backend
	tr      *Transactor
	sender  Sender
	cbMutex sync.Mutex
	log     log.Embedding
}

func NewContractBackend(backend Backend, trConfig *TransactorConfig) (*ContractBackend, error) {
	tr, err := NewTransactor(*trConfig)
	if err != nil {
		return nil, err
	}
	return &ContractBackend{
		backend: backend,
		tr:      tr,
		sender:  NewTxSender(backend),
		log:     log.MakeEmbedding(log.Default()),
	}, nil
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.WithMessagef(err, "dialing %s", url)
	}
	return c, nil
}

func (cb *ContractBackend) GetTransactor() *Transactor {
	return cb.tr
}

// SetSender replaces the component waiting for transactions.
func (cb *ContractBackend) SetSender(s Sender) {
	cb.sender = s
}

// InvokeSignedTx sends a transaction calling fname and waits until it is mined. value is the
// amount of native currency sent along and may be nil.
func (cb *ContractBackend) InvokeSignedTx(ctx context.Context, contract *bind.BoundContract, value *big.Int, fname string, args ...interface{}) (*types.Receipt, error) {
	cb.cbMutex.Lock()
	defer cb.cbMutex.Unlock()

	opts, err := cb.tr.Opts(ctx)
	if err != nil {
		return nil, err
	}
	opts.Value = value
	tx, err := contract.Transact(opts, fname, args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "sending %s", fname)
	}
	cb.log.Log().Debugf("Sent %s in tx %s", fname, tx.Hash().Hex())
	receipt, err := cb.sender.WaitMined(ctx, tx)
	if err != nil {
		return nil, errors.WithMessage(err, fname)
	}
	return receipt, nil
}

// InvokeUnsignedTx calls the view function fname.
func (cb *ContractBackend) InvokeUnsignedTx(ctx context.Context, contract *bind.BoundContract, fname string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: cb.tr.Address()}
	if err := contract.Call(opts, &out, fname, args...); err != nil {
		return nil, errors.WithMessagef(err, "calling %s", fname)
	}
	return out, nil
}
