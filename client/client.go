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

// Package client settles channels on an EVM chain through the custody contract.
package client

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/wire"
)

// Client implements channel.Custody against a deployed custody contract.
type Client struct {
	cb          *ContractBackend
	custody     *bind.BoundContract
	token       *bind.BoundContract
	custodyAddr common.Address
	tokenAddr   common.Address
}

var _ channel.Custody = (*Client)(nil)

// NewClient binds the custody contract and the ERC-20 token deposits are made in. The zero token
// address denotes the native currency.
func NewClient(cb *ContractBackend, custodyAddr, tokenAddr common.Address) *Client {
	return &Client{
		cb:          cb,
		custody:     bind.NewBoundContract(custodyAddr, custodyABI, cb.backend, cb.backend, cb.backend),
		token:       bind.NewBoundContract(tokenAddr, tokenABI, cb.backend, cb.backend, cb.backend),
		custodyAddr: custodyAddr,
		tokenAddr:   tokenAddr,
	}
}

func (c *Client) native() bool {
	return c.tokenAddr == (common.Address{})
}

// DepositAndCreate approves the deposit if needed and opens the channel with the dual-signed
// initial state.
func (c *Client) DepositAndCreate(ctx context.Context, cfg wire.ChannelConfig, initial *wire.State, deposit *big.Int, holderSig, coordinatorSig []byte) error {
	var value *big.Int
	if c.native() {
		value = deposit
	} else if deposit.Sign() > 0 {
		if err := c.ensureAllowance(ctx, deposit); err != nil {
			return err
		}
	}
	_, err := c.cb.InvokeSignedTx(ctx, c.custody, value, "depositAndCreate",
		c.tokenAddr, deposit, makeChannel(cfg), makeState(initial, holderSig, coordinatorSig))
	return err
}

// Close settles the channel with the dual-signed final state.
func (c *Client) Close(ctx context.Context, id common.Hash, final *wire.State, holderSig, coordinatorSig []byte) error {
	_, err := c.cb.InvokeSignedTx(ctx, c.custody, nil, "close",
		[32]byte(id), makeState(final, holderSig, coordinatorSig), []abiState{})
	return err
}

// TokenBalance returns the on-chain token balance of owner.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if c.native() {
		return c.cb.backend.BalanceAt(ctx, owner, nil)
	}
	return c.uint256(ctx, "balanceOf", owner)
}

func (c *Client) ensureAllowance(ctx context.Context, amount *big.Int) error {
	allowance, err := c.uint256(ctx, "allowance", c.cb.tr.Address(), c.custodyAddr)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	_, err = c.cb.InvokeSignedTx(ctx, c.token, nil, "approve", c.custodyAddr, amount)
	return errors.WithMessage(err, "approving deposit")
}

func (c *Client) uint256(ctx context.Context, fname string, args ...interface{}) (*big.Int, error) {
	out, err := c.cb.InvokeUnsignedTx(ctx, c.token, fname, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, errors.Errorf("%s returned %d values", fname, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s returned %T", fname, out[0])
	}
	return v, nil
}
