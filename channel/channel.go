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
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/wire"
)

// Status is the lifecycle status of the channel.
type Status string

const (
	StatusNone     Status = "none"
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
	StatusError    Status = "error"
)

// Mode selects how a channel is funded.
type Mode string

const (
	// ModeDirect deposits the budget on-chain while creating the channel.
	ModeDirect Mode = "direct"
	// ModeUnified spends from the coordinator's off-chain ledger balance without a deposit.
	ModeUnified Mode = "unified"
	// ModeResize creates an empty channel on-chain and then resizes the deposit into it.
	ModeResize Mode = "resize"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDirect, ModeUnified, ModeResize:
		return m, nil
	}
	return "", errors.Errorf("unknown funding mode %q", s)
}

const DefaultIndexerDelay = 5 * time.Second

// Channel is the explicit state of the open channel. Values handed out by the Machine are copies.
type Channel struct {
	// ID is the coordinator-assigned channel id, or a local identifier in unified mode.
	ID          string
	Mode        Mode
	Config      wire.ChannelConfig
	Holder      common.Address
	Coordinator common.Address
	Token       common.Address
	// State is the latest state signed by both parties. It is nil in unified mode.
	State *wire.State
	// Balance is the locally tracked spendable amount in base units.
	Balance *big.Int
	Status  Status
}

// Version returns the version of the latest signed state.
func (c *Channel) Version() *big.Int {
	if c.State == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.State.Version)
}

// OnChain reports whether the channel is anchored on-chain.
func (c *Channel) OnChain() bool {
	return c.Mode != ModeUnified
}

// Hash returns the channel id as hash. Only valid for on-chain channels.
func (c *Channel) Hash() (common.Hash, error) {
	return wire.ParseChannelID(c.ID)
}

func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Config.Participants = append([]common.Address(nil), c.Config.Participants...)
	if c.State != nil {
		clone.State = c.State.Clone()
	}
	if c.Balance != nil {
		clone.Balance = new(big.Int).Set(c.Balance)
	}
	return &clone
}

// Custody is the on-chain settlement contract.
type Custody interface {
	// DepositAndCreate deposits amount and opens the channel with the dual-signed initial state.
	DepositAndCreate(ctx context.Context, cfg wire.ChannelConfig, initial *wire.State, deposit *big.Int, holderSig, coordinatorSig []byte) error
	// Close settles the channel with the dual-signed final state.
	Close(ctx context.Context, id common.Hash, final *wire.State, holderSig, coordinatorSig []byte) error
}

// Transport sends requests to the coordinator.
type Transport interface {
	Send(ctx context.Context, method string, params interface{}, requiresAuth bool) (json.RawMessage, error)
}

// Session re-establishes an authenticated session.
type Session interface {
	Authenticated() bool
	// EnsureAuthenticated waits for the connection and authenticates again if needed.
	EnsureAuthenticated(ctx context.Context) error
}

// Config holds the chain parameters of channels.
type Config struct {
	ChainID *big.Int
	Token   common.Address
	// Adjudicator, if set, is the only adjudicator accepted in coordinator channel parameters.
	Adjudicator  common.Address
	Asset        string
	Decimals     uint8
	IndexerDelay time.Duration
}

// keepCode returns err unchanged if it already carries a transport or session code and wraps it
// with code otherwise.
func keepCode(err error, code failure.Code, msg string) error {
	switch failure.CodeOf(err) {
	case failure.ConnectionLost, failure.ConnectionFailed, failure.RPCTimeout,
		failure.SessionExpired, failure.InvalidResponse, failure.InsufficientBalance:
		return err
	}
	return failure.Wrap(err, code, msg)
}
