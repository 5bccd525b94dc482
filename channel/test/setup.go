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

// Package test provides a scripted coordinator and custody contract for channel tests.
package test

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/rpc"
	rpctest "perun.network/perun-clearnode-client/rpc/test"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

const ChallengeDuration = 3600

// Coordinator plays the channel side of a clearnode. It signs every state it hands out with its
// own key.
type Coordinator struct {
	Account     *wallet.Account
	Holder      common.Address
	Token       common.Address
	Adjudicator common.Address
	ChainID     *big.Int

	// Tamper, if set, modifies a state before it is signed.
	Tamper func(method string, st *wire.State)
	// SignWith, if set, signs states instead of Account.
	SignWith *wallet.Account
	// Intercept, if set, runs before each request is handled. A returned error is the reply.
	Intercept func(method string) error

	mu       sync.Mutex
	nonce    uint64
	channels map[common.Hash]*wire.State
	ledger   map[string]string
}

// NewCoordinator creates a coordinator with a random key and adjudicator.
func NewCoordinator(rng *rand.Rand, holder, token common.Address, chainID *big.Int) *Coordinator {
	acc, err := wallet.NewRandomAccount(rng)
	if err != nil {
		panic(err)
	}
	var adj common.Address
	rng.Read(adj[:])
	return &Coordinator{
		Account:     acc,
		Holder:      holder,
		Token:       token,
		Adjudicator: adj,
		ChainID:     chainID,
		nonce:       rng.Uint64() >> 1,
		channels:    make(map[common.Hash]*wire.State),
		ledger:      make(map[string]string),
	}
}

// Install registers the channel handlers on n.
func (c *Coordinator) Install(n *rpctest.Node) {
	n.Handle(wire.MethodCreateChannel, c.intercepted(c.create))
	n.Handle(wire.MethodResizeChannel, c.intercepted(c.resize))
	n.Handle(wire.MethodCloseChannel, c.intercepted(c.close))
	n.Handle(wire.MethodGetLedgerBalances, c.intercepted(c.ledgerBalances))
}

func (c *Coordinator) intercepted(h rpctest.Handler) rpctest.Handler {
	return func(req rpctest.Request) (interface{}, error) {
		c.mu.Lock()
		intercept := c.Intercept
		c.mu.Unlock()
		if intercept != nil {
			if err := intercept(req.Method); err != nil {
				return nil, err
			}
		}
		return h(req)
	}
}

// SetLedgerBalance sets the unified balance reported for asset, in decimal units.
func (c *Coordinator) SetLedgerBalance(asset, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger[asset] = amount
}

// State returns the latest state the coordinator issued for id.
func (c *Coordinator) State(id common.Hash) (*wire.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (c *Coordinator) create(req rpctest.Request) (interface{}, error) {
	var p wire.CreateChannelParams
	if err := rpctest.Params(req, &p); err != nil {
		return nil, err
	}
	if p.ChainID != c.ChainID.Uint64() || common.HexToAddress(p.Token) != c.Token {
		return nil, errors.New("unsupported chain or token")
	}

	c.mu.Lock()
	c.nonce++
	cfg := wire.ChannelConfig{
		Participants: []common.Address{c.Holder, c.Account.Address()},
		Adjudicator:  c.Adjudicator,
		Challenge:    ChallengeDuration,
		Nonce:        c.nonce,
	}
	c.mu.Unlock()
	id, err := wire.ChannelID(cfg, c.ChainID)
	if err != nil {
		return nil, err
	}
	st := &wire.State{
		ChannelID: id,
		Intent:    wire.IntentInitialize,
		Version:   new(big.Int),
		Allocations: []wire.Allocation{
			{Destination: c.Holder, Token: c.Token, Amount: new(big.Int).Set(p.Amount.Int())},
			{Destination: c.Account.Address(), Token: c.Token, Amount: new(big.Int)},
		},
	}
	sig, err := c.issue(req.Method, st)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(cfg.Participants))
	for i, a := range cfg.Participants {
		parts[i] = a.Hex()
	}
	return wire.CreateChannelResult{
		ChannelID: id.Hex(),
		Channel: wire.RPCChannel{
			Participants: parts,
			Adjudicator:  cfg.Adjudicator.Hex(),
			Challenge:    cfg.Challenge,
			Nonce:        cfg.Nonce,
		},
		State:           ToRPC(st),
		ServerSignature: hexutil.Encode(sig),
	}, nil
}

func (c *Coordinator) resize(req rpctest.Request) (interface{}, error) {
	var p wire.ResizeChannelParams
	if err := rpctest.Params(req, &p); err != nil {
		return nil, err
	}
	return c.next(req.Method, p.ChannelID, wire.IntentResize, func(st *wire.State) {
		for i := range st.Allocations {
			if st.Allocations[i].Destination == c.Holder {
				st.Allocations[i].Amount.Add(st.Allocations[i].Amount, p.ResizeAmount.Int())
			}
		}
	})
}

func (c *Coordinator) close(req rpctest.Request) (interface{}, error) {
	var p wire.CloseChannelParams
	if err := rpctest.Params(req, &p); err != nil {
		return nil, err
	}
	if common.HexToAddress(p.FundsDestination) != c.Holder {
		return nil, errors.New("funds destination is not the holder")
	}
	return c.next(req.Method, p.ChannelID, wire.IntentFinalize, func(*wire.State) {})
}

func (c *Coordinator) next(method, channelID string, intent wire.Intent, update func(*wire.State)) (interface{}, error) {
	id, err := wire.ParseChannelID(channelID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cur, ok := c.channels[id]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("channel %s not found", channelID)
	}
	st := cur.Clone()
	st.Intent = intent
	st.Version.Add(st.Version, big.NewInt(1))
	update(st)
	sig, err := c.issue(method, st)
	if err != nil {
		return nil, err
	}
	return wire.ChannelStateResult{
		ChannelID:       id.Hex(),
		State:           ToRPC(st),
		ServerSignature: hexutil.Encode(sig),
	}, nil
}

// issue records st as the channel's latest state and signs it.
func (c *Coordinator) issue(method string, st *wire.State) ([]byte, error) {
	c.mu.Lock()
	c.channels[st.ChannelID] = st.Clone()
	tamper, signer := c.Tamper, c.SignWith
	c.mu.Unlock()
	if tamper != nil {
		tamper(method, st)
	}
	if signer == nil {
		signer = c.Account
	}
	return channel.Backend.Sign(context.Background(), signer, st)
}

func (c *Coordinator) ledgerBalances(req rpctest.Request) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := wire.LedgerBalancesResult{LedgerBalances: []wire.LedgerBalance{}}
	for asset, amount := range c.ledger {
		res.LedgerBalances = append(res.LedgerBalances, wire.LedgerBalance{Asset: asset, Amount: amount})
	}
	return res, nil
}

// ToRPC converts a state to its wire representation.
func ToRPC(st *wire.State) wire.RPCState {
	allocs := make([]wire.RPCAllocation, len(st.Allocations))
	for i, a := range st.Allocations {
		allocs[i] = wire.RPCAllocation{
			Destination: a.Destination.Hex(),
			Token:       a.Token.Hex(),
			Amount:      wire.NewBigInt(a.Amount),
		}
	}
	var data string
	if len(st.Data) > 0 {
		data = hexutil.Encode(st.Data)
	}
	return wire.RPCState{
		Intent:      uint8(st.Intent),
		Version:     wire.NewBigInt(st.Version),
		StateData:   data,
		Allocations: allocs,
	}
}

// Deposit records a DepositAndCreate call.
type Deposit struct {
	Config  wire.ChannelConfig
	Initial *wire.State
	Amount  *big.Int
}

// Settlement records a Close call.
type Settlement struct {
	ID    common.Hash
	Final *wire.State
}

// Custody is an in-memory settlement contract. It checks both signatures like the real contract.
type Custody struct {
	DepositErr error
	CloseErr   error

	mu          sync.Mutex
	deposits    []Deposit
	settlements []Settlement
	calls       int32
}

var _ channel.Custody = (*Custody)(nil)

func (c *Custody) DepositAndCreate(_ context.Context, cfg wire.ChannelConfig, initial *wire.State, deposit *big.Int, holderSig, coordinatorSig []byte) error {
	atomic.AddInt32(&c.calls, 1)
	if c.DepositErr != nil {
		return c.DepositErr
	}
	if err := verifyBoth(cfg.Participants, initial, holderSig, coordinatorSig); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits = append(c.deposits, Deposit{Config: cfg, Initial: initial.Clone(), Amount: new(big.Int).Set(deposit)})
	return nil
}

func (c *Custody) Close(_ context.Context, id common.Hash, final *wire.State, holderSig, coordinatorSig []byte) error {
	atomic.AddInt32(&c.calls, 1)
	if c.CloseErr != nil {
		return c.CloseErr
	}
	c.mu.Lock()
	var cfg *wire.ChannelConfig
	for _, d := range c.deposits {
		if d.Initial.ChannelID == id {
			cfg = &d.Config
		}
	}
	c.mu.Unlock()
	if cfg == nil {
		return errors.Errorf("channel %s not found", id.Hex())
	}
	if err := verifyBoth(cfg.Participants, final, holderSig, coordinatorSig); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settlements = append(c.settlements, Settlement{ID: id, Final: final.Clone()})
	return nil
}

func (c *Custody) Deposits() []Deposit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Deposit(nil), c.deposits...)
}

func (c *Custody) Settlements() []Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Settlement(nil), c.settlements...)
}

// Calls returns the number of contract calls, failed ones included.
func (c *Custody) Calls() int {
	return int(atomic.LoadInt32(&c.calls))
}

func verifyBoth(parts []common.Address, st *wire.State, holderSig, coordinatorSig []byte) error {
	for i, sig := range [][]byte{holderSig, coordinatorSig} {
		ok, err := channel.Backend.Verify(parts[i], st, sig)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("invalid signature of participant %d", i)
		}
	}
	return nil
}

// Session waits for the connection of Client and marks it authenticated, counting calls.
type Session struct {
	Client *rpc.Client
	calls  int32
}

var _ channel.Session = (*Session)(nil)

func (s *Session) Authenticated() bool {
	return s.Client.Status() == rpc.StatusAuthenticated
}

func (s *Session) EnsureAuthenticated(ctx context.Context) error {
	atomic.AddInt32(&s.calls, 1)
	if _, err := s.Client.Await(ctx, rpc.Status.Online); err != nil {
		return err
	}
	s.Client.SetStatus(rpc.StatusAuthenticated)
	return nil
}

func (s *Session) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}
