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

package engine_test

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-clearnode-client/auth"
	"perun.network/perun-clearnode-client/channel"
	ctest "perun.network/perun-clearnode-client/channel/test"
	"perun.network/perun-clearnode-client/engine"
	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/payment"
	"perun.network/perun-clearnode-client/rpc"
	rpctest "perun.network/perun-clearnode-client/rpc/test"
	"perun.network/perun-clearnode-client/store"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

var merchant = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// clearnode serves authentication, channels and transfers on a scripted node.
type clearnode struct {
	node  *rpctest.Node
	coord *ctest.Coordinator

	mu      sync.Mutex
	request wire.AuthRequestParams
	txID    uint64
	// stallResumes leaves token re-authentications unanswered while set.
	stallResumes int32
}

func newClearnode(coord *ctest.Coordinator) *clearnode {
	c := &clearnode{node: rpctest.NewNode(), coord: coord}
	coord.Install(c.node)
	c.node.Handle(wire.MethodAuthRequest, func(req rpctest.Request) (interface{}, error) {
		var p wire.AuthRequestParams
		if err := rpctest.Params(req, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.request = p
		c.mu.Unlock()
		return wire.AuthRequestResult{ChallengeMessage: "challenge"}, nil
	})
	c.node.Handle(wire.MethodAuthVerify, func(req rpctest.Request) (interface{}, error) {
		var p wire.AuthVerifyParams
		if err := rpctest.Params(req, &p); err != nil {
			return nil, err
		}
		if p.JWT != "" {
			if atomic.LoadInt32(&c.stallResumes) == 1 {
				return nil, rpctest.ErrNoReply
			}
			return c.node.ResumeSession(req)
		}
		if len(req.Sigs) != 1 {
			return nil, errors.New("missing signature")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return wire.AuthVerifyResult{
			Address:    c.request.Address,
			SessionKey: c.request.SessionKey,
			JWTToken:   rpctest.IssueToken(common.HexToAddress(c.request.Address), common.HexToAddress(c.request.SessionKey)),
			Success:    true,
		}, nil
	})
	c.node.Handle(wire.MethodTransfer, func(req rpctest.Request) (interface{}, error) {
		var p wire.TransferParams
		if err := rpctest.Params(req, &p); err != nil {
			return nil, err
		}
		return wire.TransferResult{Transactions: []wire.Transaction{{
			ID:          atomic.AddUint64(&c.txID, 1),
			TxType:      "transfer",
			FromAccount: coord.Holder.Hex(),
			ToAccount:   p.Destination,
			Asset:       p.Allocations[0].Asset,
			Amount:      p.Allocations[0].Amount,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}}}, nil
	})
	return c
}

type setup struct {
	holder  *wallet.Account
	coord   *ctest.Coordinator
	custody *ctest.Custody
	store   *store.MemStore
	cfg     engine.Config

	cn     *clearnode
	engine *engine.Engine
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	rng := pkgtest.Prng(t)
	holder, err := wallet.NewRandomAccount(rng)
	require.NoError(t, err)
	var token common.Address
	rng.Read(token[:])
	chainID := big.NewInt(137)

	s := &setup{
		holder:  holder,
		coord:   ctest.NewCoordinator(rng, holder.Address(), token, chainID),
		custody: new(ctest.Custody),
		store:   store.NewMemStore(),
		cfg: engine.Config{
			RPC: rpc.Config{
				RequestTimeout:       time.Second,
				ReconnectDelays:      []time.Duration{10 * time.Millisecond},
				MaxReconnectAttempts: 3,
			},
			Auth: auth.Params{
				Application: "clearnode-client",
				Scope:       "app.transfer",
				Allowances:  []wire.Allowance{{Asset: "usdc", Amount: "100"}},
				Retries:     1,
			},
			SessionTTL: time.Hour,
			Channel: channel.Config{
				ChainID:  chainID,
				Token:    token,
				Asset:    "usdc",
				Decimals: 6,
			},
		},
	}
	s.coord.SetLedgerBalance("usdc", "5")
	s.cn, s.engine = s.start(t)
	return s
}

// start connects a new engine over a fresh clearnode connection sharing the coordinator and store.
func (s *setup) start(t *testing.T) (*clearnode, *engine.Engine) {
	t.Helper()
	cn := newClearnode(s.coord)
	e := engine.New(cn.node, s.holder, s.custody, s.store, nil, s.cfg)
	require.NoError(t, e.Connect(context.Background()))
	t.Cleanup(e.Disconnect)
	return cn, e
}

func (s *setup) login(t *testing.T) {
	t.Helper()
	_, err := s.engine.Authenticate(context.Background())
	require.NoError(t, err)
}

func (s *setup) snapshot(t *testing.T) *store.Snapshot {
	t.Helper()
	snap, err := s.store.Load()
	require.NoError(t, err)
	return snap
}

// requireTokenResumes checks that n token re-authentications reached node, each presenting token.
func requireTokenResumes(t *testing.T, node *rpctest.Node, token string, n int) {
	t.Helper()
	var resumes int
	for _, req := range node.Requests(wire.MethodAuthVerify) {
		var p wire.AuthVerifyParams
		require.NoError(t, rpctest.Params(req, &p))
		if p.JWT != "" {
			require.Equal(t, token, p.JWT)
			resumes++
		}
	}
	require.Equal(t, n, resumes)
}

func TestEngine_Authenticate(t *testing.T) {
	s := newSetup(t)
	s.login(t)

	st := s.engine.Status()
	require.Equal(t, rpc.StatusAuthenticated, st.Connection)
	require.Equal(t, auth.StateAuthenticated, st.Auth)
	require.True(t, st.Authenticated)
	require.Equal(t, channel.StatusNone, st.Channel)

	snap := s.snapshot(t)
	require.Equal(t, s.holder.Address(), snap.Address)
	require.NotEmpty(t, snap.SessionKey)
	s.cn.mu.Lock()
	sessionKey := common.HexToAddress(s.cn.request.SessionKey)
	s.cn.mu.Unlock()
	require.Equal(t, rpctest.IssueToken(s.holder.Address(), sessionKey), snap.Token)
	require.Nil(t, snap.Channel)
}

func TestEngine_OpenRequiresSession(t *testing.T) {
	s := newSetup(t)
	_, err := s.engine.Open(context.Background(), channel.ModeUnified, big.NewInt(1))
	require.True(t, failure.Is(err, failure.SessionExpired))
	require.Zero(t, s.cn.node.Calls(wire.MethodGetLedgerBalances))
}

func TestEngine_TransferAndPayMany(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	ctx := context.Background()

	ledger, err := s.engine.LedgerBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, "5000000", ledger.String())

	_, err = s.engine.Open(ctx, channel.ModeUnified, big.NewInt(2_000_000))
	require.NoError(t, err)
	require.Equal(t, "2000000", s.snapshot(t).Channel.Balance.String())

	_, err = s.engine.Transfer(ctx, merchant, big.NewInt(500_000), "coffee")
	require.NoError(t, err)
	bal, err := s.engine.QueryBalance()
	require.NoError(t, err)
	require.Equal(t, "1500000", bal.String())
	require.Equal(t, "1500000", s.snapshot(t).Channel.Balance.String())

	fee := payment.Leg{Destination: merchant, Amount: big.NewInt(10_000), Label: "fee"}
	res := s.engine.PayMany(ctx, []payment.Leg{
		{Destination: merchant, Amount: big.NewInt(300_000), Label: "a"},
		{Destination: merchant, Amount: big.NewInt(2_000_000), Label: "b"},
	}, &fee)
	require.True(t, res.StoppedEarly())
	require.Equal(t, "300000", res.TotalPaid().String())
	require.Equal(t, "1200000", s.snapshot(t).Channel.Balance.String())

	intents := s.engine.Rollback(res, "task failed")
	require.Len(t, intents, 1)
	require.Equal(t, intents, s.engine.RollbackIntents())
	require.Len(t, s.engine.History(), 2)
}

func TestEngine_CloseThenReopen(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	ctx := context.Background()

	_, err := s.engine.Open(ctx, channel.ModeDirect, big.NewInt(1000))
	require.NoError(t, err)
	require.NotNil(t, s.snapshot(t).Channel)

	payout, err := s.engine.Close(ctx)
	require.NoError(t, err)
	require.Equal(t, "1000", payout.String())
	require.Len(t, s.custody.Settlements(), 1)
	require.Equal(t, channel.StatusClosed, s.engine.Status().Channel)

	_, err = s.store.Load()
	require.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.engine.QueryBalance()
	require.True(t, failure.Is(err, failure.ChannelNotFound))

	ch, err := s.engine.Open(ctx, channel.ModeDirect, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, "500", ch.Balance.String())
	require.Len(t, s.custody.Deposits(), 2)
}

func TestEngine_Resume(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	ctx := context.Background()
	_, err := s.engine.Open(ctx, channel.ModeUnified, big.NewInt(1_000_000))
	require.NoError(t, err)
	_, err = s.engine.Transfer(ctx, merchant, big.NewInt(250_000), "")
	require.NoError(t, err)
	id := s.snapshot(t).Channel.ID

	cn, restarted := s.start(t)
	ok, err := restarted.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, cn.node.Calls(wire.MethodAuthRequest), "no new handshake")
	requireTokenResumes(t, cn.node, s.snapshot(t).Token, 1)

	st := restarted.Status()
	require.Equal(t, rpc.StatusAuthenticated, st.Connection)
	require.True(t, st.Authenticated)
	require.Equal(t, channel.StatusActive, st.Channel)
	ch, err := restarted.Channel()
	require.NoError(t, err)
	require.Equal(t, id, ch.ID)
	require.Equal(t, "750000", ch.Balance.String())

	_, err = restarted.Transfer(ctx, merchant, big.NewInt(50_000), "")
	require.NoError(t, err)
	require.Equal(t, 1, cn.node.Calls(wire.MethodTransfer))

	ok, err = restarted.Resume(ctx)
	require.NoError(t, err)
	require.False(t, ok, "the snapshot is only read once")
}

func TestEngine_ResumeExpiredSession(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	_, err := s.engine.Open(context.Background(), channel.ModeUnified, big.NewInt(1_000_000))
	require.NoError(t, err)

	_, restarted := s.start(t)
	later := time.Now().Add(2 * time.Hour)
	restarted.SetClock(func() time.Time { return later })
	ok, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	st := restarted.Status()
	require.False(t, st.Authenticated)
	require.Equal(t, channel.StatusActive, st.Channel, "the channel survives an expired session")
	snap := s.snapshot(t)
	require.Empty(t, snap.Token)
	require.Empty(t, snap.SessionKey)
	require.Equal(t, "1000000", snap.Channel.Balance.String())

	_, err = restarted.Transfer(context.Background(), merchant, big.NewInt(1), "")
	require.True(t, failure.Is(err, failure.SessionExpired))
}

func TestEngine_ResumeWithoutSnapshot(t *testing.T) {
	s := newSetup(t)
	ok, err := s.engine.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_Logout(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	_, err := s.engine.Open(context.Background(), channel.ModeUnified, big.NewInt(1_000_000))
	require.NoError(t, err)

	require.NoError(t, s.engine.Logout())
	st := s.engine.Status()
	require.False(t, st.Authenticated)
	require.Equal(t, rpc.StatusConnected, st.Connection)
	snap := s.snapshot(t)
	require.Empty(t, snap.Token)
	require.NotNil(t, snap.Channel)

	_, err = s.engine.Transfer(context.Background(), merchant, big.NewInt(1), "")
	require.True(t, failure.Is(err, failure.SessionExpired))

	s2 := newSetup(t)
	s2.login(t)
	require.NoError(t, s2.engine.Logout())
	_, err = s2.store.Load()
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestEngine_EnsureAuthenticated(t *testing.T) {
	s := newSetup(t)
	require.NoError(t, s.engine.EnsureAuthenticated(context.Background()))
	require.Equal(t, 1, s.cn.node.Calls(wire.MethodAuthRequest))

	require.NoError(t, s.engine.EnsureAuthenticated(context.Background()))
	require.Equal(t, 1, s.cn.node.Calls(wire.MethodAuthRequest), "an accepted session is kept")
}

func TestEngine_ReconnectResumesSession(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	_, err := s.engine.Open(context.Background(), channel.ModeUnified, big.NewInt(1_000_000))
	require.NoError(t, err)

	s.cn.node.Drop()
	require.Eventually(t, func() bool {
		return s.cn.node.Dials() == 2 && s.engine.Status().Connection == rpc.StatusAuthenticated
	}, 2*time.Second, 5*time.Millisecond)
	requireTokenResumes(t, s.cn.node, s.snapshot(t).Token, 1)
	require.Equal(t, 1, s.cn.node.Calls(wire.MethodAuthRequest))

	_, err = s.engine.Transfer(context.Background(), merchant, big.NewInt(1), "")
	require.NoError(t, err)
}

func TestEngine_ReconnectWithRevokedToken(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	token := s.snapshot(t).Token
	s.cn.node.Revoke(token)

	s.cn.node.Drop()
	require.Eventually(t, func() bool {
		st := s.engine.Status()
		return s.cn.node.Dials() == 2 && st.Connection == rpc.StatusConnected && !st.Authenticated
	}, 2*time.Second, 5*time.Millisecond)
	requireTokenResumes(t, s.cn.node, token, 1)

	require.NoError(t, s.engine.EnsureAuthenticated(context.Background()))
	require.Equal(t, 2, s.cn.node.Calls(wire.MethodAuthRequest), "a rejected token needs a new handshake")
	require.True(t, s.engine.Authenticated())
}

// A session that could not be confirmed because the clearnode did not answer is kept.
func TestEngine_UnansweredResumeKeepsSession(t *testing.T) {
	s := newSetup(t)
	s.login(t)
	token := s.snapshot(t).Token

	cn, restarted := s.start(t)
	atomic.StoreInt32(&cn.stallResumes, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, err := restarted.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, restarted.Authenticated())
	require.Equal(t, token, s.snapshot(t).Token)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = restarted.EnsureAuthenticated(ctx)
	require.True(t, failure.Is(err, failure.ConnectionLost), "got %v", err)
	require.Zero(t, cn.node.Calls(wire.MethodAuthRequest))
	require.True(t, restarted.Authenticated())

	atomic.StoreInt32(&cn.stallResumes, 0)
	require.NoError(t, restarted.EnsureAuthenticated(context.Background()))
	require.Zero(t, cn.node.Calls(wire.MethodAuthRequest), "no new handshake")
	require.Equal(t, rpc.StatusAuthenticated, restarted.Status().Connection)
}

func TestEngine_Push(t *testing.T) {
	s := newSetup(t)
	var (
		mu       sync.Mutex
		balances []*event.BalanceUpdated
		updates  []*event.ChannelUpdated
	)
	s.engine.Bus().Subscribe(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := e.(type) {
		case *event.BalanceUpdated:
			balances = append(balances, e)
		case *event.ChannelUpdated:
			updates = append(updates, e)
		}
	})

	require.NoError(t, s.cn.node.Push(wire.PushBalanceUpdate, wire.BalanceUpdate{
		BalanceUpdates: []wire.LedgerBalance{{Asset: "usdc", Amount: "1.25"}},
	}))
	require.NoError(t, s.cn.node.Push(wire.PushChannelUpdate, wire.ChannelUpdate{
		ChannelID: "0x01", Status: "open", Amount: wire.NewBigInt(big.NewInt(5)), Version: 3,
	}))
	require.NoError(t, s.cn.node.Push(wire.PushTransfer, wire.TransferResult{Transactions: []wire.Transaction{
		{ID: 7, TxType: "transfer", FromAccount: merchant.Hex(), ToAccount: s.holder.Address().Hex(),
			Asset: "usdc", Amount: "0.5", CreatedAt: "2025-03-01T12:00:00Z"},
		{ID: 8, TxType: "transfer", FromAccount: merchant.Hex(), ToAccount: merchant.Hex(),
			Asset: "usdc", Amount: "1"},
	}}))

	require.Eventually(t, func() bool { return len(s.engine.History()) == 1 }, time.Second, 5*time.Millisecond)
	rec := s.engine.History()[0]
	require.True(t, rec.Incoming)
	require.Equal(t, "500000", rec.Amount.String())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, balances, 1)
	require.Equal(t, event.SourceCoordinator, balances[0].Source)
	require.Equal(t, "1250000", balances[0].Balance.String())
	require.Len(t, updates, 1)
	require.Equal(t, uint64(3), updates[0].Version)
}
