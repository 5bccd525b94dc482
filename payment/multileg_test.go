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

package payment_test

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/payment"
	rpctest "perun.network/perun-clearnode-client/rpc/test"
	"perun.network/perun-clearnode-client/wire"
)

func leg(dest byte, amount int64, label string) payment.Leg {
	return payment.Leg{Destination: common.BytesToAddress([]byte{dest}), Amount: big.NewInt(amount), Label: label}
}

func TestExecute_AllLegs(t *testing.T) {
	s := newSetup(t, 100)
	exec := payment.NewExecutor(s.pay)
	fee := leg(0xfe, 5, "fee")

	res := exec.Execute(context.Background(), []payment.Leg{leg(1, 30, "a"), leg(2, 40, "b")}, &fee)
	require.True(t, res.AllSuccessful())
	require.False(t, res.StoppedEarly())
	require.Equal(t, "75", res.TotalPaid().String())
	require.Len(t, res.Legs, 3)
	require.True(t, res.Legs[2].Fee)
	require.Equal(t, "25", s.balance(t))
	require.Equal(t, 3, s.pay.Ledger().Len())
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	s := newSetup(t, 100)
	exec := payment.NewExecutor(s.pay)
	fee := leg(0xfe, 5, "fee")

	res := exec.Execute(context.Background(),
		[]payment.Leg{leg(1, 30, "a"), leg(2, 30, "b"), leg(3, 50, "c"), leg(4, 1, "d")}, &fee)

	statuses := make([]payment.LegStatus, len(res.Legs))
	for i, l := range res.Legs {
		statuses[i] = l.Status
	}
	require.Equal(t, []payment.LegStatus{
		payment.LegSuccess, payment.LegSuccess, payment.LegFailed, payment.LegSkipped, payment.LegSkipped,
	}, statuses)
	require.Equal(t, failure.InsufficientBalance, res.Legs[2].Reason)
	require.False(t, res.AllSuccessful())
	require.True(t, res.StoppedEarly())
	require.Equal(t, "60", res.TotalPaid().String())
	require.Equal(t, 2, s.node.Calls(wire.MethodTransfer), "the fee leg is never attempted after a failure")

	failed, ok := res.Failed()
	require.True(t, ok)
	require.Equal(t, "c", failed.Leg.Label)

	intents := exec.Rollback(res, "order cancelled")
	require.Len(t, intents, 2)
	require.NotEqual(t, intents[0].ID, intents[1].ID)
	require.Equal(t, res.Legs[0].Record.ID, intents[0].RecordID)
	require.Equal(t, "b", intents[1].Leg.Label)
	require.Equal(t, intents, exec.Intents())
	require.Equal(t, 2, s.node.Calls(wire.MethodTransfer), "rollback sends nothing")
}

func TestExecute_NetworkErrorClassified(t *testing.T) {
	s := newSetup(t, 100)
	var calls int32
	ok := s.transfer
	s.node.Handle(wire.MethodTransfer, func(req rpctest.Request) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			s.node.Drop()
			return nil, rpctest.ErrNoReply
		}
		return ok(req)
	})

	res := payment.NewExecutor(s.pay).Execute(context.Background(), []payment.Leg{leg(1, 10, "a"), leg(2, 10, "b"), leg(3, 10, "c")}, nil)
	require.Equal(t, payment.LegSuccess, res.Legs[0].Status)
	require.Equal(t, payment.LegFailed, res.Legs[1].Status)
	require.Equal(t, failure.NetworkError, res.Legs[1].Reason)
	require.True(t, failure.Is(res.Legs[1].Err, failure.TransferFailed))
	require.Equal(t, payment.LegSkipped, res.Legs[2].Status)
	require.Equal(t, "90", s.balance(t))
}

func TestClassify(t *testing.T) {
	require.Equal(t, failure.InsufficientBalance, payment.Classify(failure.Insufficient(big.NewInt(1), big.NewInt(2))))
	require.Equal(t, failure.NetworkError, payment.Classify(
		errors.WithMessage(failure.Wrap(failure.New(failure.RPCTimeout, "no response"), failure.TransferFailed, "transfer"), "leg")))
	require.Equal(t, failure.TransferFailed, payment.Classify(errors.New("boom")))
	require.Equal(t, failure.TransferFailed, payment.Classify(failure.New(failure.ChannelNotFound, "none")))
}

// budget is a Transferer over a plain balance that optionally fails one transfer.
type budget struct {
	balance *big.Int
	failAt  int
	calls   int
}

func (b *budget) Transfer(_ context.Context, dest common.Address, amount *big.Int, label string) (*payment.Record, error) {
	b.calls++
	if b.calls == b.failAt {
		return nil, failure.New(failure.TransferFailed, "rejected")
	}
	if b.balance.Cmp(amount) < 0 {
		return nil, failure.Insufficient(b.balance, amount)
	}
	b.balance.Sub(b.balance, amount)
	return &payment.Record{To: dest.Hex(), Amount: new(big.Int).Set(amount), Label: label}, nil
}

func TestExecute_Properties(t *testing.T) {
	rng := pkgtest.Prng(t)
	for round := 0; round < 200; round++ {
		start := rng.Int63n(1000)
		b := &budget{balance: big.NewInt(start), failAt: rng.Intn(8)}
		legs := make([]payment.Leg, rng.Intn(6))
		for i := range legs {
			legs[i] = leg(byte(i+1), rng.Int63n(300)+1, "")
		}
		var fee *payment.Leg
		if rng.Intn(2) == 0 {
			f := leg(0xfe, rng.Int63n(20)+1, "fee")
			fee = &f
		}

		res := payment.NewExecutor(b).Execute(context.Background(), legs, fee)

		n := len(legs)
		if fee != nil {
			n++
		}
		require.Len(t, res.Legs, n)
		// success* (failed skipped*)?
		phase := payment.LegSuccess
		failed := 0
		for _, l := range res.Legs {
			switch l.Status {
			case payment.LegSuccess:
				require.Equal(t, payment.LegSuccess, phase)
			case payment.LegFailed:
				require.Equal(t, payment.LegSuccess, phase)
				phase = payment.LegSkipped
				failed++
			case payment.LegSkipped:
				require.Equal(t, payment.LegSkipped, phase)
			}
		}
		require.LessOrEqual(t, failed, 1)
		require.Equal(t, failed == 1, res.StoppedEarly())
		require.Equal(t, failed == 0, res.AllSuccessful())
		require.Equal(t, new(big.Int).Sub(big.NewInt(start), b.balance).String(), res.TotalPaid().String())
		require.Equal(t, n-countStatus(res, payment.LegSkipped), b.calls)
		if l, ok := res.Failed(); ok && fee != nil && !l.Fee {
			require.Equal(t, payment.LegSkipped, res.Legs[n-1].Status)
		}
	}
}

func countStatus(res *payment.Result, s payment.LegStatus) int {
	c := 0
	for _, l := range res.Legs {
		if l.Status == s {
			c++
		}
	}
	return c
}
