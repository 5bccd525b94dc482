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

package payment

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/util"
)

// Leg is one payment of a multi-leg payment.
type Leg struct {
	Destination common.Address
	Amount      *big.Int
	Label       string
}

type LegStatus string

const (
	LegSuccess LegStatus = "success"
	LegFailed  LegStatus = "failed"
	LegSkipped LegStatus = "skipped"
)

// LegResult is the outcome of one leg. Reason is InsufficientBalance, TransferFailed or
// NetworkError for failed legs.
type LegResult struct {
	Leg    Leg
	Fee    bool
	Status LegStatus
	Record *Record
	Reason failure.Code
	Err    error
}

// Result is the outcome of a multi-leg payment. The fee leg comes last.
type Result struct {
	Legs []LegResult
}

func (r *Result) AllSuccessful() bool {
	for _, l := range r.Legs {
		if l.Status != LegSuccess {
			return false
		}
	}
	return true
}

// TotalPaid sums the amounts of successful legs.
func (r *Result) TotalPaid() *big.Int {
	sum := new(big.Int)
	for _, l := range r.Legs {
		if l.Status == LegSuccess {
			sum.Add(sum, l.Leg.Amount)
		}
	}
	return sum
}

func (r *Result) StoppedEarly() bool {
	for _, l := range r.Legs {
		if l.Status == LegFailed {
			return true
		}
	}
	return false
}

// Failed returns the failed leg, if any.
func (r *Result) Failed() (LegResult, bool) {
	for _, l := range r.Legs {
		if l.Status == LegFailed {
			return l, true
		}
	}
	return LegResult{}, false
}

// Transferer executes a single transfer.
type Transferer interface {
	Transfer(ctx context.Context, destination common.Address, amount *big.Int, label string) (*Record, error)
}

var _ Transferer = (*Client)(nil)

// RollbackIntent records that a completed leg has to be reversed by its recipient. There is no
// protocol-level rollback; the intent is a compensating step to be carried out manually.
type RollbackIntent struct {
	ID        string
	Leg       Leg
	RecordID  string
	Reason    string
	CreatedAt time.Time
}

// Executor runs multi-leg payments strictly one leg after the other.
type Executor struct {
	transferer Transferer
	now        func() time.Time
	log        log.Embedding

	mu      sync.Mutex
	intents []RollbackIntent
}

func NewExecutor(t Transferer) *Executor {
	return &Executor{
		transferer: t,
		now:        time.Now,
		log:        log.MakeEmbedding(log.Default()),
	}
}

// Execute pays legs in order and the fee leg last. fee may be nil. Execution stops at the first
// failing leg; all later legs, the fee leg included, are skipped.
func (e *Executor) Execute(ctx context.Context, legs []Leg, fee *Leg) *Result {
	res := &Result{Legs: make([]LegResult, 0, len(legs)+1)}
	for _, l := range legs {
		res.Legs = append(res.Legs, LegResult{Leg: l, Status: LegSkipped})
	}
	if fee != nil {
		res.Legs = append(res.Legs, LegResult{Leg: *fee, Fee: true, Status: LegSkipped})
	}

	for i := range res.Legs {
		lr := &res.Legs[i]
		rec, err := e.transferer.Transfer(ctx, lr.Leg.Destination, lr.Leg.Amount, lr.Leg.Label)
		if err != nil {
			lr.Status = LegFailed
			lr.Err = err
			lr.Reason = Classify(err)
			e.log.Log().Warnf("Leg %d (%s) failed with %s, skipping %d remaining leg(s)", i, lr.Leg.Label, lr.Reason, len(res.Legs)-i-1)
			break
		}
		lr.Status = LegSuccess
		lr.Record = rec
	}
	return res
}

// Rollback records a rollback intent for every successful leg of res and returns them.
func (e *Executor) Rollback(res *Result, reason string) []RollbackIntent {
	var out []RollbackIntent
	for _, l := range res.Legs {
		if l.Status != LegSuccess {
			continue
		}
		intent := RollbackIntent{
			ID:        util.NewID(),
			Leg:       l.Leg,
			Reason:    reason,
			CreatedAt: e.now(),
		}
		if l.Record != nil {
			intent.RecordID = l.Record.ID
		}
		e.log.Log().Warnf("Compensation required: %s must return %s (%s), intent %s: %s",
			l.Leg.Destination.Hex(), l.Leg.Amount, l.Leg.Label, intent.ID, reason)
		out = append(out, intent)
	}
	e.mu.Lock()
	e.intents = append(e.intents, out...)
	e.mu.Unlock()
	return out
}

// Intents returns all recorded rollback intents.
func (e *Executor) Intents() []RollbackIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RollbackIntent(nil), e.intents...)
}

// Classify maps a transfer error to InsufficientBalance, NetworkError or TransferFailed.
func Classify(err error) failure.Code {
	for e := err; e != nil; e = errors.Unwrap(e) {
		fe, ok := e.(*failure.Error)
		if !ok {
			continue
		}
		switch fe.Code {
		case failure.InsufficientBalance:
			return failure.InsufficientBalance
		case failure.ConnectionLost, failure.ConnectionFailed, failure.RPCTimeout, failure.NetworkError:
			return failure.NetworkError
		}
	}
	return failure.TransferFailed
}
