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
	"sync"

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/metrics"
)

// Machine owns the single channel of a session and drives it through its lifecycle.
type Machine struct {
	funder  *Funder
	adj     *Adjudicator
	bus     *event.Bus
	metrics *metrics.Metrics
	asset   string
	log     log.Embedding

	mu     sync.Mutex
	ch     *Channel
	status Status
}

// NewMachine returns a machine without a channel.
func NewMachine(funder *Funder, adj *Adjudicator, bus *event.Bus, m *metrics.Metrics) *Machine {
	if bus == nil {
		bus = event.NewBus()
	}
	return &Machine{
		funder:  funder,
		adj:     adj,
		bus:     bus,
		metrics: m,
		asset:   funder.cfg.Asset,
		log:     log.MakeEmbedding(log.Default()),
		status:  StatusNone,
	}
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Channel returns a copy of the current channel.
func (m *Machine) Channel() (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return nil, failure.New(failure.ChannelNotFound, "no open channel").Fatal()
	}
	c := m.ch.Clone()
	c.Status = m.status
	return c, nil
}

// Balance returns the locally tracked spendable balance of the current channel.
func (m *Machine) Balance() (*big.Int, error) {
	ch, err := m.Channel()
	if err != nil {
		return nil, err
	}
	return ch.Balance, nil
}

// Open creates and funds a channel. Only one channel can exist at a time.
func (m *Machine) Open(ctx context.Context, mode Mode, amount *big.Int) (*Channel, error) {
	m.mu.Lock()
	switch m.status {
	case StatusCreating, StatusActive, StatusClosing:
		m.mu.Unlock()
		return nil, failure.Newf(failure.ChannelCreationFailed, "a channel is already %s", m.status).Fatal()
	case StatusError:
		m.log.Log().Warnf("Dropping channel in error state before opening a new one")
	}
	m.ch = nil
	from := m.swapStatusLocked(StatusCreating)
	m.mu.Unlock()
	m.emitStatus(from, StatusCreating)

	ch, err := m.funder.Fund(ctx, mode, amount)
	if err != nil {
		m.setStatus(StatusNone)
		return nil, err
	}

	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
	m.setStatus(StatusActive)
	m.balanceChanged(ch.ID, ch.Balance)
	m.log.Log().Infof("Opened %s channel %s with %s", ch.Mode, ch.ID, ch.Balance)
	return m.Channel()
}

// Close settles the channel and returns the amount paid out to the holder. For unified channels
// the remaining tracked balance is returned.
func (m *Machine) Close(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	if m.ch == nil {
		m.mu.Unlock()
		return nil, failure.New(failure.ChannelNotFound, "no open channel").Fatal()
	}
	if m.status != StatusActive {
		status := m.status
		m.mu.Unlock()
		return nil, failure.Newf(failure.CloseFailed, "channel is %s", status).Fatal()
	}
	ch := m.ch.Clone()
	from := m.swapStatusLocked(StatusClosing)
	m.mu.Unlock()
	m.emitStatus(from, StatusClosing)

	var payout *big.Int
	if ch.OnChain() {
		final, err := m.adj.Close(ctx, ch)
		if err != nil {
			if errors.Is(err, ErrSettlement) {
				m.setStatus(StatusError)
			} else {
				m.setStatus(StatusActive)
			}
			return nil, err
		}
		payout = final.AmountFor(ch.Holder)
		if payout.Cmp(ch.Balance) != 0 {
			m.log.Log().Warnf("Final allocation %s differs from tracked balance %s", payout, ch.Balance)
		}
	} else {
		payout = new(big.Int).Set(ch.Balance)
	}

	m.mu.Lock()
	m.ch = nil
	m.mu.Unlock()
	m.setStatus(StatusClosed)
	m.balanceChanged(ch.ID, new(big.Int))
	m.log.Log().Infof("Closed channel %s, payout %s", ch.ID, payout)
	return payout, nil
}

// Debit reduces the tracked balance of channel id after a successful transfer.
func (m *Machine) Debit(id string, amount *big.Int) error {
	m.mu.Lock()
	if err := m.checkSpendable(id, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	m.ch.Balance.Sub(m.ch.Balance, amount)
	balance := new(big.Int).Set(m.ch.Balance)
	m.mu.Unlock()

	m.balanceChanged(id, balance)
	return nil
}

// CheckSpendable verifies that amount can be transferred from channel id.
func (m *Machine) CheckSpendable(id string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkSpendable(id, amount)
}

func (m *Machine) checkSpendable(id string, amount *big.Int) error {
	if m.ch == nil {
		return failure.New(failure.ChannelNotFound, "no open channel").Fatal()
	}
	if m.status != StatusActive {
		return failure.Newf(failure.TransferFailed, "channel is %s", m.status)
	}
	if m.ch.ID != id {
		return failure.Newf(failure.TransferFailed, "channel %s is no longer open", id)
	}
	if m.ch.Balance.Cmp(amount) < 0 {
		return failure.Insufficient(m.ch.Balance, amount)
	}
	return nil
}

// Restore installs a channel recovered from a snapshot and marks it active.
func (m *Machine) Restore(ch *Channel) {
	c := ch.Clone()
	c.Status = StatusActive
	m.mu.Lock()
	m.ch = c
	m.mu.Unlock()
	m.setStatus(StatusActive)
	m.balanceChanged(c.ID, c.Balance)
}

// Forget drops the channel without settling it.
func (m *Machine) Forget() {
	m.mu.Lock()
	m.ch = nil
	m.mu.Unlock()
	m.setStatus(StatusNone)
}

func (m *Machine) setStatus(s Status) {
	m.mu.Lock()
	from := m.swapStatusLocked(s)
	m.mu.Unlock()
	m.emitStatus(from, s)
}

// swapStatusLocked sets the status and returns the previous one. m.mu must be held.
func (m *Machine) swapStatusLocked(s Status) Status {
	from := m.status
	m.status = s
	if m.ch != nil {
		m.ch.Status = s
	}
	return from
}

func (m *Machine) emitStatus(from, to Status) {
	if from != to {
		m.bus.Emit(&event.StatusChanged{Subject: event.SubjectChannel, From: string(from), To: string(to)})
	}
}

func (m *Machine) balanceChanged(id string, balance *big.Int) {
	m.metrics.Balance(balance)
	m.bus.Emit(&event.BalanceUpdated{
		Source:    event.SourceLocal,
		ChannelID: id,
		Asset:     m.asset,
		Balance:   new(big.Int).Set(balance),
	})
}
