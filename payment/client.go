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

// Package payment executes off-chain transfers from the open channel and keeps their history.
package payment

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/metrics"
	"perun.network/perun-clearnode-client/util"
	"perun.network/perun-clearnode-client/wire"
)

// Channels gives access to the open channel's spendable balance.
type Channels interface {
	Channel() (*channel.Channel, error)
	CheckSpendable(id string, amount *big.Int) error
	Debit(id string, amount *big.Int) error
}

var _ Channels = (*channel.Machine)(nil)

type Session interface {
	Authenticated() bool
}

type Config struct {
	Asset    string
	Decimals uint8
}

// Client sends transfers. Transfers are serialized so that the balance check and the debit of
// one transfer are not interleaved with another.
type Client struct {
	transport channel.Transport
	session   Session
	channels  Channels
	ledger    *Ledger
	bus       *event.Bus
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	log       log.Embedding

	mu sync.Mutex
}

func NewClient(t channel.Transport, session Session, channels Channels, ledger *Ledger, bus *event.Bus, m *metrics.Metrics, cfg Config) *Client {
	if ledger == nil {
		ledger = NewLedger()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Client{
		transport: t,
		session:   session,
		channels:  channels,
		ledger:    ledger,
		bus:       bus,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		log:       log.MakeEmbedding(log.Default()),
	}
}

func (c *Client) Ledger() *Ledger {
	return c.ledger
}

// Transfer pays amount base units to destination from the open channel. The amount is checked
// against the tracked balance before anything is sent; the balance only changes once the
// coordinator confirmed the transfer.
func (c *Client) Transfer(ctx context.Context, destination common.Address, amount *big.Int, label string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.transfer(ctx, destination, amount, label)
	if err != nil {
		c.metrics.Transfer(string(failure.CodeOf(err)))
		c.log.Log().Warnf("Transfer of %s to %s failed: %v", amount, destination.Hex(), err)
		return nil, err
	}
	c.metrics.Transfer("success")
	return rec, nil
}

func (c *Client) transfer(ctx context.Context, destination common.Address, amount *big.Int, label string) (*Record, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, failure.New(failure.TransferFailed, "transfer amount must be positive").Fatal()
	}
	if !c.session.Authenticated() {
		return nil, failure.New(failure.SessionExpired, "no authenticated session")
	}
	ch, err := c.channels.Channel()
	if err != nil {
		return nil, err
	}
	if err := c.channels.CheckSpendable(ch.ID, amount); err != nil {
		return nil, err
	}

	params := wire.TransferParams{
		Destination: destination.Hex(),
		Allocations: []wire.TransferAllocation{{
			Asset:  c.cfg.Asset,
			Amount: util.FormatUnits(amount, c.cfg.Decimals),
		}},
	}
	raw, err := c.transport.Send(ctx, wire.MethodTransfer, params, true)
	if err != nil {
		return nil, failure.Wrap(err, failure.TransferFailed, "transfer rejected")
	}
	var res wire.TransferResult
	if err := wire.Decode(wire.MethodTransfer, raw, &res); err != nil {
		return nil, failure.Wrap(err, failure.TransferFailed, "transfer result")
	}

	if err := c.channels.Debit(ch.ID, amount); err != nil {
		// The coordinator already moved the funds; keep the record and report the drift.
		c.log.Log().Errorf("Transfer confirmed but local balance not updated: %v", err)
	}

	tx := res.Transactions[0]
	rec := Record{
		ID:        util.NewID(),
		TxID:      tx.ID,
		ChannelID: ch.ID,
		From:      ch.Holder.Hex(),
		To:        destination.Hex(),
		Asset:     c.cfg.Asset,
		Amount:    new(big.Int).Set(amount),
		Label:     label,
		At:        c.now(),
	}
	c.ledger.Append(rec)
	c.bus.Emit(&event.PaymentOccurred{
		RecordID: rec.ID,
		TxID:     rec.TxID,
		From:     rec.From,
		To:       rec.To,
		Asset:    rec.Asset,
		Amount:   new(big.Int).Set(amount),
		At:       rec.At,
	})
	c.log.Log().Infof("Paid %s", rec)
	return &rec, nil
}

// Incoming records a transfer the coordinator reported to the holder.
func (c *Client) Incoming(tx wire.Transaction) (*Record, error) {
	amount, err := util.ParseUnits(tx.Amount, c.cfg.Decimals)
	if err != nil {
		return nil, failure.Wrap(err, failure.InvalidResponse, "incoming transfer amount")
	}
	if !strings.EqualFold(tx.Asset, c.cfg.Asset) {
		c.log.Log().Debugf("Incoming transfer in %s, tracking %s", tx.Asset, c.cfg.Asset)
	}
	rec := Record{
		ID:       util.NewID(),
		TxID:     tx.ID,
		From:     tx.FromAccount,
		To:       tx.ToAccount,
		Asset:    tx.Asset,
		Amount:   amount,
		Incoming: true,
		At:       c.now(),
	}
	if at, err := time.Parse(time.RFC3339, tx.CreatedAt); err == nil {
		rec.At = at
	}
	c.ledger.Append(rec)
	c.bus.Emit(&event.PaymentOccurred{
		RecordID: rec.ID,
		TxID:     rec.TxID,
		From:     rec.From,
		To:       rec.To,
		Asset:    rec.Asset,
		Amount:   new(big.Int).Set(amount),
		Incoming: true,
		At:       rec.At,
	})
	return &rec, nil
}
