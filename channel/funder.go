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
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/util"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

// Funder opens and funds channels.
type Funder struct {
	transport Transport
	custody   Custody
	holder    wallet.Signer
	keys      *wallet.KeyManager
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string
	log       log.Embedding
}

// NewFunder returns a Funder. custody may be nil if only unified mode is used.
func NewFunder(t Transport, custody Custody, holder wallet.Signer, keys *wallet.KeyManager, cfg Config) *Funder {
	if cfg.IndexerDelay <= 0 {
		cfg.IndexerDelay = DefaultIndexerDelay
	}
	return &Funder{
		transport: t,
		custody:   custody,
		holder:    holder,
		keys:      keys,
		cfg:       cfg,
		sleep:     sleepCtx,
		newID:     util.NewID,
		log:       log.MakeEmbedding(log.Default()),
	}
}

// SetSleep replaces the wait used for the indexer delay.
func (f *Funder) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	f.sleep = sleep
}

// Fund opens a channel in the given mode with a spendable budget of amount base units.
func (f *Funder) Fund(ctx context.Context, mode Mode, amount *big.Int) (*Channel, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, failure.New(failure.ChannelCreationFailed, "channel budget must be positive").Fatal()
	}
	if mode != ModeUnified && f.custody == nil {
		return nil, failure.Newf(failure.ChannelCreationFailed, "%s mode needs a custody contract", mode).Fatal()
	}
	f.log.Log().Debugf("Funding %s channel with %s", mode, amount)

	switch mode {
	case ModeDirect:
		return f.fundDirect(ctx, amount)
	case ModeUnified:
		return f.fundUnified(ctx, amount)
	case ModeResize:
		return f.fundResize(ctx, amount)
	}
	return nil, failure.Newf(failure.ChannelCreationFailed, "unknown funding mode %q", mode).Fatal()
}

func (f *Funder) fundDirect(ctx context.Context, amount *big.Int) (*Channel, error) {
	ch, coordSig, err := f.create(ctx, amount)
	if err != nil {
		return nil, err
	}
	if err := f.deposit(ctx, ch, amount, coordSig); err != nil {
		return nil, err
	}
	ch.Balance = new(big.Int).Set(amount)
	return ch, nil
}

// fundResize opens an empty channel while depositing amount and then has the coordinator move
// the deposit into the channel. The indexer gives no completion signal, hence the flat delay.
func (f *Funder) fundResize(ctx context.Context, amount *big.Int) (*Channel, error) {
	ch, coordSig, err := f.create(ctx, new(big.Int))
	if err != nil {
		return nil, err
	}
	ch.Mode = ModeResize
	if err := f.deposit(ctx, ch, amount, coordSig); err != nil {
		return nil, err
	}

	f.log.Log().Debugf("Waiting %s for the indexer to observe channel %s", f.cfg.IndexerDelay, ch.ID)
	if err := f.sleep(ctx, f.cfg.IndexerDelay); err != nil {
		return nil, failure.Wrap(err, failure.ChannelCreationFailed, "waiting for indexer")
	}

	params := wire.ResizeChannelParams{
		ChannelID:        ch.ID,
		AllocateAmount:   wire.NewBigInt(new(big.Int)),
		ResizeAmount:     wire.NewBigInt(amount),
		FundsDestination: ch.Holder.Hex(),
	}
	raw, err := f.transport.Send(ctx, wire.MethodResizeChannel, params, true)
	if err != nil {
		return nil, keepCode(err, failure.ChannelCreationFailed, "resize_channel")
	}
	var res wire.ChannelStateResult
	if err := wire.Decode(wire.MethodResizeChannel, raw, &res); err != nil {
		return nil, err
	}
	next, _, err := acceptNext(ch, &res, wire.IntentResize)
	if err != nil {
		return nil, err
	}
	want := new(big.Int).Add(ch.State.AmountFor(ch.Holder), amount)
	if got := next.AmountFor(ch.Holder); got.Cmp(want) != 0 {
		return nil, failure.Newf(failure.InvalidResponse, "resize allocates %s to holder, expected %s", got, want).Fatal()
	}
	ch.State = next
	ch.Balance = new(big.Int).Set(amount)
	return ch, nil
}

func (f *Funder) fundUnified(ctx context.Context, amount *big.Int) (*Channel, error) {
	have, err := f.LedgerBalance(ctx, f.cfg.Asset)
	if err != nil {
		return nil, keepCode(err, failure.ChannelCreationFailed, "querying ledger balance")
	}
	if have.Cmp(amount) < 0 {
		return nil, failure.Insufficient(have, amount)
	}
	return &Channel{
		ID:      f.newID(),
		Mode:    ModeUnified,
		Holder:  f.holder.Address(),
		Token:   f.cfg.Token,
		Balance: new(big.Int).Set(amount),
	}, nil
}

// LedgerBalance returns the holder's unified off-chain balance of asset in base units. A missing
// entry counts as zero.
func (f *Funder) LedgerBalance(ctx context.Context, asset string) (*big.Int, error) {
	params := wire.LedgerBalancesParams{AccountID: f.holder.Address().Hex()}
	raw, err := f.transport.Send(ctx, wire.MethodGetLedgerBalances, params, true)
	if err != nil {
		return nil, err
	}
	var res wire.LedgerBalancesResult
	if err := wire.Decode(wire.MethodGetLedgerBalances, raw, &res); err != nil {
		return nil, err
	}
	for _, b := range res.LedgerBalances {
		if !strings.EqualFold(b.Asset, asset) {
			continue
		}
		v, err := util.ParseUnits(b.Amount, f.cfg.Decimals)
		if err != nil {
			return nil, failure.Wrap(err, failure.InvalidResponse, "ledger balance").Fatal()
		}
		return v, nil
	}
	return new(big.Int), nil
}

// create negotiates the channel parameters and initial state. It returns the coordinator's
// signature over the initial state.
func (f *Funder) create(ctx context.Context, amount *big.Int) (*Channel, []byte, error) {
	sk, ok := f.keys.Current()
	if !ok {
		return nil, nil, failure.New(failure.SessionExpired, "no valid session key")
	}
	params := wire.CreateChannelParams{
		ChainID:    f.cfg.ChainID.Uint64(),
		Token:      f.cfg.Token.Hex(),
		Amount:     wire.NewBigInt(amount),
		SessionKey: sk.Address.Hex(),
	}
	raw, err := f.transport.Send(ctx, wire.MethodCreateChannel, params, true)
	if err != nil {
		return nil, nil, keepCode(err, failure.ChannelCreationFailed, "create_channel")
	}
	var res wire.CreateChannelResult
	if err := wire.Decode(wire.MethodCreateChannel, raw, &res); err != nil {
		return nil, nil, err
	}

	cfg := res.Channel.Config()
	id, err := Backend.CalcID(cfg, f.cfg.ChainID)
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.InvalidResponse, "computing channel id").Fatal()
	}
	if claimed, _ := wire.ParseChannelID(res.ChannelID); claimed != id {
		return nil, nil, failure.Newf(failure.InvalidResponse, "channel id %s does not match parameters (%s)", res.ChannelID, id.Hex()).Fatal()
	}
	if f.cfg.Adjudicator != (common.Address{}) && cfg.Adjudicator != f.cfg.Adjudicator {
		return nil, nil, failure.Newf(failure.InvalidResponse, "unexpected adjudicator %s", cfg.Adjudicator.Hex()).Fatal()
	}
	holder := f.holder.Address()
	if cfg.Participants[0] != holder {
		return nil, nil, failure.Newf(failure.InvalidResponse, "channel participant %s is not the holder", cfg.Participants[0].Hex()).Fatal()
	}

	state, err := res.State.ToState(id)
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.InvalidResponse, "initial state").Fatal()
	}
	if state.Intent != wire.IntentInitialize {
		return nil, nil, failure.Newf(failure.InvalidResponse, "initial state has intent %s", state.Intent).Fatal()
	}
	if got := state.AmountFor(holder); got.Cmp(amount) != 0 {
		return nil, nil, failure.Newf(failure.InvalidResponse, "initial state allocates %s to holder, requested %s", got, amount).Fatal()
	}
	ch := &Channel{
		ID:          id.Hex(),
		Mode:        ModeDirect,
		Config:      cfg,
		Holder:      holder,
		Coordinator: cfg.Participants[1],
		Token:       f.cfg.Token,
		State:       state,
		Balance:     new(big.Int),
	}
	if err := checkTokens(ch, state); err != nil {
		return nil, nil, err
	}
	coordSig, err := hexutil.Decode(res.ServerSignature)
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.InvalidResponse, "server signature").Fatal()
	}
	if err := verifyCoordinator(ch, state, coordSig); err != nil {
		return nil, nil, err
	}
	return ch, coordSig, nil
}

// deposit countersigns the initial state and submits it to the custody contract. It returns once
// the transaction is confirmed.
func (f *Funder) deposit(ctx context.Context, ch *Channel, amount *big.Int, coordSig []byte) error {
	holderSig, err := Backend.Sign(ctx, f.holder, ch.State)
	if err != nil {
		return failure.Wrap(err, failure.ChannelCreationFailed, "signing initial state")
	}
	if err := f.custody.DepositAndCreate(ctx, ch.Config, ch.State, amount, holderSig, coordSig); err != nil {
		return failure.Wrap(err, failure.ChannelCreationFailed, "deposit-and-create")
	}
	f.log.Log().Infof("Channel %s created on-chain", ch.ID)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
