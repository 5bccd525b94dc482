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

	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

// DefaultCloseResubmits is how often close_channel is resubmitted after the connection dropped.
const DefaultCloseResubmits = 2

// ErrSettlement marks failures of the on-chain close. The channel state is unknown afterwards.
var ErrSettlement = errors.New("settlement failed")

// Adjudicator negotiates the final state of a channel and settles it on-chain.
type Adjudicator struct {
	transport Transport
	session   Session
	custody   Custody
	holder    wallet.Signer
	resubmits int
	log       log.Embedding
}

// NewAdjudicator returns a new Adjudicator.
func NewAdjudicator(t Transport, session Session, custody Custody, holder wallet.Signer) *Adjudicator {
	return &Adjudicator{
		transport: t,
		session:   session,
		custody:   custody,
		holder:    holder,
		resubmits: DefaultCloseResubmits,
		log:       log.MakeEmbedding(log.Default()),
	}
}

// Close requests the final state of ch, countersigns it and submits it to the custody contract.
// It returns the settled final state once the close is confirmed on-chain. Errors matching
// ErrSettlement leave the on-chain outcome unknown; all other errors leave the channel untouched.
func (a *Adjudicator) Close(ctx context.Context, ch *Channel) (*wire.State, error) {
	if !ch.OnChain() {
		return nil, failure.Newf(failure.CloseFailed, "%s channel %s has nothing to settle", ch.Mode, ch.ID).Fatal()
	}
	if a.custody == nil {
		return nil, failure.New(failure.CloseFailed, "no custody contract configured").Fatal()
	}

	res, err := a.requestFinal(ctx, ch)
	if err != nil {
		return nil, err
	}
	final, coordSig, err := acceptNext(ch, res, wire.IntentFinalize)
	if err != nil {
		return nil, err
	}
	if cur, got := ch.State.Total(ch.Token), final.Total(ch.Token); cur.Cmp(got) != 0 {
		return nil, failure.Newf(failure.InvalidResponse, "final state allocates %s, channel holds %s", got, cur).Fatal()
	}

	holderSig, err := Backend.Sign(ctx, a.holder, final)
	if err != nil {
		return nil, failure.Wrap(err, failure.CloseFailed, "signing final state")
	}
	id, _ := ch.Hash()
	a.log.Log().Debugf("Settling channel %s at version %s", ch.ID, final.Version)
	if err := a.custody.Close(ctx, id, final, holderSig, coordSig); err != nil {
		return nil, failure.Wrap(errors.Wrap(ErrSettlement, err.Error()), failure.CloseFailed, "closing on-chain").Fatal()
	}
	a.log.Log().Infof("Channel %s closed on-chain", ch.ID)
	return final, nil
}

// requestFinal asks the coordinator for the final state. A connection drop is never taken for a
// successful close: the session is re-established and the request resubmitted.
func (a *Adjudicator) requestFinal(ctx context.Context, ch *Channel) (*wire.ChannelStateResult, error) {
	if !a.session.Authenticated() {
		if err := a.session.EnsureAuthenticated(ctx); err != nil {
			return nil, keepCode(err, failure.CloseFailed, "re-authenticating before close")
		}
	}
	params := wire.CloseChannelParams{ChannelID: ch.ID, FundsDestination: ch.Holder.Hex()}
	for attempt := 0; ; attempt++ {
		raw, err := a.transport.Send(ctx, wire.MethodCloseChannel, params, true)
		if err == nil {
			var res wire.ChannelStateResult
			if err := wire.Decode(wire.MethodCloseChannel, raw, &res); err != nil {
				return nil, err
			}
			return &res, nil
		}
		if !failure.Is(err, failure.ConnectionLost) || attempt >= a.resubmits {
			return nil, keepCode(err, failure.CloseFailed, "close_channel")
		}

		a.log.Log().Warnf("Connection lost while closing channel %s, resubmitting after re-authentication", ch.ID)
		if err := a.session.EnsureAuthenticated(ctx); err != nil {
			return nil, keepCode(err, failure.CloseFailed, "re-authenticating before resubmitting close")
		}
	}
}
