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

package engine

import (
	"encoding/json"
	"strings"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/util"
	"perun.network/perun-clearnode-client/wire"
)

// handlePush relays coordinator notifications. It runs on the read goroutine and never sends.
func (e *Engine) handlePush(method string, payload json.RawMessage) {
	var err error
	switch method {
	case wire.PushBalanceUpdate:
		err = e.balanceUpdate(payload)
	case wire.PushChannelUpdate:
		err = e.channelUpdate(payload)
	case wire.PushTransfer:
		err = e.transferNotification(payload)
	default:
		e.log.Log().Debugf("Ignoring push %s", method)
	}
	if err != nil {
		e.log.Log().Warnf("Malformed %s push: %v", method, err)
	}
}

func (e *Engine) balanceUpdate(payload json.RawMessage) error {
	var bu wire.BalanceUpdate
	if err := wire.Decode(wire.PushBalanceUpdate, payload, &bu); err != nil {
		return err
	}
	for _, b := range bu.BalanceUpdates {
		v, err := util.ParseUnits(b.Amount, e.cfg.Channel.Decimals)
		if err != nil {
			return err
		}
		e.bus.Emit(&event.BalanceUpdated{Source: event.SourceCoordinator, Asset: b.Asset, Balance: v})
	}
	return nil
}

func (e *Engine) channelUpdate(payload json.RawMessage) error {
	var cu wire.ChannelUpdate
	if err := wire.Decode(wire.PushChannelUpdate, payload, &cu); err != nil {
		return err
	}
	if ch, err := e.channels.Channel(); err == nil && strings.EqualFold(ch.ID, cu.ChannelID) {
		e.log.Log().Debugf("Channel %s reported %s at version %d", cu.ChannelID, cu.Status, cu.Version)
	}
	e.bus.Emit(&event.ChannelUpdated{ChannelID: cu.ChannelID, Status: cu.Status, Version: cu.Version})
	return nil
}

func (e *Engine) transferNotification(payload json.RawMessage) error {
	var tr wire.TransferResult
	if err := wire.Decode(wire.PushTransfer, payload, &tr); err != nil {
		return err
	}
	holder := e.signer.Address().Hex()
	for _, tx := range tr.Transactions {
		if !strings.EqualFold(tx.ToAccount, holder) {
			continue
		}
		if _, err := e.payments.Incoming(tx); err != nil {
			return err
		}
	}
	return nil
}
