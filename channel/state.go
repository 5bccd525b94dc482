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
	"github.com/ethereum/go-ethereum/common/hexutil"

	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/wire"
)

// acceptNext validates a coordinator-proposed successor of ch's current state: same channel,
// expected intent, strictly higher version, channel token only and a valid coordinator
// signature. It returns the state and the coordinator signature.
func acceptNext(ch *Channel, res *wire.ChannelStateResult, intent wire.Intent) (*wire.State, []byte, error) {
	id, err := ch.Hash()
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.ChannelNotFound, "channel has no on-chain id").Fatal()
	}
	if claimed, _ := wire.ParseChannelID(res.ChannelID); claimed != id {
		return nil, nil, failure.Newf(failure.InvalidResponse, "state for channel %s, expected %s", res.ChannelID, ch.ID).Fatal()
	}
	next, err := res.State.ToState(id)
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.InvalidResponse, "decoding state").Fatal()
	}
	if next.Intent != intent {
		return nil, nil, failure.Newf(failure.InvalidResponse, "state has intent %s, expected %s", next.Intent, intent).Fatal()
	}
	if cur := ch.Version(); next.Version.Cmp(cur) <= 0 {
		return nil, nil, failure.Newf(failure.InvalidResponse, "state version %s does not advance %s", next.Version, cur).Fatal()
	}
	if err := checkTokens(ch, next); err != nil {
		return nil, nil, err
	}
	sig, err := hexutil.Decode(res.ServerSignature)
	if err != nil {
		return nil, nil, failure.Wrap(err, failure.InvalidResponse, "server signature").Fatal()
	}
	if err := verifyCoordinator(ch, next, sig); err != nil {
		return nil, nil, err
	}
	return next, sig, nil
}

func checkTokens(ch *Channel, st *wire.State) error {
	for i, a := range st.Allocations {
		if a.Token != ch.Token {
			return failure.Newf(failure.InvalidResponse, "allocation %d uses token %s, channel uses %s", i, a.Token.Hex(), ch.Token.Hex()).Fatal()
		}
	}
	return nil
}

func verifyCoordinator(ch *Channel, st *wire.State, sig []byte) error {
	ok, err := Backend.Verify(ch.Coordinator, st, sig)
	if err != nil {
		return failure.Wrap(err, failure.InvalidResponse, "verifying coordinator signature").Fatal()
	}
	if !ok {
		return failure.Newf(failure.InvalidResponse, "state not signed by coordinator %s", ch.Coordinator.Hex()).Fatal()
	}
	return nil
}
