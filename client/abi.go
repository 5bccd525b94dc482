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

package client

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"perun.network/perun-clearnode-client/wire"
)

const stateComponents = `[
	{"name":"intent","type":"uint8"},
	{"name":"version","type":"uint256"},
	{"name":"data","type":"bytes"},
	{"name":"allocations","type":"tuple[]","components":[
		{"name":"destination","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"}]},
	{"name":"sigs","type":"bytes[]"}]`

// CustodyABI is the part of the custody contract used by the client.
var CustodyABI = `[
{"type":"function","name":"depositAndCreate","stateMutability":"payable",
 "inputs":[
	{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"ch","type":"tuple","components":[
		{"name":"participants","type":"address[]"},
		{"name":"adjudicator","type":"address"},
		{"name":"challenge","type":"uint64"},
		{"name":"nonce","type":"uint64"}]},
	{"name":"initial","type":"tuple","components":` + stateComponents + `}],
 "outputs":[{"name":"channelId","type":"bytes32"}]},
{"type":"function","name":"close","stateMutability":"nonpayable",
 "inputs":[
	{"name":"channelId","type":"bytes32"},
	{"name":"candidate","type":"tuple","components":` + stateComponents + `},
	{"name":"proofs","type":"tuple[]","components":` + stateComponents + `}],
 "outputs":[]}
]`

// TokenABI is the ERC-20 subset used for deposits.
const TokenABI = `[
{"type":"function","name":"approve","stateMutability":"nonpayable",
 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
 "outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"allowance","stateMutability":"view",
 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	custodyABI = mustParse(CustodyABI)
	tokenABI   = mustParse(TokenABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

type (
	abiChannel struct {
		Participants []common.Address
		Adjudicator  common.Address
		Challenge    uint64
		Nonce        uint64
	}

	abiAllocation struct {
		Destination common.Address
		Token       common.Address
		Amount      *big.Int
	}

	abiState struct {
		Intent      uint8
		Version     *big.Int
		Data        []byte
		Allocations []abiAllocation
		Sigs        [][]byte
	}
)

func makeChannel(cfg wire.ChannelConfig) abiChannel {
	return abiChannel{
		Participants: cfg.Participants,
		Adjudicator:  cfg.Adjudicator,
		Challenge:    cfg.Challenge,
		Nonce:        cfg.Nonce,
	}
}

// makeState converts st with the participants' signatures in participant order.
func makeState(st *wire.State, sigs ...[]byte) abiState {
	allocs := make([]abiAllocation, len(st.Allocations))
	for i, a := range st.Allocations {
		allocs[i] = abiAllocation{Destination: a.Destination, Token: a.Token, Amount: a.Amount}
	}
	data := st.Data
	if data == nil {
		data = []byte{}
	}
	return abiState{
		Intent:      uint8(st.Intent),
		Version:     st.Version,
		Data:        data,
		Allocations: allocs,
		Sigs:        sigs,
	}
}
