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

package wire

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Intent tags what a state transition is for.
type Intent uint8

const (
	IntentOperate Intent = iota
	IntentInitialize
	IntentResize
	IntentFinalize
)

func (i Intent) String() string {
	switch i {
	case IntentOperate:
		return "OPERATE"
	case IntentInitialize:
		return "INITIALIZE"
	case IntentResize:
		return "RESIZE"
	case IntentFinalize:
		return "FINALIZE"
	default:
		return "UNKNOWN"
	}
}

// Allocation assigns amount of token to destination.
type Allocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

// State is the canonical channel state both parties sign.
type State struct {
	ChannelID   common.Hash
	Intent      Intent
	Version     *big.Int
	Data        []byte
	Allocations []Allocation
}

// ChannelConfig holds the fixed parameters of a channel.
type ChannelConfig struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

// Total sums all allocations of token.
func (s *State) Total(token common.Address) *big.Int {
	sum := new(big.Int)
	for _, a := range s.Allocations {
		if a.Token == token {
			sum.Add(sum, a.Amount)
		}
	}
	return sum
}

// AmountFor returns the amount allocated to destination.
func (s *State) AmountFor(destination common.Address) *big.Int {
	sum := new(big.Int)
	for _, a := range s.Allocations {
		if a.Destination == destination {
			sum.Add(sum, a.Amount)
		}
	}
	return sum
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		ChannelID:   s.ChannelID,
		Intent:      s.Intent,
		Version:     new(big.Int).Set(s.Version),
		Data:        append([]byte(nil), s.Data...),
		Allocations: make([]Allocation, len(s.Allocations)),
	}
	for i, a := range s.Allocations {
		c.Allocations[i] = Allocation{Destination: a.Destination, Token: a.Token, Amount: new(big.Int).Set(a.Amount)}
	}
	return c
}

// EncodeState encodes the state as with abi.encode() in the custody contract.
func EncodeState(s *State) ([]byte, error) {
	if s.Version == nil {
		return nil, errors.New("state version is nil")
	}
	allocType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	if err != nil {
		return nil, err
	}
	args := abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("uint8")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes")},
		{Type: allocType},
	}

	allocs := make([]struct {
		Destination common.Address
		Token       common.Address
		Amount      *big.Int
	}, len(s.Allocations))
	for i, a := range s.Allocations {
		if a.Amount == nil || a.Amount.Sign() < 0 {
			return nil, errors.Errorf("invalid amount in allocation %d", i)
		}
		allocs[i].Destination = a.Destination
		allocs[i].Token = a.Token
		allocs[i].Amount = a.Amount
	}
	data := s.Data
	if data == nil {
		data = []byte{}
	}
	return args.Pack(s.ChannelID, uint8(s.Intent), s.Version, data, allocs)
}

// StateHash is keccak256 of the encoded state.
func StateHash(s *State) (common.Hash, error) {
	b, err := EncodeState(s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// ChannelID derives the channel identifier from its fixed parameters.
func ChannelID(cfg ChannelConfig, chainID *big.Int) (common.Hash, error) {
	args := abi.Arguments{
		{Type: mustType("address[]")},
		{Type: mustType("address")},
		{Type: mustType("uint64")},
		{Type: mustType("uint64")},
		{Type: mustType("uint256")},
	}
	b, err := args.Pack(cfg.Participants, cfg.Adjudicator, cfg.Challenge, cfg.Nonce, chainID)
	if err != nil {
		return common.Hash{}, errors.WithMessage(err, "encoding channel config")
	}
	return crypto.Keccak256Hash(b), nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
