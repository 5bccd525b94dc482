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
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/failure"
)

const (
	MethodAuthRequest       = "auth_request"
	MethodAuthVerify        = "auth_verify"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodCreateChannel     = "create_channel"
	MethodResizeChannel     = "resize_channel"
	MethodCloseChannel      = "close_channel"
	MethodTransfer          = "transfer"
	MethodPing              = "ping"
	MethodError             = "error"

	PushBalanceUpdate = "bu"
	PushChannelUpdate = "cu"
	PushTransfer      = "tr"
)

// IsPushMethod reports whether method names an unsolicited notification.
func IsPushMethod(method string) bool {
	switch method {
	case PushBalanceUpdate, PushChannelUpdate, PushTransfer:
		return true
	}
	return false
}

type validator interface {
	validate() error
}

// Decode strictly decodes raw into v: unknown fields and missing required fields are rejected.
func Decode(method string, raw json.RawMessage, v validator) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return failure.Wrap(err, failure.InvalidResponse, "decoding "+method+" result")
	}
	if err := v.validate(); err != nil {
		return failure.Wrap(err, failure.InvalidResponse, "validating "+method+" result")
	}
	return nil
}

type (
	// Allowance is a spending ceiling granted to a session key.
	Allowance struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}

	AuthRequestParams struct {
		Address     string      `json:"address"`
		SessionKey  string      `json:"session_key"`
		Application string      `json:"application"`
		Allowances  []Allowance `json:"allowances"`
		Scope       string      `json:"scope"`
		ExpiresAt   uint64      `json:"expires_at"`
	}

	AuthRequestResult struct {
		ChallengeMessage string `json:"challenge_message"`
	}

	// AuthVerifyParams answers a challenge or, with JWT set, re-authenticates a session with a
	// previously issued bearer token.
	AuthVerifyParams struct {
		Challenge string `json:"challenge,omitempty"`
		JWT       string `json:"jwt,omitempty"`
	}

	AuthVerifyResult struct {
		Address    string `json:"address"`
		SessionKey string `json:"session_key"`
		JWTToken   string `json:"jwt_token"`
		Success    bool   `json:"success"`
	}

	LedgerBalancesParams struct {
		AccountID string `json:"account_id"`
	}

	LedgerBalance struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}

	LedgerBalancesResult struct {
		LedgerBalances []LedgerBalance `json:"ledger_balances"`
	}

	CreateChannelParams struct {
		ChainID    uint64  `json:"chain_id"`
		Token      string  `json:"token"`
		Amount     *BigInt `json:"amount"`
		SessionKey string  `json:"session_key"`
	}

	RPCChannel struct {
		Participants []string `json:"participants"`
		Adjudicator  string   `json:"adjudicator"`
		Challenge    uint64   `json:"challenge"`
		Nonce        uint64   `json:"nonce"`
	}

	RPCAllocation struct {
		Destination string  `json:"destination"`
		Token       string  `json:"token"`
		Amount      *BigInt `json:"amount"`
	}

	RPCState struct {
		Intent      uint8           `json:"intent"`
		Version     *BigInt         `json:"version"`
		StateData   string          `json:"state_data"`
		Allocations []RPCAllocation `json:"allocations"`
	}

	CreateChannelResult struct {
		ChannelID       string     `json:"channel_id"`
		Channel         RPCChannel `json:"channel"`
		State           RPCState   `json:"state"`
		ServerSignature string     `json:"server_signature"`
	}

	ResizeChannelParams struct {
		ChannelID        string  `json:"channel_id"`
		AllocateAmount   *BigInt `json:"allocate_amount"`
		ResizeAmount     *BigInt `json:"resize_amount"`
		FundsDestination string  `json:"funds_destination"`
	}

	CloseChannelParams struct {
		ChannelID        string `json:"channel_id"`
		FundsDestination string `json:"funds_destination"`
	}

	// ChannelStateResult is returned by resize_channel and close_channel.
	ChannelStateResult struct {
		ChannelID       string   `json:"channel_id"`
		State           RPCState `json:"state"`
		ServerSignature string   `json:"server_signature"`
	}

	TransferAllocation struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}

	TransferParams struct {
		Destination string               `json:"destination"`
		Allocations []TransferAllocation `json:"allocations"`
	}

	Transaction struct {
		ID          uint64 `json:"id"`
		TxType      string `json:"tx_type"`
		FromAccount string `json:"from_account"`
		ToAccount   string `json:"to_account"`
		Asset       string `json:"asset"`
		Amount      string `json:"amount"`
		CreatedAt   string `json:"created_at"`
	}

	TransferResult struct {
		Transactions []Transaction `json:"transactions"`
	}

	BalanceUpdate struct {
		BalanceUpdates []LedgerBalance `json:"balance_updates"`
	}

	ChannelUpdate struct {
		ChannelID string  `json:"channel_id"`
		Status    string  `json:"status"`
		Amount    *BigInt `json:"amount"`
		Version   uint64  `json:"version"`
	}

	PingResult struct{}
)

func (r *AuthRequestResult) validate() error {
	if r.ChallengeMessage == "" {
		return errors.New("empty challenge")
	}
	return nil
}

func (r *AuthVerifyResult) validate() error {
	if !r.Success {
		return errors.New("verification not successful")
	}
	if r.JWTToken == "" {
		return errors.New("missing jwt token")
	}
	if !common.IsHexAddress(r.Address) || !common.IsHexAddress(r.SessionKey) {
		return errors.New("invalid address in verify result")
	}
	return nil
}

func (r *LedgerBalancesResult) validate() error {
	if r.LedgerBalances == nil {
		return errors.New("missing ledger_balances")
	}
	for _, b := range r.LedgerBalances {
		if b.Asset == "" || b.Amount == "" {
			return errors.New("incomplete ledger balance entry")
		}
	}
	return nil
}

func (r *CreateChannelResult) validate() error {
	if _, err := parseHash(r.ChannelID); err != nil {
		return err
	}
	if err := r.Channel.validate(); err != nil {
		return err
	}
	if err := r.State.validate(); err != nil {
		return err
	}
	_, err := hexutil.Decode(r.ServerSignature)
	return errors.WithMessage(err, "server_signature")
}

func (c *RPCChannel) validate() error {
	if len(c.Participants) != 2 {
		return errors.Errorf("expected 2 participants, got %d", len(c.Participants))
	}
	for _, p := range c.Participants {
		if !common.IsHexAddress(p) {
			return errors.Errorf("invalid participant %q", p)
		}
	}
	if !common.IsHexAddress(c.Adjudicator) {
		return errors.Errorf("invalid adjudicator %q", c.Adjudicator)
	}
	return nil
}

func (s *RPCState) validate() error {
	if s.Intent > uint8(IntentFinalize) {
		return errors.Errorf("unknown intent %d", s.Intent)
	}
	if s.Version == nil || s.Version.Int().Sign() < 0 {
		return errors.New("missing version")
	}
	if s.StateData != "" {
		if _, err := hexutil.Decode(s.StateData); err != nil {
			return errors.WithMessage(err, "state_data")
		}
	}
	if len(s.Allocations) == 0 {
		return errors.New("state has no allocations")
	}
	for i, a := range s.Allocations {
		if !common.IsHexAddress(a.Destination) || !common.IsHexAddress(a.Token) {
			return errors.Errorf("invalid address in allocation %d", i)
		}
		if a.Amount == nil || a.Amount.Int().Sign() < 0 {
			return errors.Errorf("invalid amount in allocation %d", i)
		}
	}
	return nil
}

func (r *ChannelStateResult) validate() error {
	if _, err := parseHash(r.ChannelID); err != nil {
		return err
	}
	if err := r.State.validate(); err != nil {
		return err
	}
	_, err := hexutil.Decode(r.ServerSignature)
	return errors.WithMessage(err, "server_signature")
}

func (r *TransferResult) validate() error {
	if len(r.Transactions) == 0 {
		return errors.New("transfer returned no transactions")
	}
	for _, tx := range r.Transactions {
		if tx.Amount == "" || tx.Asset == "" {
			return errors.New("incomplete transaction")
		}
	}
	return nil
}

func (r *BalanceUpdate) validate() error {
	for _, b := range r.BalanceUpdates {
		if b.Asset == "" || b.Amount == "" {
			return errors.New("incomplete balance update")
		}
	}
	return nil
}

func (r *ChannelUpdate) validate() error {
	if r.ChannelID == "" || r.Status == "" {
		return errors.New("incomplete channel update")
	}
	return nil
}

func (*PingResult) validate() error { return nil }

// ToState converts a decoded RPC state into the canonical State of channel id.
func (s *RPCState) ToState(channelID common.Hash) (*State, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	var data []byte
	if s.StateData != "" {
		data = hexutil.MustDecode(s.StateData)
	}
	st := &State{
		ChannelID:   channelID,
		Intent:      Intent(s.Intent),
		Version:     new(big.Int).Set(s.Version.Int()),
		Data:        data,
		Allocations: make([]Allocation, len(s.Allocations)),
	}
	for i, a := range s.Allocations {
		st.Allocations[i] = Allocation{
			Destination: common.HexToAddress(a.Destination),
			Token:       common.HexToAddress(a.Token),
			Amount:      new(big.Int).Set(a.Amount.Int()),
		}
	}
	return st, nil
}

// Config converts the decoded channel parameters.
func (c *RPCChannel) Config() ChannelConfig {
	parts := make([]common.Address, len(c.Participants))
	for i, p := range c.Participants {
		parts[i] = common.HexToAddress(p)
	}
	return ChannelConfig{
		Participants: parts,
		Adjudicator:  common.HexToAddress(c.Adjudicator),
		Challenge:    c.Challenge,
		Nonce:        c.Nonce,
	}
}

// ParseChannelID parses a 0x prefixed 32 byte channel id.
func ParseChannelID(s string) (common.Hash, error) {
	return parseHash(s)
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, errors.WithMessagef(err, "channel id %q", s)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.Errorf("channel id has %d bytes, want %d", len(b), common.HashLength)
	}
	return common.BytesToHash(b), nil
}
