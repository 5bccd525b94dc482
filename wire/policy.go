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
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const PolicyPrimaryType = "Policy"

// Policy binds a session key to a primary wallet for a bounded time and set of allowances.
type Policy struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	// ExpiresAt is in seconds since epoch, the same integer sent in auth_request.
	ExpiresAt  uint64
	Allowances []Allowance
}

// RequestParams returns the auth_request parameters carrying the policy.
func (p Policy) RequestParams() AuthRequestParams {
	allowances := p.Allowances
	if allowances == nil {
		allowances = []Allowance{}
	}
	return AuthRequestParams{
		Address:     p.Wallet.Hex(),
		SessionKey:  p.SessionKey.Hex(),
		Application: p.Application,
		Allowances:  allowances,
		Scope:       p.Scope,
		ExpiresAt:   p.ExpiresAt,
	}
}

// TypedData builds the EIP-712 message the primary wallet signs during auth_verify.
func (p Policy) TypedData() apitypes.TypedData {
	allowances := make([]interface{}, len(p.Allowances))
	for i, a := range p.Allowances {
		allowances[i] = map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			PolicyPrimaryType: {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: PolicyPrimaryType,
		Domain:      apitypes.TypedDataDomain{Name: p.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"session_key": p.SessionKey.Hex(),
			"expires_at":  strconv.FormatUint(p.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}

// SignedExpiry extracts expires_at from policy typed data.
func SignedExpiry(td apitypes.TypedData) (uint64, bool) {
	s, ok := td.Message["expires_at"].(string)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}
