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

package util

import (
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// NewID returns a new lexicographically sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewIDFrom returns an identifier drawn from rng at time t.
func NewIDFrom(rng io.Reader, t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), rng)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ParseUnits converts a non-negative decimal string such as "1.25" into base units of a token
// with the given number of decimals. More fractional digits than decimals are rejected unless
// they are zero.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !plainDecimal(s) {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", s)
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", s)
	}
	d = d.Shift(int32(decimals))
	if !d.IsInteger() {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q has more than %d decimals", s, decimals)
	}
	return d.BigInt(), nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// plainDecimal accepts digits with at most one decimal point, no sign and no exponent.
func plainDecimal(s string) bool {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return false
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
