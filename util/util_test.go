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

package util_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pkgtest "polycry.pt/poly-go/test"

	"perun.network/perun-clearnode-client/util"
)

func TestParseUnits(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"1.5", 1_500_000},
		{".25", 250_000},
		{"0.000001", 1},
		{"2.100000000", 2_100_000},
	} {
		v, err := util.ParseUnits(tc.in, 6)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, v.Int64(), tc.in)
	}
	v, err := util.ParseUnits("123456789012345678.5", 18)
	require.NoError(t, err)
	require.Equal(t, "123456789012345678500000000000000000", v.String())

	for _, bad := range []string{"", ".", "-1", "+1", "1.0000001", "1e6", "0x10", "1.2.3", " 1 2"} {
		_, err := util.ParseUnits(bad, 6)
		require.ErrorIs(t, err, util.ErrInvalidAmount, bad)
	}
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "1.5", util.FormatUnits(big.NewInt(1_500_000), 6))
	require.Equal(t, "0.000001", util.FormatUnits(big.NewInt(1), 6))
	require.Equal(t, "0", util.FormatUnits(big.NewInt(0), 6))
	require.Equal(t, "42", util.FormatUnits(big.NewInt(42), 0))
	require.Equal(t, "-0.5", util.FormatUnits(big.NewInt(-500_000), 6))
}

func TestUnitsRoundTrip(t *testing.T) {
	rng := pkgtest.Prng(t)
	for i := 0; i < 100; i++ {
		v := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 96))
		dec := uint8(rng.Intn(19))
		got, err := util.ParseUnits(util.FormatUnits(v, dec), dec)
		require.NoError(t, err)
		require.Zero(t, v.Cmp(got))
	}
}

func TestNewIDSortable(t *testing.T) {
	rng := pkgtest.Prng(t)
	now := time.Now()
	a, err := util.NewIDFrom(rng, now)
	require.NoError(t, err)
	b, err := util.NewIDFrom(rng, now.Add(time.Millisecond))
	require.NoError(t, err)
	require.Less(t, a, b)
	require.Len(t, util.NewID(), 26)
}
