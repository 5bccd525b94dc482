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

package store_test

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/store"
	"perun.network/perun-clearnode-client/wire"
)

func snapshot() *store.Snapshot {
	holder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	coord := common.HexToAddress("0x2222222222222222222222222222222222222222")
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	return &store.Snapshot{
		Address:    holder,
		SessionKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		Token:      "jwt-secret",
		ExpiresAt:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Channel: &channel.Channel{
			ID:          common.HexToHash("0xabcd").Hex(),
			Mode:        channel.ModeDirect,
			Config:      wire.ChannelConfig{Participants: []common.Address{holder, coord}, Challenge: 3600, Nonce: 9},
			Holder:      holder,
			Coordinator: coord,
			Token:       token,
			State: &wire.State{
				ChannelID:   common.HexToHash("0xabcd"),
				Intent:      wire.IntentResize,
				Version:     big.NewInt(2),
				Allocations: []wire.Allocation{{Destination: holder, Token: token, Amount: big.NewInt(500)}},
			},
			Balance: big.NewInt(420),
			Status:  channel.StatusActive,
		},
	}
}

func testStore(t *testing.T, s store.Store) {
	t.Helper()
	_, err := s.Load()
	require.True(t, errors.Is(err, store.ErrNotFound))

	want := snapshot()
	require.NoError(t, s.Save(want))
	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want.SessionKey, got.SessionKey)
	require.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	require.Equal(t, want.Channel.ID, got.Channel.ID)
	require.Equal(t, "420", got.Channel.Balance.String())
	require.Equal(t, "2", got.Channel.State.Version.String())
	require.Equal(t, want.Channel.Config.Participants, got.Channel.Config.Participants)

	require.NoError(t, s.Clear())
	_, err = s.Load()
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMemStore(t *testing.T) {
	testStore(t, store.NewMemStore())
}

func TestBoltStore(t *testing.T) {
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "session.db"), "")
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := store.OpenBolt(path, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Save(snapshot()))
	require.NoError(t, s.Close())

	s, err = store.OpenBolt(path, "alice")
	require.NoError(t, err)
	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "420", got.Channel.Balance.String())
	require.NoError(t, s.Close())

	s, err = store.OpenBolt(path, "bob")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Load()
	require.True(t, errors.Is(err, store.ErrNotFound), "snapshots are keyed")
}

func TestSnapshot_RedactsSecrets(t *testing.T) {
	s := snapshot()
	str := s.String()
	require.NotContains(t, str, s.SessionKey)
	require.NotContains(t, str, s.Token)
	require.Contains(t, str, s.Address.Hex())
}

func TestSnapshot_Valid(t *testing.T) {
	s := snapshot()
	require.True(t, s.Valid(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.False(t, s.Valid(time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)))
	s.Token = ""
	require.False(t, s.Valid(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)))
	var none *store.Snapshot
	require.False(t, none.Valid(time.Now()))
}
