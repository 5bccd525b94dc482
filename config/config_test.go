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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"perun.network/perun-clearnode-client/auth"
	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/config"
	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

const full = `
[Logging]
  Level = "debug"

[Clearnode]
  URL = "wss://clearnet.example.com/ws"
  RequestTimeout = "5s"
  ReconnectDelays = ["500ms", "1s"]
  MaxReconnectAttempts = 3

[Auth]
  Application = "payments"
  Scope = "app.pay"
  SessionTTL = "2h"
  Retries = 2
  [[Auth.Allowances]]
    Asset = "usdc"
    Amount = "25"

[Chain]
  RPCURL = "https://polygon.example.com"
  ChainID = 137
  CustodyAddress = "0x1111111111111111111111111111111111111111"
  AdjudicatorAddress = "0x2222222222222222222222222222222222222222"
  TokenAddress = "0x3333333333333333333333333333333333333333"
  Decimals = 18
  IndexerDelay = "2s"

[Store]
  Path = "/var/lib/clearnode/session.db"

[Metrics]
  Address = "127.0.0.1:9100"
`

func TestLoad(t *testing.T) {
	cfg, err := config.Load([]byte(full))
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.Clearnode.RequestTimeout)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, cfg.Clearnode.ReconnectDelays)
	require.True(t, cfg.Chain.OnChain())
	require.Equal(t, "usdc", cfg.Chain.Asset, "default asset")
	require.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)

	ec := cfg.EngineConfig()
	require.Equal(t, rpc.Config{
		RequestTimeout:       5 * time.Second,
		ReconnectDelays:      []time.Duration{500 * time.Millisecond, time.Second},
		MaxReconnectAttempts: 3,
	}, ec.RPC)
	require.Equal(t, "payments", ec.Auth.Application)
	require.Equal(t, []wire.Allowance{{Asset: "usdc", Amount: "25"}}, ec.Auth.Allowances)
	require.Equal(t, auth.DefaultRetryDelays, ec.Auth.RetryDelays)
	require.Equal(t, 2*time.Hour, ec.SessionTTL)
	require.Equal(t, uint64(137), ec.Channel.ChainID.Uint64())
	require.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), ec.Channel.Token)
	require.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), ec.Channel.Adjudicator)
	require.Equal(t, uint8(18), ec.Channel.Decimals)
	require.Equal(t, 2*time.Second, ec.Channel.IndexerDelay)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load([]byte(`
[Clearnode]
  URL = "ws://localhost:8000/ws"
`))
	require.NoError(t, err)
	require.Equal(t, "INFO", cfg.Logging.Level)
	require.Equal(t, rpc.DefaultRequestTimeout, cfg.Clearnode.RequestTimeout)
	require.Equal(t, rpc.DefaultReconnectDelays, cfg.Clearnode.ReconnectDelays)
	require.Equal(t, rpc.DefaultMaxReconnectAttempts, cfg.Clearnode.MaxReconnectAttempts)
	require.Equal(t, "clearnode-client", cfg.Auth.Application)
	require.Equal(t, wallet.DefaultSessionTTL, cfg.Auth.SessionTTL)
	require.Equal(t, auth.DefaultRetries, cfg.Auth.Retries)
	require.Equal(t, "usdc", cfg.Chain.Asset)
	require.Equal(t, uint8(6), cfg.Chain.Decimals)
	require.Equal(t, channel.DefaultIndexerDelay, cfg.Chain.IndexerDelay)
	require.False(t, cfg.Chain.OnChain())
	require.Empty(t, cfg.Store.Path)
	require.Empty(t, cfg.Metrics.Address)
}

func TestLoad_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"no clearnode":    `[Auth]` + "\n" + `Scope = "x"`,
		"http url":        `[Clearnode]` + "\n" + `URL = "https://example.com"`,
		"unknown key":     `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n" + `Foo = 1`,
		"long ttl":        `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[Auth]\n" + `SessionTTL = "48h"`,
		"bad level":       `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[Logging]\n" + `Level = "loud"`,
		"bad address":     `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[Chain]\n" + `TokenAddress = "0x12"`,
		"custody no rpc":  `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[Chain]\n" + `CustodyAddress = "0x1111111111111111111111111111111111111111"`,
		"bad wallet key":  `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[Wallet]\n" + `PrivateKeyHex = "zz"`,
		"empty allowance": `[Clearnode]` + "\n" + `URL = "ws://a"` + "\n[[Auth.Allowances]]\n" + `Asset = "usdc"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clearnode.toml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0o600))
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/clearnode/session.db", cfg.Store.Path)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
