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

// Package config implements the configuration of the clearnode client.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/auth"
	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/engine"
	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

const (
	defaultLogLevel    = "INFO"
	defaultApplication = "clearnode-client"
	defaultScope       = "app.transfer"
	defaultAsset       = "usdc"
	defaultDecimals    = 6
	maxDecimals        = 36
)

// Logging is the logging configuration.
type Logging struct {
	// Level is one of ERROR, WARNING, INFO, DEBUG or TRACE.
	Level string
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG", "TRACE":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Clearnode is the connection to the coordinator.
type Clearnode struct {
	// URL is the websocket endpoint, e.g. wss://clearnet.example.com/ws.
	URL                  string
	RequestTimeout       time.Duration
	ReconnectDelays      []time.Duration
	MaxReconnectAttempts int
}

func (c *Clearnode) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WithMessage(err, "config: Clearnode: URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: Clearnode: URL '%v' is not a websocket URL", c.URL)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = rpc.DefaultRequestTimeout
	}
	if len(c.ReconnectDelays) == 0 {
		c.ReconnectDelays = rpc.DefaultReconnectDelays
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = rpc.DefaultMaxReconnectAttempts
	}
	return nil
}

// Allowance is a spending ceiling requested for the session key.
type Allowance struct {
	Asset  string
	Amount string
}

// Auth is the authorization requested for session keys.
type Auth struct {
	Application string
	Scope       string
	Allowances  []Allowance
	// SessionTTL is the session key lifetime, at most 24h.
	SessionTTL time.Duration
	// Retries is the number of handshake retries after the first attempt.
	Retries     int
	RetryDelays []time.Duration
}

func (a *Auth) validate() error {
	if a.Application == "" {
		a.Application = defaultApplication
	}
	if a.Scope == "" {
		a.Scope = defaultScope
	}
	switch {
	case a.SessionTTL == 0:
		a.SessionTTL = wallet.DefaultSessionTTL
	case a.SessionTTL < 0 || a.SessionTTL > wallet.DefaultSessionTTL:
		return fmt.Errorf("config: Auth: SessionTTL %v is not within (0, %v]", a.SessionTTL, wallet.DefaultSessionTTL)
	}
	if a.Retries <= 0 {
		a.Retries = auth.DefaultRetries
	}
	if len(a.RetryDelays) == 0 {
		a.RetryDelays = auth.DefaultRetryDelays
	}
	for i, al := range a.Allowances {
		if al.Asset == "" || al.Amount == "" {
			return fmt.Errorf("config: Auth: Allowance %d is incomplete", i)
		}
	}
	return nil
}

// Chain is the settlement chain.
type Chain struct {
	// RPCURL is the JSON-RPC endpoint of the chain. It is only needed for on-chain channels.
	RPCURL             string
	ChainID            uint64
	CustodyAddress     string
	AdjudicatorAddress string
	// TokenAddress is the channel asset. The zero address selects the native currency.
	TokenAddress string
	Asset        string
	Decimals     uint8
	IndexerDelay time.Duration
}

func (c *Chain) validate() error {
	if c.Asset == "" {
		c.Asset = defaultAsset
	}
	if c.Decimals == 0 {
		c.Decimals = defaultDecimals
	}
	if c.Decimals > maxDecimals {
		return fmt.Errorf("config: Chain: Decimals %d is out of range", c.Decimals)
	}
	if c.IndexerDelay <= 0 {
		c.IndexerDelay = channel.DefaultIndexerDelay
	}
	for name, addr := range map[string]string{
		"CustodyAddress":     c.CustodyAddress,
		"AdjudicatorAddress": c.AdjudicatorAddress,
		"TokenAddress":       c.TokenAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("config: Chain: %s '%v' is invalid", name, addr)
		}
	}
	if c.OnChain() && (c.RPCURL == "" || c.ChainID == 0) {
		return errors.New("config: Chain: CustodyAddress requires RPCURL and ChainID")
	}
	return nil
}

// OnChain reports whether a custody contract is configured.
func (c *Chain) OnChain() bool {
	return c.CustodyAddress != ""
}

// Store is the snapshot database.
type Store struct {
	// Path is the bbolt file. An empty path keeps the snapshot in memory.
	Path string
	Key  string
}

// Wallet is the primary wallet of the CLI.
type Wallet struct {
	PrivateKeyHex string
}

func (w *Wallet) validate() error {
	if w.PrivateKeyHex == "" {
		return nil
	}
	if _, err := wallet.NewAccountFromHex(w.PrivateKeyHex); err != nil {
		return errors.New("config: Wallet: PrivateKeyHex is invalid")
	}
	return nil
}

// Metrics is the prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Logging   *Logging
	Clearnode *Clearnode
	Auth      *Auth
	Chain     *Chain
	Store     *Store
	Wallet    *Wallet
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Clearnode == nil {
		return errors.New("config: No Clearnode block was present")
	}
	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	if c.Auth == nil {
		c.Auth = new(Auth)
	}
	if c.Chain == nil {
		c.Chain = new(Chain)
	}
	if c.Store == nil {
		c.Store = new(Store)
	}
	if c.Wallet == nil {
		c.Wallet = new(Wallet)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Clearnode.validate(); err != nil {
		return err
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.Chain.validate(); err != nil {
		return err
	}
	return c.Wallet.validate()
}

// EngineConfig returns the engine parameters. The configuration must be validated.
func (c *Config) EngineConfig() engine.Config {
	allowances := make([]wire.Allowance, len(c.Auth.Allowances))
	for i, a := range c.Auth.Allowances {
		allowances[i] = wire.Allowance{Asset: a.Asset, Amount: a.Amount}
	}
	return engine.Config{
		RPC: rpc.Config{
			RequestTimeout:       c.Clearnode.RequestTimeout,
			ReconnectDelays:      c.Clearnode.ReconnectDelays,
			MaxReconnectAttempts: c.Clearnode.MaxReconnectAttempts,
		},
		Auth: auth.Params{
			Application: c.Auth.Application,
			Scope:       c.Auth.Scope,
			Allowances:  allowances,
			Retries:     c.Auth.Retries,
			RetryDelays: c.Auth.RetryDelays,
		},
		SessionTTL: c.Auth.SessionTTL,
		Channel: channel.Config{
			ChainID:      new(big.Int).SetUint64(c.Chain.ChainID),
			Token:        common.HexToAddress(c.Chain.TokenAddress),
			Adjudicator:  common.HexToAddress(c.Chain.AdjudicatorAddress),
			Asset:        c.Chain.Asset,
			Decimals:     c.Chain.Decimals,
			IndexerDelay: c.Chain.IndexerDelay,
		},
	}
}

// Load parses and validates the provided buffer b as a config file body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
