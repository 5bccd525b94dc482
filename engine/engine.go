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

// Package engine composes the transport, authentication, channel and payment components into one
// explicitly constructed client and keeps its session snapshot up to date.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/auth"
	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/metrics"
	"perun.network/perun-clearnode-client/payment"
	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/store"
	"perun.network/perun-clearnode-client/wallet"
)

// Config holds the parameters of all components.
type Config struct {
	RPC        rpc.Config
	Auth       auth.Params
	SessionTTL time.Duration
	Channel    channel.Config
}

// Status is a point in time view of the engine.
type Status struct {
	Connection    rpc.Status
	Auth          auth.State
	Authenticated bool
	Channel       channel.Status
}

// Engine is a client of one clearnode for one primary wallet.
type Engine struct {
	cfg    Config
	signer wallet.Signer
	store  store.Store
	bus    *event.Bus

	keys     *wallet.KeyManager
	client   *rpc.Client
	auth     *auth.Machine
	funder   *channel.Funder
	channels *channel.Machine
	payments *payment.Client
	executor *payment.Executor

	log log.Embedding

	mu      sync.Mutex
	now     func() time.Time
	resumed bool
}

var (
	_ channel.Session = (*Engine)(nil)
	_ payment.Session = (*Engine)(nil)
)

// New wires an engine. custody may be nil if only unified channels are used. A nil store keeps the
// snapshot in memory and a nil metrics disables instrumentation.
func New(dialer rpc.Dialer, signer wallet.Signer, custody channel.Custody, st store.Store, m *metrics.Metrics, cfg Config) *Engine {
	if st == nil {
		st = store.NewMemStore()
	}
	e := &Engine{
		cfg:    cfg,
		signer: signer,
		store:  st,
		bus:    event.NewBus(),
		keys:   wallet.NewKeyManager(cfg.SessionTTL),
		log:    log.MakeEmbedding(log.Default()),
		now:    time.Now,
	}
	e.client = rpc.NewClient(dialer, e.keys, e.bus, m, cfg.RPC)
	e.auth = auth.NewMachine(e.client, e.keys, signer, e.bus, cfg.Auth)
	e.funder = channel.NewFunder(e.client, custody, signer, e.keys, cfg.Channel)
	adj := channel.NewAdjudicator(e.client, e, custody, signer)
	e.channels = channel.NewMachine(e.funder, adj, e.bus, m)
	e.payments = payment.NewClient(e.client, e, e.channels, payment.NewLedger(), e.bus, m,
		payment.Config{Asset: cfg.Channel.Asset, Decimals: cfg.Channel.Decimals})
	e.executor = payment.NewExecutor(e.payments)

	e.client.SetHooks(rpc.Hooks{
		OnConnectionLost: e.connectionLost,
		OnReconnected:    e.reconnected,
	})
	e.client.OnPush(e.handlePush)
	return e
}

// SetClock replaces the time source of the engine and its components.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	e.keys.SetClock(now)
	e.auth.SetClock(now)
	e.client.SetClock(now)
}

// SetFunderSleep replaces the wait for the coordinator's indexer in resize mode.
func (e *Engine) SetFunderSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.funder.SetSleep(sleep)
}

func (e *Engine) Bus() *event.Bus { return e.bus }

func (e *Engine) Address() common.Address { return e.signer.Address() }

func (e *Engine) Status() Status {
	return Status{
		Connection:    e.client.Status(),
		Auth:          e.auth.State(),
		Authenticated: e.auth.Authenticated(),
		Channel:       e.channels.Status(),
	}
}

// Connect opens the connection to the clearnode.
func (e *Engine) Connect(ctx context.Context) error {
	return e.client.Connect(ctx)
}

// Disconnect persists the session and closes the connection without reconnecting.
func (e *Engine) Disconnect() {
	e.persist()
	e.client.Disconnect()
}

// Authenticate runs the handshake with retries and persists the new session.
func (e *Engine) Authenticate(ctx context.Context) (auth.Credential, error) {
	cred, err := e.auth.AuthenticateWithRetry(ctx)
	if err != nil {
		return auth.Credential{}, err
	}
	e.persist()
	return cred, nil
}

// Authenticated reports whether a valid session credential and key are held.
func (e *Engine) Authenticated() bool {
	return e.auth.Authenticated()
}

// EnsureAuthenticated waits for the connection and makes sure the session is accepted on it,
// confirming a held credential before falling back to a new handshake.
func (e *Engine) EnsureAuthenticated(ctx context.Context) error {
	s, err := e.client.Await(ctx, func(s rpc.Status) bool { return s.Online() || s == rpc.StatusError })
	if err != nil {
		return failure.Wrap(err, failure.ConnectionLost, "waiting for connection")
	}
	if s == rpc.StatusError {
		return failure.New(failure.ConnectionFailed, "connection to clearnode failed").Fatal()
	}
	if s == rpc.StatusAuthenticated && e.auth.Authenticated() {
		return nil
	}
	if e.auth.Resume(ctx) {
		e.client.SetStatus(rpc.StatusAuthenticated)
		e.persist()
		return nil
	}
	if e.auth.Authenticated() {
		// Not rejected, the clearnode could not be reached.
		return failure.New(failure.ConnectionLost, "could not confirm session with clearnode")
	}
	_, err = e.Authenticate(ctx)
	return err
}

// Open creates and funds a channel of amount base units.
func (e *Engine) Open(ctx context.Context, mode channel.Mode, amount *big.Int) (*channel.Channel, error) {
	if !e.auth.Authenticated() {
		return nil, failure.New(failure.SessionExpired, "not authenticated")
	}
	ch, err := e.channels.Open(ctx, mode, amount)
	if err != nil {
		return nil, err
	}
	e.persist()
	return ch, nil
}

// Transfer pays amount base units to destination from the open channel.
func (e *Engine) Transfer(ctx context.Context, destination common.Address, amount *big.Int, label string) (*payment.Record, error) {
	rec, err := e.payments.Transfer(ctx, destination, amount, label)
	if err != nil {
		return nil, err
	}
	e.persist()
	return rec, nil
}

// PayMany executes legs and then fee sequentially, stopping at the first failure.
func (e *Engine) PayMany(ctx context.Context, legs []payment.Leg, fee *payment.Leg) *payment.Result {
	res := e.executor.Execute(ctx, legs, fee)
	if res.TotalPaid().Sign() > 0 {
		e.persist()
	}
	return res
}

// Rollback records compensation intents for the completed legs of res.
func (e *Engine) Rollback(res *payment.Result, reason string) []payment.RollbackIntent {
	return e.executor.Rollback(res, reason)
}

func (e *Engine) RollbackIntents() []payment.RollbackIntent {
	return e.executor.Intents()
}

// Close settles the channel and returns the amount paid out to the holder. The snapshot is cleared
// once the channel is closed.
func (e *Engine) Close(ctx context.Context) (*big.Int, error) {
	payout, err := e.channels.Close(ctx)
	if err != nil {
		e.persist()
		return nil, err
	}
	if err := e.store.Clear(); err != nil {
		e.log.Log().Errorf("Clearing snapshot: %v", err)
	}
	return payout, nil
}

// QueryBalance returns the locally tracked balance of the open channel.
func (e *Engine) QueryBalance() (*big.Int, error) {
	return e.channels.Balance()
}

// Channel returns a copy of the open channel.
func (e *Engine) Channel() (*channel.Channel, error) {
	return e.channels.Channel()
}

// LedgerBalance returns the unified off-chain balance of the configured asset.
func (e *Engine) LedgerBalance(ctx context.Context) (*big.Int, error) {
	return e.funder.LedgerBalance(ctx, e.cfg.Channel.Asset)
}

func (e *Engine) History() []payment.Record {
	return e.payments.Ledger().History()
}

// Logout drops the session credential and key. An open channel stays in the snapshot so it can be
// closed after authenticating again.
func (e *Engine) Logout() error {
	e.auth.Clear()
	if e.client.Status() == rpc.StatusAuthenticated {
		e.client.SetStatus(rpc.StatusConnected)
	}
	if _, err := e.channels.Channel(); err == nil {
		e.log.Log().Warn("Logging out with an open channel")
		return e.save()
	}
	return e.store.Clear()
}

// Resume restores the persisted session and channel. It only reads the snapshot on its first call
// and reports whether anything was restored. An expired session is dropped while the channel is
// still restored. If the engine is connected, the restored session is confirmed with the clearnode.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.resumed {
		e.mu.Unlock()
		return false, nil
	}
	e.resumed = true
	now := e.now()
	e.mu.Unlock()

	snap, err := e.store.Load()
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if snap.Address != e.signer.Address() {
		e.log.Log().Warnf("Ignoring snapshot of %s", snap.Address.Hex())
		return false, nil
	}
	e.log.Log().Infof("Resuming %s", snap)

	restored := false
	if snap.Valid(now) && e.keys.Restore(snap.SessionKey, snap.ExpiresAt) {
		sk, _ := e.keys.Current()
		restored = e.auth.Restore(auth.Credential{
			Address:    snap.Address,
			SessionKey: sk.Address,
			Token:      snap.Token,
			ExpiresAt:  snap.ExpiresAt,
		})
	}
	if !restored {
		e.keys.Clear()
		e.log.Log().Info("Persisted session expired")
	}
	if snap.Channel != nil {
		e.channels.Restore(snap.Channel)
		restored = true
	}

	if e.auth.Authenticated() && e.client.Status().Online() {
		if e.auth.Resume(ctx) {
			e.client.SetStatus(rpc.StatusAuthenticated)
		}
	}
	e.persist()
	return restored, nil
}

// reconnected presents the held session on a new connection and persists a refreshed token.
func (e *Engine) reconnected(ctx context.Context) bool {
	if !e.auth.Resume(ctx) {
		return false
	}
	e.persist()
	return true
}

func (e *Engine) connectionLost() {
	if e.channels.Status() == channel.StatusActive {
		e.persist()
	}
}

// persist saves the current session and channel, or clears the snapshot if there is neither.
func (e *Engine) persist() {
	if err := e.save(); err != nil {
		e.log.Log().Errorf("Persisting session: %v", err)
		e.bus.Emit(&event.Error{Err: err})
	}
}

func (e *Engine) save() error {
	e.mu.Lock()
	now := e.now()
	e.mu.Unlock()

	snap := &store.Snapshot{Address: e.signer.Address(), SavedAt: now}
	if cred, ok := e.auth.Credential(); ok {
		if key, err := e.keys.PrivateKeyHex(); err == nil {
			snap.SessionKey, snap.Token, snap.ExpiresAt = key, cred.Token, cred.ExpiresAt
		}
	}
	if ch, err := e.channels.Channel(); err == nil {
		snap.Channel = ch
	}
	if snap.Token == "" && snap.Channel == nil {
		return e.store.Clear()
	}
	return e.store.Save(snap)
}
