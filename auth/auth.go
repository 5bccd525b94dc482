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

// Package auth implements the challenge/response handshake that binds a primary wallet to a
// session key and yields a bearer credential.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"perun.network/go-perun/log"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

// State is the state of the authentication machine.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateError          State = "error"
)

// DefaultRetries is the number of retries after a failed first handshake, one per step of
// DefaultRetryDelays.
const DefaultRetries = 5

// DefaultRetryDelays is the wait before each retry of a failed handshake.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// Credential is the result of a successful handshake.
type Credential struct {
	Address    common.Address
	SessionKey common.Address
	Token      string
	ExpiresAt  time.Time
}

// Valid reports whether the credential is set and unexpired at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{%s session=%s expires=%s token=[redacted]}",
		c.Address.Hex(), c.SessionKey.Hex(), c.ExpiresAt.UTC().Format(time.RFC3339))
}

// Transport is the part of the rpc client used during authentication.
type Transport interface {
	Send(ctx context.Context, method string, params interface{}, requiresAuth bool) (json.RawMessage, error)
	SendWithSignatures(ctx context.Context, method string, params interface{}, sigs ...[]byte) (json.RawMessage, error)
	Status() rpc.Status
	SetStatus(s rpc.Status)
}

var _ Transport = (*rpc.Client)(nil)

// Params describe the authorization requested for the session key.
type Params struct {
	Application string
	Scope       string
	Allowances  []wire.Allowance
	// Retries is the number of retries after the first failed attempt.
	Retries     int
	RetryDelays []time.Duration
}

// Machine drives the handshake. It owns the credential; the session key itself is held by the
// key manager.
type Machine struct {
	transport Transport
	keys      *wallet.KeyManager
	signer    wallet.Signer
	params    Params
	bus       *event.Bus
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	log       log.Embedding

	mu    sync.Mutex
	state State
	cred  Credential
}

// NewMachine creates an idle machine. signer is the primary wallet.
func NewMachine(t Transport, keys *wallet.KeyManager, signer wallet.Signer, bus *event.Bus, params Params) *Machine {
	if params.Retries <= 0 {
		params.Retries = DefaultRetries
	}
	if len(params.RetryDelays) == 0 {
		params.RetryDelays = DefaultRetryDelays
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Machine{
		transport: t,
		keys:      keys,
		signer:    signer,
		params:    params,
		bus:       bus,
		now:       time.Now,
		sleep:     sleepCtx,
		log:       log.MakeEmbedding(log.Default()),
		state:     StateIdle,
	}
}

// SetClock replaces the clock used for credential expiry checks.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetSleep replaces the wait between retries.
func (m *Machine) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleep = sleep
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credential returns the held credential and whether it is still valid.
func (m *Machine) Credential() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.cred.Valid(m.now())
}

// Authenticated reports whether a valid credential and session key are held.
func (m *Machine) Authenticated() bool {
	_, ok := m.Credential()
	return ok && m.keys.HasValid()
}

// Authenticate runs the handshake once.
func (m *Machine) Authenticate(ctx context.Context) (Credential, error) {
	m.setState(StateAuthenticating)
	m.transport.SetStatus(rpc.StatusAuthenticating)

	cred, err := m.handshake(ctx)
	if err != nil {
		m.setState(StateError)
		if m.transport.Status() == rpc.StatusAuthenticating {
			m.transport.SetStatus(rpc.StatusConnected)
		}
		m.log.Log().Warnf("Authentication failed: %v", err)
		return Credential{}, err
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	m.setState(StateAuthenticated)
	m.transport.SetStatus(rpc.StatusAuthenticated)
	m.log.Log().Infof("Authenticated %s", cred)
	return cred, nil
}

// AuthenticateWithRetry runs the handshake until it succeeds, a non-recoverable error occurs or
// the configured number of retries is used up. Retries wait along the retry ladder.
func (m *Machine) AuthenticateWithRetry(ctx context.Context) (Credential, error) {
	var lastErr error
	for retry := 0; ; retry++ {
		cred, err := m.Authenticate(ctx)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		if !failure.IsRecoverable(err) || retry == m.params.Retries {
			break
		}
		delay := m.retryDelay(retry + 1)
		m.log.Log().Infof("Retrying authentication in %s (retry %d/%d)", delay, retry+1, m.params.Retries)
		m.mu.Lock()
		sleep := m.sleep
		m.mu.Unlock()
		if err := sleep(ctx, delay); err != nil {
			return Credential{}, failure.Wrap(err, failure.AuthFailed, "authentication aborted")
		}
	}
	return Credential{}, lastErr
}

// Restore installs a previously issued credential, e.g. from a persisted snapshot. Expired
// credentials are rejected.
func (m *Machine) Restore(cred Credential) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !cred.Valid(m.now()) {
		return false
	}
	m.cred = cred
	m.state = StateAuthenticated
	return true
}

// Resume presents the held bearer token on the current connection. The session is kept only if
// the clearnode accepts the token for the same wallet and session key. A rejection drops the
// credential and the session key; transport failures leave both in place for the next attempt.
func (m *Machine) Resume(ctx context.Context) bool {
	cred, ok := m.Credential()
	if !ok || !m.keys.HasValid() {
		return false
	}
	raw, err := m.transport.Send(ctx, wire.MethodAuthVerify, wire.AuthVerifyParams{JWT: cred.Token}, true)
	if err != nil {
		if _, rejected := rpc.AsRemote(err); rejected {
			m.log.Log().Warnf("Resumed session rejected: %v", err)
			m.Clear()
		} else {
			m.log.Log().Infof("Could not resume session: %v", err)
		}
		return false
	}
	var verified wire.AuthVerifyResult
	if err := wire.Decode(wire.MethodAuthVerify, raw, &verified); err != nil {
		m.log.Log().Warnf("Resumed session rejected: %v", err)
		m.Clear()
		return false
	}
	if common.HexToAddress(verified.Address) != cred.Address ||
		common.HexToAddress(verified.SessionKey) != cred.SessionKey {
		m.log.Log().Warn("Resumed session confirmed a different wallet or session key")
		m.Clear()
		return false
	}

	m.mu.Lock()
	if m.cred.Token == cred.Token {
		m.cred.Token = verified.JWTToken
	}
	m.mu.Unlock()
	m.setState(StateAuthenticated)
	return true
}

// Clear drops the credential and the session key.
func (m *Machine) Clear() {
	m.mu.Lock()
	m.cred = Credential{}
	m.mu.Unlock()
	m.keys.Clear()
	m.setState(StateIdle)
}

func (m *Machine) handshake(ctx context.Context) (Credential, error) {
	sk, err := m.keys.Generate()
	if err != nil {
		return Credential{}, failure.Wrap(err, failure.AuthFailed, "generating session key")
	}
	policy := wire.Policy{
		Application: m.params.Application,
		Scope:       m.params.Scope,
		Wallet:      m.signer.Address(),
		SessionKey:  sk.Address,
		ExpiresAt:   uint64(sk.ExpiresAt.Unix()),
		Allowances:  m.params.Allowances,
	}

	raw, err := m.transport.Send(ctx, wire.MethodAuthRequest, policy.RequestParams(), false)
	if err != nil {
		return Credential{}, authErr(err, "auth_request")
	}
	var challenge wire.AuthRequestResult
	if err := wire.Decode(wire.MethodAuthRequest, raw, &challenge); err != nil {
		return Credential{}, authErr(err, "auth_request")
	}
	policy.Challenge = challenge.ChallengeMessage

	sig, err := m.signer.SignTypedData(ctx, policy.TypedData())
	if err != nil {
		return Credential{}, failure.Wrap(err, failure.AuthFailed, "signing auth policy")
	}

	raw, err = m.transport.SendWithSignatures(ctx, wire.MethodAuthVerify,
		wire.AuthVerifyParams{Challenge: challenge.ChallengeMessage}, sig)
	if err != nil {
		return Credential{}, authErr(err, "auth_verify")
	}
	var verified wire.AuthVerifyResult
	if err := wire.Decode(wire.MethodAuthVerify, raw, &verified); err != nil {
		return Credential{}, authErr(err, "auth_verify")
	}
	if common.HexToAddress(verified.Address) != policy.Wallet ||
		common.HexToAddress(verified.SessionKey) != sk.Address {
		return Credential{}, failure.New(failure.AuthFailed, "auth_verify confirmed a different wallet or session key")
	}

	return Credential{
		Address:    policy.Wallet,
		SessionKey: sk.Address,
		Token:      verified.JWTToken,
		ExpiresAt:  sk.ExpiresAt,
	}, nil
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	from := m.state
	m.state = s
	m.mu.Unlock()
	if from != s {
		m.bus.Emit(&event.StatusChanged{Subject: event.SubjectAuth, From: string(from), To: string(s)})
	}
}

func (m *Machine) retryDelay(attempt int) time.Duration {
	d := m.params.RetryDelays
	if attempt-1 < len(d) {
		return d[attempt-1]
	}
	return d[len(d)-1]
}

// authErr maps a failed step to AuthFailed. Transport loss keeps its own code so callers can
// tell a dead connection from a rejected handshake.
func authErr(err error, step string) error {
	switch failure.CodeOf(err) {
	case failure.ConnectionLost, failure.ConnectionFailed:
		return err
	}
	if re, ok := rpc.AsRemote(err); ok {
		return failure.Wrap(err, failure.AuthFailed, step+" rejected: "+re.Message)
	}
	return failure.Wrap(err, failure.AuthFailed, step+" failed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
