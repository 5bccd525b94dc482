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

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/metrics"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

const (
	DefaultRequestTimeout       = 10 * time.Second
	DefaultMaxReconnectAttempts = 6
)

// DefaultReconnectDelays is the backoff ladder between reconnection attempts. The last entry is
// reused once the ladder is exhausted.
var DefaultReconnectDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
}

type Config struct {
	RequestTimeout       time.Duration
	ReconnectDelays      []time.Duration
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:       DefaultRequestTimeout,
		ReconnectDelays:      DefaultReconnectDelays,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// RequestSigner signs outbound requests with the session key. *wallet.KeyManager implements it.
type RequestSigner interface {
	HasValid() bool
	SignRequest(req wallet.Canonical) ([]byte, error)
}

// PushHandler receives unsolicited notifications. It runs on the read goroutine and must not
// issue requests itself.
type PushHandler func(method string, payload json.RawMessage)

// Hooks let the owner of the client take part in connection recovery.
type Hooks struct {
	// OnConnectionLost runs after an unexpected close, before reconnection starts.
	OnConnectionLost func()
	// OnReconnected runs after a successful reconnection. Returning true restores the
	// authenticated status.
	OnReconnected func(ctx context.Context) bool
}

// RemoteError is a rejection reported by the coordinator.
type RemoteError struct {
	ID      uint64
	Method  string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("clearnode rejected %s request %d: %s", e.Method, e.ID, e.Message)
}

// AsRemote unwraps a coordinator rejection.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	id      uint64
	method  string
	frame   []byte
	retried bool
	timer   *time.Timer
	done    chan result
}

// Client is the request/response channel to the coordinator. Requests are correlated by id, so
// responses may arrive in any order.
type Client struct {
	dialer  Dialer
	signer  RequestSigner
	bus     *event.Bus
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	log     log.Embedding

	mu         sync.Mutex
	conn       Conn
	connCancel context.CancelFunc
	status     Status
	statusCh   chan struct{}
	nextID     uint64
	pending    map[uint64]*pendingRequest
	pushes     []PushHandler
	hooks      Hooks
	reconnect  *pkgsync.Closer
	attempts   int
	closed     bool

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. signer and m may be nil.
func NewClient(dialer Dialer, signer RequestSigner, bus *event.Bus, m *metrics.Metrics, cfg Config) *Client {
	if bus == nil {
		bus = event.NewBus()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = DefaultReconnectDelays
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Client{
		dialer:   dialer,
		signer:   signer,
		bus:      bus,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		log:      log.MakeEmbedding(log.Default()),
		status:   StatusDisconnected,
		statusCh: make(chan struct{}),
		pending:  make(map[uint64]*pendingRequest),
	}
}

// SetClock replaces the clock used for request timestamps.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// OnPush registers h for push notifications.
func (c *Client) OnPush(h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, h)
}

func (c *Client) Bus() *event.Bus {
	return c.bus
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus moves the client to s and emits a StatusChanged event if the status changed.
func (c *Client) SetStatus(s Status) {
	c.mu.Lock()
	from := c.status
	if from != s {
		c.status = s
		close(c.statusCh)
		c.statusCh = make(chan struct{})
	}
	c.mu.Unlock()
	if from != s {
		c.log.Log().Debugf("Connection status %s -> %s", from, s)
		c.bus.Emit(&event.StatusChanged{Subject: event.SubjectConnection, From: string(from), To: string(s)})
	}
}

// Await blocks until the status satisfies cond or ctx is done.
func (c *Client) Await(ctx context.Context, cond func(Status) bool) (Status, error) {
	for {
		c.mu.Lock()
		s, ch := c.status, c.statusCh
		c.mu.Unlock()
		if cond(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Reconnecting reports whether the reconnection loop is running.
func (c *Client) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// ReconnectAttempts returns the number of attempts made since the last successful connection.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the connection. It is a no-op if already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	c.SetStatus(StatusConnecting)
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.SetStatus(StatusError)
		return failure.Wrap(err, failure.ConnectionFailed, "connecting to clearnode")
	}
	if !c.attach(conn) {
		return c.errNotConnected()
	}
	c.SetStatus(StatusConnected)
	return nil
}

// Disconnect closes the connection, cancels any reconnection in progress and fails all pending
// requests. No reconnection is attempted afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel = nil, nil
	rc := c.reconnect
	c.reconnect = nil
	pending := c.takePendingLocked()
	c.mu.Unlock()

	if rc != nil {
		_ = rc.Close()
	}
	c.failAll(pending, failure.New(failure.ConnectionLost, "client disconnected").Fatal())
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Log().Debugf("Closing connection: %v", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.SetStatus(StatusDisconnected)
}

// Send issues method with params and waits for the response. If requiresAuth is set and a valid
// session key is held, the request is signed with it. Abandoning ctx returns early but leaves the
// request pending until it is answered or times out.
func (c *Client) Send(ctx context.Context, method string, params interface{}, requiresAuth bool) (json.RawMessage, error) {
	return c.send(ctx, method, params, func(req wire.Request) ([]hexutil.Bytes, error) {
		if !requiresAuth || c.signer == nil || !c.signer.HasValid() {
			return nil, nil
		}
		sig, err := c.signer.SignRequest(req)
		if err != nil {
			return nil, err
		}
		return []hexutil.Bytes{sig}, nil
	})
}

// SendWithSignatures issues a request carrying caller supplied signatures.
func (c *Client) SendWithSignatures(ctx context.Context, method string, params interface{}, sigs ...[]byte) (json.RawMessage, error) {
	return c.send(ctx, method, params, func(wire.Request) ([]hexutil.Bytes, error) {
		out := make([]hexutil.Bytes, len(sigs))
		for i, s := range sigs {
			out[i] = s
		}
		return out, nil
	})
}

func (c *Client) send(ctx context.Context, method string, params interface{}, sign func(wire.Request) ([]hexutil.Bytes, error)) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, c.errNotConnected()
	}
	c.nextID++
	id, now := c.nextID, c.now
	c.mu.Unlock()

	req, err := wire.NewRequest(id, method, params, uint64(now().UnixMilli()))
	if err != nil {
		return nil, err
	}
	sigs, err := sign(req)
	if err != nil {
		return nil, err
	}
	frame, err := wire.RequestFrame{Req: req, Sig: sigs}.Encode()
	if err != nil {
		return nil, errors.WithMessage(err, "encoding request frame")
	}

	p := &pendingRequest{id: id, method: method, frame: frame, done: make(chan result, 1)}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, failure.New(failure.ConnectionLost, "connection lost before sending "+method)
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.expire(id) })
	c.mu.Unlock()

	c.metrics.RPCRequest(method)
	c.log.Log().Debugf("Sending %s request %d", method, id)
	if err := c.write(conn, frame); err != nil && c.remove(id) {
		return nil, failure.Wrap(err, failure.ConnectionLost, "sending "+method)
	}

	select {
	case r := <-p.done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expire handles a request timeout. The first timeout resends the identical frame, the second
// rejects the waiter.
func (c *Client) expire(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !p.retried {
		p.retried = true
		p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.expire(id) })
		conn := c.conn
		c.mu.Unlock()

		c.metrics.RPCRetry()
		c.log.Log().Warnf("%s request %d timed out, retrying", p.method, id)
		if conn != nil {
			if err := c.write(conn, p.frame); err != nil {
				c.log.Log().Warnf("Resending %s request %d: %v", p.method, id, err)
			}
		}
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.metrics.RPCTimeout()
	p.done <- result{err: failure.Newf(failure.RPCTimeout, "%s request %d: no response after retry", p.method, id)}
}

func (c *Client) write(conn Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, frame)
}

// remove drops a pending request. It reports whether the request was still pending.
func (c *Client) remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
	return ok
}

func (c *Client) takePendingLocked() map[uint64]*pendingRequest {
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	for _, p := range pending {
		p.timer.Stop()
	}
	return pending
}

func (c *Client) failAll(pending map[uint64]*pendingRequest, err error) {
	for _, p := range pending {
		p.done <- result{err: err}
	}
}

func (c *Client) errNotConnected() error {
	if c.Reconnecting() {
		return failure.New(failure.ConnectionLost, "reconnecting to clearnode")
	}
	return failure.New(failure.ConnectionFailed, "not connected to clearnode")
}

func (c *Client) attach(conn Conn) bool {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return false
	}
	c.conn, c.connCancel = conn, cancel
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return true
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		c.log.Log().Warnf("Dropping inbound frame: %v", err)
		return
	}
	if f.Kind == wire.KindPush {
		c.mu.Lock()
		handlers := append([]PushHandler(nil), c.pushes...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(f.Method, f.Result)
		}
		return
	}

	c.mu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		p.timer.Stop()
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Log().Debugf("Ignoring %s response %d without pending request", f.Method, f.ID)
		return
	}

	if f.Kind == wire.KindError {
		p.done <- result{err: &RemoteError{ID: f.ID, Method: p.method, Code: f.Err.Code, Message: f.Err.Message}}
		return
	}
	if f.Method != p.method {
		c.log.Log().Debugf("Response %d answers %s with method %s", f.ID, p.method, f.Method)
	}
	p.done <- result{raw: f.Result}
}

func (c *Client) connectionLost(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	explicit := c.closed
	hooks := c.hooks
	pending := c.takePendingLocked()
	c.mu.Unlock()

	_ = conn.Close()
	lost := failure.Wrap(cause, failure.ConnectionLost, "connection to clearnode lost")
	if explicit {
		c.failAll(pending, lost)
		return
	}

	// Waiters are failed last so that a retry observes the disconnected status and the running
	// reconnection.
	c.log.Log().Warnf("Connection lost: %v", cause)
	c.SetStatus(StatusDisconnected)
	c.bus.Emit(&event.Error{Err: lost})
	if hooks.OnConnectionLost != nil {
		hooks.OnConnectionLost()
	}
	c.startReconnect()
	c.failAll(pending, lost)
}

func (c *Client) startReconnect() {
	closer := new(pkgsync.Closer)
	c.mu.Lock()
	if c.reconnect != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnect = closer
	c.mu.Unlock()
	go c.reconnectLoop(closer)
}

func (c *Client) reconnectLoop(closer *pkgsync.Closer) {
	release := func() {
		c.mu.Lock()
		if c.reconnect == closer {
			c.reconnect = nil
		}
		c.mu.Unlock()
	}
	defer release()

	limit := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= limit; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		select {
		case <-closer.Closed():
			return
		case <-time.After(c.reconnectDelay(attempt)):
		}

		c.metrics.Reconnect()
		c.SetStatus(StatusConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		conn, err := c.dialer.Dial(ctx)
		cancel()
		if err != nil {
			c.log.Log().Warnf("Reconnect attempt %d/%d failed: %v", attempt, limit, err)
			c.SetStatus(StatusDisconnected)
			continue
		}
		if closer.IsClosed() {
			_ = conn.Close()
			return
		}
		if !c.attach(conn) {
			return
		}
		release()
		c.log.Log().Infof("Reconnected after %d attempt(s)", attempt)
		c.SetStatus(StatusConnected)
		c.resume()
		return
	}

	c.SetStatus(StatusError)
	c.bus.Emit(&event.Error{
		Err: failure.Newf(failure.ConnectionFailed, "giving up after %d reconnect attempts", limit).Fatal(),
	})
}

func (c *Client) resume() {
	c.mu.Lock()
	h := c.hooks.OnReconnected
	c.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*c.cfg.RequestTimeout)
	defer cancel()
	if h(ctx) {
		c.SetStatus(StatusAuthenticated)
	}
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	d := c.cfg.ReconnectDelays
	if attempt-1 < len(d) {
		return d[attempt-1]
	}
	return d[len(d)-1]
}
