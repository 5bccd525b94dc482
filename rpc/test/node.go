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

// Package test provides an in-memory clearnode for tests.
package test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

var (
	// ErrNoReply makes the node swallow a request.
	ErrNoReply = errors.New("no reply")
	ErrClosed  = errors.New("connection closed")
	ErrRefused = errors.New("connection refused")
)

// Request is a request as received by the node.
type Request struct {
	wire.Request
	Sigs []hexutil.Bytes
}

// Handler answers a request. A returned error is sent back as an error frame unless it is
// ErrNoReply.
type Handler func(req Request) (interface{}, error)

// Node is a scripted clearnode. It implements rpc.Dialer.
type Node struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	requests  []Request
	conn      *Conn
	dials     int
	failDials int
	revoked   map[string]bool
}

var _ rpc.Dialer = (*Node)(nil)

func NewNode() *Node {
	n := &Node{handlers: make(map[string]Handler), revoked: make(map[string]bool)}
	n.Handle(wire.MethodPing, func(Request) (interface{}, error) { return struct{}{}, nil })
	return n
}

// Handle installs h for method, replacing any previous handler.
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// FailDials makes the next k dials fail.
func (n *Node) FailDials(k int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failDials = k
}

func (n *Node) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Requests returns all received requests of method, including resent ones.
func (n *Node) Requests(method string) []Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Request
	for _, r := range n.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (n *Node) Calls(method string) int {
	return len(n.Requests(method))
}

func (n *Node) Dial(ctx context.Context) (rpc.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials++
	if n.failDials > 0 {
		n.failDials--
		return nil, ErrRefused
	}
	n.conn = &Conn{node: n, in: make(chan []byte, 64), closed: make(chan struct{})}
	return n.conn, nil
}

// Drop closes the current connection from the node's side.
func (n *Node) Drop() {
	n.mu.Lock()
	c := n.conn
	n.conn = nil
	n.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// IssueToken returns a bearer token binding account to sessionKey. Tokens carry their claims, so
// every node accepts tokens issued by another one.
func IssueToken(account, sessionKey common.Address) string {
	return "jwt." + account.Hex() + "." + sessionKey.Hex()
}

// Revoke makes the node reject token.
func (n *Node) Revoke(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked[token] = true
}

// ResumeSession answers an auth_verify carrying a bearer token. The token must have been issued by
// IssueToken, not be revoked and the request must be signed by the session key it names.
func (n *Node) ResumeSession(req Request) (wire.AuthVerifyResult, error) {
	var p wire.AuthVerifyParams
	if err := Params(req, &p); err != nil {
		return wire.AuthVerifyResult{}, err
	}
	n.mu.Lock()
	revoked := n.revoked[p.JWT]
	n.mu.Unlock()
	claims := strings.Split(p.JWT, ".")
	if revoked || len(claims) != 3 || claims[0] != "jwt" ||
		!common.IsHexAddress(claims[1]) || !common.IsHexAddress(claims[2]) {
		return wire.AuthVerifyResult{}, errors.New("invalid token")
	}
	if len(req.Sigs) != 1 {
		return wire.AuthVerifyResult{}, errors.New("missing signature")
	}
	canon, err := req.CanonicalJSON()
	if err != nil {
		return wire.AuthVerifyResult{}, err
	}
	signer, err := wallet.RecoverSigner(crypto.Keccak256(canon), req.Sigs[0])
	if err != nil || signer != common.HexToAddress(claims[2]) {
		return wire.AuthVerifyResult{}, errors.New("token not issued to the signing session key")
	}
	return wire.AuthVerifyResult{
		Address:    claims[1],
		SessionKey: claims[2],
		JWTToken:   p.JWT,
		Success:    true,
	}, nil
}

// Push sends a notification on the current connection.
func (n *Node) Push(method string, payload interface{}) error {
	n.mu.Lock()
	c := n.conn
	n.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	frame, err := wire.EncodeResponse(0, method, payload, 0)
	if err != nil {
		return err
	}
	return c.deliver(frame)
}

// Send delivers a raw frame on the current connection.
func (n *Node) Send(frame []byte) error {
	n.mu.Lock()
	c := n.conn
	n.mu.Unlock()
	if c == nil {
		return ErrClosed
	}
	return c.deliver(frame)
}

func (n *Node) serve(c *Conn, data []byte) {
	f, err := wire.DecodeRequestFrame(data)
	if err != nil {
		return
	}
	req := Request{Request: f.Req, Sigs: f.Sig}
	n.mu.Lock()
	n.requests = append(n.requests, req)
	h := n.handlers[req.Method]
	n.mu.Unlock()

	if h == nil {
		c.reply(errorFrame(req, "unknown method "+req.Method))
		return
	}
	go func() {
		res, err := h(req)
		switch {
		case errors.Is(err, ErrNoReply):
			return
		case err != nil:
			c.reply(errorFrame(req, err.Error()))
		default:
			frame, err := wire.EncodeResponse(req.ID, req.Method, res, req.Timestamp)
			if err != nil {
				c.reply(errorFrame(req, err.Error()))
				return
			}
			c.reply(frame)
		}
	}()
}

func errorFrame(req Request, msg string) []byte {
	frame, _ := wire.EncodeResponse(req.ID, wire.MethodError, map[string]string{"error": msg}, req.Timestamp)
	return frame
}

// Conn is the client side of an in-memory connection.
type Conn struct {
	node      *Node
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.node.serve(c, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) deliver(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case c.in <- frame:
		return nil
	}
}

func (c *Conn) reply(frame []byte) {
	_ = c.deliver(frame)
}

// Params decodes the params of req into v.
func Params(req Request, v interface{}) error {
	return json.Unmarshal(req.Params, v)
}
