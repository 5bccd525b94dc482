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
	"net/http"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
)

// DefaultReadLimit bounds the size of a single inbound frame.
const DefaultReadLimit = 1 << 20

// Conn is a message oriented duplex connection to the coordinator. Read is only called from a
// single goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections to the coordinator.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the coordinator's websocket endpoint.
type WebsocketDialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

// NewWebsocketDialer returns a dialer for url with the default read limit.
func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{URL: url, ReadLimit: DefaultReadLimit}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: d.Header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "dialing %s", d.URL)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
