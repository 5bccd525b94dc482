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

package rpc_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/rpc"
	rpctest "perun.network/perun-clearnode-client/rpc/test"
	"perun.network/perun-clearnode-client/wallet"
	"perun.network/perun-clearnode-client/wire"
)

func testConfig() rpc.Config {
	return rpc.Config{
		RequestTimeout:       100 * time.Millisecond,
		ReconnectDelays:      []time.Duration{10 * time.Millisecond},
		MaxReconnectAttempts: 3,
	}
}

func connected(t *testing.T, node *rpctest.Node, signer rpc.RequestSigner) *rpc.Client {
	t.Helper()
	c := rpc.NewClient(node, signer, event.NewBus(), nil, testConfig())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	node := rpctest.NewNode()
	release := make(chan struct{})
	node.Handle("slow", func(rpctest.Request) (interface{}, error) {
		<-release
		return map[string]string{"v": "slow"}, nil
	})
	node.Handle("fast", func(rpctest.Request) (interface{}, error) {
		return map[string]string{"v": "fast"}, nil
	})
	c := rpc.NewClient(node, nil, nil, nil, rpc.Config{RequestTimeout: 5 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	type reply struct {
		raw json.RawMessage
		err error
	}
	slow := make(chan reply, 1)
	go func() {
		raw, err := c.Send(context.Background(), "slow", nil, false)
		slow <- reply{raw, err}
	}()
	require.Eventually(t, func() bool { return node.Calls("slow") == 1 }, time.Second, 5*time.Millisecond)

	raw, err := c.Send(context.Background(), "fast", nil, false)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":"fast"}`, string(raw))

	close(release)
	r := <-slow
	require.NoError(t, r.err)
	require.JSONEq(t, `{"v":"slow"}`, string(r.raw))
}

func TestClient_TimeoutRetriesExactlyOnce(t *testing.T) {
	node := rpctest.NewNode()
	node.Handle(wire.MethodTransfer, func(rpctest.Request) (interface{}, error) {
		return nil, rpctest.ErrNoReply
	})
	c := connected(t, node, nil)

	_, err := c.Send(context.Background(), wire.MethodTransfer, nil, false)
	require.True(t, failure.Is(err, failure.RPCTimeout), "got %v", err)
	require.True(t, failure.IsRecoverable(err))

	reqs := node.Requests(wire.MethodTransfer)
	require.Len(t, reqs, 2)
	require.Equal(t, reqs[0].ID, reqs[1].ID, "retry must reuse the request id")
	require.Equal(t, reqs[0].Timestamp, reqs[1].Timestamp)

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 2, node.Calls(wire.MethodTransfer), "no further resends after rejection")
}

func TestClient_RetryAnswered(t *testing.T) {
	node := rpctest.NewNode()
	var calls int32
	node.Handle(wire.MethodPing, func(rpctest.Request) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, rpctest.ErrNoReply
		}
		return struct{}{}, nil
	})
	c := connected(t, node, nil)

	_, err := c.Send(context.Background(), wire.MethodPing, nil, false)
	require.NoError(t, err)
	require.Equal(t, 2, node.Calls(wire.MethodPing))
}

func TestClient_ErrorFrameRejects(t *testing.T) {
	node := rpctest.NewNode()
	node.Handle(wire.MethodTransfer, func(rpctest.Request) (interface{}, error) {
		return nil, errors.New("insufficient funds")
	})
	c := connected(t, node, nil)

	_, err := c.Send(context.Background(), wire.MethodTransfer, nil, false)
	re, ok := rpc.AsRemote(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, "insufficient funds", re.Message)
	require.Equal(t, wire.MethodTransfer, re.Method)
}

func TestClient_IDsIncrease(t *testing.T) {
	node := rpctest.NewNode()
	c := connected(t, node, nil)
	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), wire.MethodPing, nil, false)
		require.NoError(t, err)
	}
	reqs := node.Requests(wire.MethodPing)
	require.Len(t, reqs, 3)
	for i := 1; i < len(reqs); i++ {
		require.Greater(t, reqs[i].ID, reqs[i-1].ID)
	}
}

func TestClient_SignsOnlyAuthenticatedRequests(t *testing.T) {
	keys := wallet.NewKeyManager(time.Hour)
	sk, err := keys.Generate()
	require.NoError(t, err)
	node := rpctest.NewNode()
	c := connected(t, node, keys)

	_, err = c.Send(context.Background(), wire.MethodPing, nil, false)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), wire.MethodPing, map[string]int{"n": 1}, true)
	require.NoError(t, err)

	reqs := node.Requests(wire.MethodPing)
	require.Len(t, reqs, 2)
	require.Empty(t, reqs[0].Sigs)
	require.Len(t, reqs[1].Sigs, 1)

	canon, err := reqs[1].CanonicalJSON()
	require.NoError(t, err)
	signer, err := wallet.RecoverSigner(crypto.Keccak256(canon), reqs[1].Sigs[0])
	require.NoError(t, err)
	require.Equal(t, sk.Address, signer)
}

func TestClient_ExplicitSignatures(t *testing.T) {
	node := rpctest.NewNode()
	c := connected(t, node, nil)
	sig := make([]byte, wallet.SignatureLength)
	sig[0] = 0xaa
	_, err := c.SendWithSignatures(context.Background(), wire.MethodPing, nil, sig)
	require.NoError(t, err)
	reqs := node.Requests(wire.MethodPing)
	require.Len(t, reqs, 1)
	require.Equal(t, sig, []byte(reqs[0].Sigs[0]))
}

func TestClient_PushDispatch(t *testing.T) {
	node := rpctest.NewNode()
	c := connected(t, node, nil)

	var mu sync.Mutex
	var got []string
	c.OnPush(func(method string, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, method)
	})

	require.NoError(t, node.Push(wire.PushBalanceUpdate, wire.BalanceUpdate{
		BalanceUpdates: []wire.LedgerBalance{{Asset: "usdc", Amount: "1.5"}},
	}))
	require.NoError(t, node.Push(wire.PushTransfer, map[string]interface{}{}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{wire.PushBalanceUpdate, wire.PushTransfer}, got)
}

func TestClient_NotConnected(t *testing.T) {
	c := rpc.NewClient(rpctest.NewNode(), nil, nil, nil, testConfig())
	_, err := c.Send(context.Background(), wire.MethodPing, nil, false)
	require.True(t, failure.Is(err, failure.ConnectionFailed))
}

func TestClient_ConnectFailure(t *testing.T) {
	node := rpctest.NewNode()
	node.FailDials(1)
	c := rpc.NewClient(node, nil, nil, nil, testConfig())
	err := c.Connect(context.Background())
	require.True(t, failure.Is(err, failure.ConnectionFailed))
	require.Equal(t, rpc.StatusError, c.Status())
}

func TestClient_PendingFailsOnDrop(t *testing.T) {
	node := rpctest.NewNode()
	node.Handle(wire.MethodTransfer, func(rpctest.Request) (interface{}, error) {
		return nil, rpctest.ErrNoReply
	})
	c := rpc.NewClient(node, nil, nil, nil, rpc.Config{
		RequestTimeout:       5 * time.Second,
		ReconnectDelays:      []time.Duration{time.Hour},
		MaxReconnectAttempts: 1,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), wire.MethodTransfer, nil, false)
		errc <- err
	}()
	require.Eventually(t, func() bool { return node.Calls(wire.MethodTransfer) == 1 }, time.Second, 5*time.Millisecond)
	node.Drop()

	select {
	case err := <-errc:
		require.True(t, failure.Is(err, failure.ConnectionLost), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on connection loss")
	}
	require.True(t, c.Reconnecting())

	_, err := c.Send(context.Background(), wire.MethodPing, nil, false)
	require.True(t, failure.Is(err, failure.ConnectionLost), "sends while reconnecting report a lost connection")
}

func TestClient_ReconnectRestoresAuthenticated(t *testing.T) {
	node := rpctest.NewNode()
	bus := event.NewBus()
	events, stop := bus.Stream(64)
	defer stop()

	c := rpc.NewClient(node, nil, bus, nil, testConfig())
	var lost, resumed int32
	c.SetHooks(rpc.Hooks{
		OnConnectionLost: func() { atomic.AddInt32(&lost, 1) },
		OnReconnected: func(ctx context.Context) bool {
			atomic.AddInt32(&resumed, 1)
			_, err := c.Send(ctx, wire.MethodPing, nil, true)
			return err == nil
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	c.SetStatus(rpc.StatusAuthenticated)

	node.FailDials(1)
	node.Drop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Await(ctx, func(s rpc.Status) bool { return s == rpc.StatusAuthenticated && node.Dials() == 3 })
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&lost))
	require.EqualValues(t, 1, atomic.LoadInt32(&resumed))
	require.Equal(t, 0, c.ReconnectAttempts())

	var sawLost bool
	for len(events) > 0 {
		if e, ok := (<-events).(*event.Error); ok && e.Code() == failure.ConnectionLost {
			sawLost = true
		}
	}
	require.True(t, sawLost)
}

func TestClient_ReconnectExhausted(t *testing.T) {
	node := rpctest.NewNode()
	bus := event.NewBus()
	errs := make(chan *event.Error, 8)
	bus.Subscribe(func(e event.Event) {
		if ee, ok := e.(*event.Error); ok {
			errs <- ee
		}
	})
	c := rpc.NewClient(node, nil, bus, nil, testConfig())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	node.FailDials(100)
	node.Drop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Await(ctx, func(s rpc.Status) bool { return s == rpc.StatusError })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.Reconnecting() }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1+testConfig().MaxReconnectAttempts, node.Dials())

	require.Equal(t, failure.ConnectionLost, (<-errs).Code())
	final := <-errs
	require.Equal(t, failure.ConnectionFailed, final.Code())
	require.False(t, final.Recoverable())
}

func TestClient_DisconnectCancelsReconnect(t *testing.T) {
	node := rpctest.NewNode()
	c := rpc.NewClient(node, nil, nil, nil, rpc.Config{
		RequestTimeout:       100 * time.Millisecond,
		ReconnectDelays:      []time.Duration{50 * time.Millisecond},
		MaxReconnectAttempts: 10,
	})
	require.NoError(t, c.Connect(context.Background()))
	node.FailDials(100)
	node.Drop()
	require.Eventually(t, c.Reconnecting, time.Second, time.Millisecond)

	c.Disconnect()
	dials := node.Dials()
	time.Sleep(200 * time.Millisecond)
	require.LessOrEqual(t, node.Dials(), dials+1, "at most an in-flight attempt may finish")
	require.False(t, c.Reconnecting())
	require.Equal(t, rpc.StatusDisconnected, c.Status())
}
