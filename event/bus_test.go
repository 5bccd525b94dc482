package event_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"perun.network/perun-clearnode-client/event"
	"perun.network/perun-clearnode-client/failure"
)

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := event.NewBus()
	var a, b []event.EventType
	unsubA := bus.Subscribe(func(e event.Event) { a = append(a, e.GetType()) })
	bus.Subscribe(func(e event.Event) { b = append(b, e.GetType()) })

	bus.Emit(&event.BalanceUpdated{Balance: big.NewInt(1)})
	unsubA()
	unsubA()
	bus.Emit(&event.StatusChanged{Subject: event.SubjectConnection, From: "connected", To: "authenticated"})

	require.Equal(t, []event.EventType{event.EventTypeBalanceUpdated}, a)
	require.Equal(t, []event.EventType{event.EventTypeBalanceUpdated, event.EventTypeStatusChanged}, b)
}

func TestBusStream(t *testing.T) {
	bus := event.NewBus()
	ch, stop := bus.Stream(1)

	bus.Emit(&event.Error{Err: failure.New(failure.ConnectionLost, "closed")})
	bus.Emit(&event.PaymentOccurred{Amount: big.NewInt(3)}) // dropped, buffer full

	ev := <-ch
	errEv, ok := ev.(*event.Error)
	require.True(t, ok)
	require.Equal(t, failure.ConnectionLost, errEv.Code())
	require.True(t, errEv.Recoverable())

	stop()
	stop()
	bus.Emit(&event.PaymentOccurred{Amount: big.NewInt(4)})
	_, open := <-ch
	require.False(t, open)
}
