// Package metrics instruments the engine with Prometheus collectors. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	rpcRequests *prometheus.CounterVec
	rpcRetries  prometheus.Counter
	rpcTimeouts prometheus.Counter
	reconnects  prometheus.Counter
	transfers   *prometheus.CounterVec
	balance     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnode_rpc_requests_total",
				Help: "Number of RPC requests sent to the clearnode",
			},
			[]string{"method"},
		),
		rpcRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clearnode_rpc_retries_total",
				Help: "Number of RPC requests resent after a first timeout",
			},
		),
		rpcTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clearnode_rpc_timeouts_total",
				Help: "Number of RPC requests that failed with a timeout",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clearnode_reconnects_total",
				Help: "Number of reconnection attempts",
			},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clearnode_transfers_total",
				Help: "Number of transfers by result",
			},
			[]string{"result"},
		),
		balance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clearnode_channel_balance",
				Help: "Locally tracked channel balance in base units",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.rpcRequests, m.rpcRetries, m.rpcTimeouts, m.reconnects, m.transfers, m.balance} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RPCRequest(method string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method).Inc()
}

func (m *Metrics) RPCRetry() {
	if m == nil {
		return
	}
	m.rpcRetries.Inc()
}

func (m *Metrics) RPCTimeout() {
	if m == nil {
		return
	}
	m.rpcTimeouts.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Transfer counts a transfer outcome, "success" or a failure code.
func (m *Metrics) Transfer(result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(result).Inc()
}

// Balance sets the balance gauge. Values beyond float64 precision are approximated.
func (m *Metrics) Balance(v *big.Int) {
	if m == nil || v == nil {
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	m.balance.Set(f)
}
