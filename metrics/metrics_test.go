package metrics_test

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"perun.network/perun-clearnode-client/metrics"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.RPCRequest("transfer")
	m.RPCRequest("transfer")
	m.RPCRetry()
	m.Transfer("success")
	m.Balance(big.NewInt(250))

	n, err := testutil.GatherAndCount(reg, "clearnode_rpc_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = metrics.New(reg)
	require.Error(t, err, "double registration must fail")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.RPCRequest("ping")
	m.RPCTimeout()
	m.Reconnect()
	m.Transfer("TRANSFER_FAILED")
	m.Balance(big.NewInt(1))
}
