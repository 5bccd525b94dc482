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

package commands

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"perun.network/go-perun/log"
	plogrus "perun.network/go-perun/log/logrus"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/client"
	"perun.network/perun-clearnode-client/config"
	"perun.network/perun-clearnode-client/engine"
	"perun.network/perun-clearnode-client/metrics"
	"perun.network/perun-clearnode-client/rpc"
	"perun.network/perun-clearnode-client/store"
	"perun.network/perun-clearnode-client/wallet"
)

// app is the single engine instance of the process and the resources it owns.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	store   store.Store
	eth     *ethclient.Client
	metrics *http.Server
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	plogrus.Set(lvl, &logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Wallet.PrivateKeyHex == "" {
		return nil, errors.New("no primary wallet configured ([Wallet] PrivateKeyHex)")
	}
	account, err := wallet.NewAccountFromHex(cfg.Wallet.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	a.store = store.NewMemStore()
	if cfg.Store.Path != "" {
		if a.store, err = store.OpenBolt(cfg.Store.Path, cfg.Store.Key); err != nil {
			return nil, err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		if m, err = metrics.New(reg); err != nil {
			a.shutdown()
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Serving metrics: %v", err)
			}
		}()
	}

	var custody channel.Custody
	if cfg.Chain.OnChain() {
		if custody, err = a.dialCustody(ctx, account); err != nil {
			a.shutdown()
			return nil, err
		}
	}

	a.engine = engine.New(rpc.NewWebsocketDialer(cfg.Clearnode.URL), account, custody, a.store, m, cfg.EngineConfig())
	return a, nil
}

func (a *app) dialCustody(ctx context.Context, account *wallet.Account) (channel.Custody, error) {
	eth, err := client.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	a.eth = eth
	var tc client.TransactorConfig
	tc.SetAccount(account)
	tc.SetChainID(a.cfg.EngineConfig().Channel.ChainID)
	cb, err := client.NewContractBackend(eth, &tc)
	if err != nil {
		return nil, err
	}
	return client.NewClient(cb,
		common.HexToAddress(a.cfg.Chain.CustodyAddress),
		common.HexToAddress(a.cfg.Chain.TokenAddress)), nil
}

// connect connects, resumes a persisted session and authenticates if the session did not survive.
func (a *app) connect(ctx context.Context) error {
	if err := a.engine.Connect(ctx); err != nil {
		return err
	}
	if _, err := a.engine.Resume(ctx); err != nil {
		log.Warnf("Resuming session: %v", err)
	}
	return a.engine.EnsureAuthenticated(ctx)
}

func (a *app) shutdown() {
	if a.engine != nil {
		a.engine.Disconnect()
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warnf("Closing store: %v", err)
		}
	}
}
