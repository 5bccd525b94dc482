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

// Package commands implements the clearnode command line client.
package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"perun.network/perun-clearnode-client/config"
)

var (
	configPath string
	timeout    time.Duration

	cur *app
)

func Execute() error {
	root := &cobra.Command{
		Use:          "clearnode",
		Short:        "Payment channel client for a clearnode",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg.Logging.Level); err != nil {
				return err
			}
			cur, err = newApp(cmd.Context(), cfg)
			return err
		},
	}
	defer func() {
		if cur != nil {
			cur.shutdown()
		}
	}()

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "clearnode.toml", "configuration file")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "timeout of the whole command")

	root.AddCommand(balanceCmd(), openCmd(), payCmd(), payManyCmd(), closeCmd(), logoutCmd(), statusCmd())
	return root.Execute()
}

// session connects and authenticates the current app for a command.
func session(cmd *cobra.Command) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	if err := cur.connect(ctx); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, cancel, nil
}
