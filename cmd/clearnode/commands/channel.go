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
	"fmt"

	"github.com/spf13/cobra"

	"perun.network/perun-clearnode-client/channel"
	"perun.network/perun-clearnode-client/failure"
	"perun.network/perun-clearnode-client/util"
)

// balance: show the channel balance and the unified ledger balance.
func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the channel and ledger balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := session(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			out := cmd.OutOrStdout()
			asset, decimals := cur.cfg.Chain.Asset, cur.cfg.Chain.Decimals
			if ch, err := cur.engine.Channel(); err == nil {
				fmt.Fprintf(out, "channel %s (%s): %s %s\n", ch.ID, ch.Mode, util.FormatUnits(ch.Balance, decimals), asset)
			} else if failure.Is(err, failure.ChannelNotFound) {
				fmt.Fprintln(out, "no open channel")
			} else {
				return err
			}
			ledger, err := cur.engine.LedgerBalance(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "ledger: %s %s\n", util.FormatUnits(ledger, decimals), asset)
			return nil
		},
	}
}

// open <amount>: create and fund a channel.
func openCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "open <amount>",
		Short: "Open and fund a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := channel.ParseMode(mode)
			if err != nil {
				return err
			}
			amount, err := util.ParseUnits(args[0], cur.cfg.Chain.Decimals)
			if err != nil {
				return err
			}
			if m != channel.ModeUnified && !cur.cfg.Chain.OnChain() {
				return fmt.Errorf("%s channels need a custody contract ([Chain] CustodyAddress)", m)
			}

			ctx, cancel, err := session(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			ch, err := cur.engine.Open(ctx, m, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened channel %s with %s %s\n",
				ch.ID, util.FormatUnits(ch.Balance, cur.cfg.Chain.Decimals), cur.cfg.Chain.Asset)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(channel.ModeUnified), "funding mode: direct, unified or resize")
	return cmd
}

// close: settle the channel.
func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close the channel and settle it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := session(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			payout, err := cur.engine.Close(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed, paid out %s %s\n",
				util.FormatUnits(payout, cur.cfg.Chain.Decimals), cur.cfg.Chain.Asset)
			return nil
		},
	}
}

// logout: drop the session.
func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the session key and credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cur.engine.Resume(context.Background()); err != nil {
				return err
			}
			if err := cur.engine.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

// status: show the persisted session without connecting.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session and channel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cur.engine.Resume(context.Background()); err != nil {
				return err
			}
			st := cur.engine.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wallet:        %s\n", cur.engine.Address().Hex())
			fmt.Fprintf(out, "authenticated: %t\n", st.Authenticated)
			fmt.Fprintf(out, "channel:       %s\n", st.Channel)
			if ch, err := cur.engine.Channel(); err == nil {
				fmt.Fprintf(out, "channel id:    %s (%s)\n", ch.ID, ch.Mode)
				fmt.Fprintf(out, "balance:       %s %s\n", util.FormatUnits(ch.Balance, cur.cfg.Chain.Decimals), cur.cfg.Chain.Asset)
			}
			return nil
		},
	}
}
