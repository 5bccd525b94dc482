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
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"perun.network/perun-clearnode-client/payment"
	"perun.network/perun-clearnode-client/util"
)

// pay <destination> <amount>: transfer from the open channel.
func payCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "pay <destination> <amount>",
		Short: "Transfer to a destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLeg(args[0]+":"+args[1], cur.cfg.Chain.Decimals)
			if err != nil {
				return err
			}
			ctx, cancel, err := session(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			rec, err := cur.engine.Transfer(ctx, l.Destination, l.Amount, label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paid %s %s to %s (tx %d)\n",
				util.FormatUnits(rec.Amount, cur.cfg.Chain.Decimals), cur.cfg.Chain.Asset, rec.To, rec.TxID)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label recorded with the payment")
	return cmd
}

// pay-many <destination:amount[:label]>...: pay legs in order, then the fee.
func payManyCmd() *cobra.Command {
	var (
		fee      string
		rollback string
	)
	cmd := &cobra.Command{
		Use:   "pay-many <destination:amount[:label]>...",
		Short: "Pay several legs in order, stopping at the first failure",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decimals := cur.cfg.Chain.Decimals
			legs := make([]payment.Leg, len(args))
			for i, a := range args {
				l, err := parseLeg(a, decimals)
				if err != nil {
					return err
				}
				legs[i] = l
			}
			var feeLeg *payment.Leg
			if fee != "" {
				l, err := parseLeg(fee, decimals)
				if err != nil {
					return err
				}
				feeLeg = &l
			}

			ctx, cancel, err := session(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			res := cur.engine.PayMany(ctx, legs, feeLeg)

			out := cmd.OutOrStdout()
			for i, l := range res.Legs {
				line := fmt.Sprintf("%d %s %s -> %s", i+1, l.Status, util.FormatUnits(l.Leg.Amount, decimals), l.Leg.Destination.Hex())
				if l.Fee {
					line += " (fee)"
				}
				if l.Err != nil {
					line += fmt.Sprintf(": %s: %v", l.Reason, l.Err)
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "total paid %s %s\n", util.FormatUnits(res.TotalPaid(), decimals), cur.cfg.Chain.Asset)
			if !res.StoppedEarly() {
				return nil
			}
			if rollback != "" {
				for _, in := range cur.engine.Rollback(res, rollback) {
					fmt.Fprintf(out, "compensation required: %s %s from %s (intent %s)\n",
						util.FormatUnits(in.Leg.Amount, decimals), cur.cfg.Chain.Asset, in.Leg.Destination.Hex(), in.ID)
				}
			}
			failed, _ := res.Failed()
			return failed.Err
		},
	}
	cmd.Flags().StringVar(&fee, "fee", "", "fee leg destination:amount, paid after all legs")
	cmd.Flags().StringVar(&rollback, "rollback", "", "record rollback intents with this reason if a leg fails")
	return cmd
}

// parseLeg parses destination:amount[:label] with amount in decimal units.
func parseLeg(s string, decimals uint8) (payment.Leg, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return payment.Leg{}, fmt.Errorf("leg %q is not destination:amount[:label]", s)
	}
	if !common.IsHexAddress(parts[0]) {
		return payment.Leg{}, fmt.Errorf("invalid destination %q", parts[0])
	}
	amount, err := util.ParseUnits(parts[1], decimals)
	if err != nil {
		return payment.Leg{}, err
	}
	if amount.Sign() <= 0 {
		return payment.Leg{}, fmt.Errorf("amount %q is not positive", parts[1])
	}
	l := payment.Leg{Destination: common.HexToAddress(parts[0]), Amount: amount}
	if len(parts) == 3 {
		l.Label = parts[2]
	}
	return l, nil
}
