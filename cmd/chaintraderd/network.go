package main

import (
	"fmt"
	"text/tabwriter"

	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/provider"

	"github.com/spf13/cobra"
)

func newNetworkCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Inspect configured networks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newNetworkCheckCommand(opts))
	return cmd
}

func newNetworkCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "check [network]",
		Short:   "Probe RPC endpoints and report reachability",
		Example: "chaintraderd network check\nchaintraderd network check mainnet",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			probe := provider.NewConnectivity(a.chains)
			var results []provider.Reachability
			if len(args) == 1 {
				network, ok := web3.ParseNetwork(args[0])
				if !ok {
					return fmt.Errorf("unknown network %q", args[0])
				}
				results = append(results, probe.Check(cmd.Context(), network, true))
			} else {
				results = probe.CheckAll(cmd.Context(), true)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NETWORK\tREACHABLE\tLATENCY_MS\tBLOCK\tBREAKER\tERROR")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%v\t%.1f\t%d\t%s\t%s\n",
					r.Network, r.Reachable, r.LatencyMS, r.BlockNumber, a.chains.BreakerState(r.Network), r.Error)
			}
			return tw.Flush()
		},
	}
}
