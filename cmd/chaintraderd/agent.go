package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"ChainTrader/internal/credential"

	"github.com/spf13/cobra"
)

func newAgentCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage trading agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newAgentCreateCommand(opts),
		newAgentListCommand(opts),
		newAgentShowCommand(opts),
		newAgentSetNetworkCommand(opts),
		newAgentDeleteCommand(opts),
	)
	return cmd
}

func newAgentCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		network string
		keyFile string
	)
	cmd := &cobra.Command{
		Use:     "create <id>",
		Short:   "Create an agent with a generated or imported key",
		Example: "chaintraderd agent create alice --network testnet\nchaintraderd agent create bob --key-file bob.hex",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var imported string
			if keyFile != "" {
				raw, err := readKey(keyFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				imported = raw
			}
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.store.Create(cmd.Context(), args[0], network, imported)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&network, "network", "testnet", "default network of the agent (mainnet or testnet)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file holding a hex private key to import, - for stdin")
	return cmd
}

func newAgentListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			views, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), views)
			return nil
		},
	}
}

func newAgentShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newAgentSetNetworkCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "set-network <id> <mainnet|testnet>",
		Short:   "Change the default network of an agent",
		Example: "chaintraderd agent set-network alice mainnet",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.store.SetNetwork(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newAgentDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an agent and its signing material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func readKey(path string, stdin io.Reader) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func printAgents(w io.Writer, views []credential.AgentView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tNETWORK\tCREATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Address, v.Network, v.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
