package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chaintraderd",
		Short:         "Natural-language trading agent for EVM exchange chains",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	defaultConfig := os.Getenv("CHAINTRADER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = filepath.Join("configs", "chaintrader.json")
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfig, "path to the JSON config file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files loaded before the config")

	cmd.AddCommand(
		newServeCommand(opts),
		newAgentCommand(opts),
		newNetworkCommand(opts),
	)
	return cmd
}
