// Command relay moves messages from a polling source to a batching sink.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay messages between brokers",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "relay.yml", "path to the YAML configuration")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd, cfgFile)
		},
	})
	return root
}
