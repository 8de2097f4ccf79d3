package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/welldanyogia/sse-gateway/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "sse-gateway",
		Short:         "Server-Sent Events gateway",
		Long:          "sse-gateway delivers bus events to browser clients over Server-Sent Events, with per-client subscriptions and replay from a short-lived history.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $"+config.ConfigFileEnv+")")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		newHistoryCmd(&configPath),
		newTokenCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
