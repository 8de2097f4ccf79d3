package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/welldanyogia/sse-gateway/internal/auth"
	"github.com/welldanyogia/sse-gateway/internal/config"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a development access token for subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if expiry > 0 {
				cfg.Auth.Expiry = expiry
			}
			tokens := auth.NewTokenService(auth.TokenServiceConfig{
				Secret: cfg.Auth.Secret,
				Issuer: cfg.Auth.Issuer,
				Expiry: cfg.Auth.Expiry,
			})
			token, err := tokens.GenerateAccessToken(args[0])
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (default from auth.expiry)")
	return cmd
}
