package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendany/drivebroker/internal/config"
	"github.com/sendany/drivebroker/internal/server"
)

const defaultTokenTTL = 24 * time.Hour

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Long: `Mint a bearer token for user-id signed with auth.jwt_secret. Useful for
operating the API by hand and for tests against a running server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			if err := config.ValidateServe(resolvedCfg); err != nil {
				return fmt.Errorf("token configuration: %w", err)
			}

			auth := server.NewAuth(resolvedCfg.JWTSecret, resolvedCfg.JWTIssuer, resolvedCfg.StateTTL)

			tok, err := auth.IssueToken(args[0], ttl)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"token":     tok,
					"expiresIn": int64(ttl.Seconds()),
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), tok)
			statusf("Token for %s expires in %s.\n", args[0], ttl)

			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")

	return cmd
}
