package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/phrazzld/recollection-api/internal/service/auth"
)

// newTokenCmd mints an access token, for local testing and service
// accounts. Without --user a random owner ID is used.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			userID := uuid.New()
			if raw, _ := cmd.Flags().GetString("user"); raw != "" {
				userID, err = uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
			}

			svc, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(contextOrBackground(cmd), userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				_, _ = fmt.Fprintf(out, "user_id: %s\n", userID)
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}
	cmd.Flags().String("user", "", "Owner ID to embed in the token (UUID)")
	cmd.Flags().BoolP("verbose", "v", false, "Also print the owner ID")
	return cmd
}
