package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/geolog/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API token signed with AUTH_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := auth.NewValidator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)
			token, err := v.IssueToken(subject, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(issue)
	return cmd
}
