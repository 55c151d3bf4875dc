package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentgate/internal/auth"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Signed bearer tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var secret, principal, org string
	var roles []string
	var budget int
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 token accepted by the gateway and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("missing --secret (or set AGENTGATE_JWT_SECRET)")
			}
			token, err := auth.Issue(secret, auth.Principal{ID: principal, OrgID: org, Roles: roles, Budget: budget}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("AGENTGATE_JWT_SECRET"), "signing secret")
	cmd.Flags().StringVar(&principal, "principal", "", "principal id (token subject)")
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{auth.RoleReader}, "comma-separated roles")
	cmd.Flags().IntVar(&budget, "budget", 0, "gateway session budget (0 uses the server default)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
