package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	DSN    string
	Config string
	Env    string
}

var rf rootFlags

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentgate",
		Short:        "Agent run orchestration: tool gateway, scheduler, budgets and approvals",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.Config, "config", os.Getenv("AGENTGATE_CONFIG"), "Path to YAML config (defaults to AGENTGATE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&rf.Env, "env", "", "environments.<env> overlay to apply")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}

func dsnOrErr() (string, error) {
	if rf.DSN == "" {
		return "", fmt.Errorf("missing --dsn (or set DATABASE_URL)")
	}
	return rf.DSN, nil
}
