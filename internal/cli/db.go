package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentgate/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities (schema init)",
	}
	cmd.AddCommand(dbInitCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Apply the agentgate schema to PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dsnOrErr()
			if err != nil {
				return err
			}
			schema := store.Schema
			if schemaPath != "" {
				b, err := os.ReadFile(schemaPath)
				if err != nil {
					return fmt.Errorf("read schema: %w", err)
				}
				schema = string(b)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			st, err := store.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ExecSQL(ctx, schema); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok: schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "Path to a schema SQL file (defaults to the built-in schema)")
	return cmd
}
