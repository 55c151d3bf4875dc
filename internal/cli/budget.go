package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentgate/internal/budget"
	"agentgate/internal/store"
)

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage organization budgets in PostgreSQL",
	}
	cmd.AddCommand(budgetShowCmd())
	cmd.AddCommand(budgetSetCmd())
	cmd.AddCommand(budgetResetCmd())
	return cmd
}

// withGovernor opens the PostgreSQL ledger for the duration of fn.
func withGovernor(fn func(ctx context.Context, g *budget.Governor) error) error {
	dsn, err := dsnOrErr()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, budget.NewGovernor(budget.NewPostgresLedger(st.Pool()), budget.Options{}))
}

func budgetShowCmd() *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print budgets (all organizations unless --org)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(func(ctx context.Context, g *budget.Governor) error {
				rows, err := g.Budgets(ctx, org)
				if err != nil {
					return err
				}
				b, _ := json.MarshalIndent(rows, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	return cmd
}

func budgetSetCmd() *cobra.Command {
	var org, period string
	var limit float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the limit of one budget period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("missing required: --org")
			}
			p, err := budget.ParsePeriod(period)
			if err != nil {
				return err
			}
			return withGovernor(func(ctx context.Context, g *budget.Governor) error {
				if err := g.SetLimit(ctx, org, p, limit); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s limit %.2f\n", org, p, limit)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&period, "period", string(budget.Daily), "daily|monthly")
	cmd.Flags().Float64Var(&limit, "limit", 0, "spend limit in USD")
	return cmd
}

func budgetResetCmd() *cobra.Command {
	var org, period string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the spent amount of one budget period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("missing required: --org")
			}
			p, err := budget.ParsePeriod(period)
			if err != nil {
				return err
			}
			return withGovernor(func(ctx context.Context, g *budget.Governor) error {
				if err := g.ResetSpent(ctx, org, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s spent reset\n", org, p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&period, "period", string(budget.Daily), "daily|monthly")
	return cmd
}
