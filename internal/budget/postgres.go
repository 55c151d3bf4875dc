package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger keeps budgets in agw.budgets. Reserve locks the org's rows
// with FOR UPDATE, so concurrent admissions for one org serialize in the
// database while other orgs proceed.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Reserve(ctx context.Context, orgID string, amount float64, now time.Time) (Decision, error) {
	var d Decision
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT org_id, period, limit_amt, spent, updated_at
FROM agw.budgets WHERE org_id=$1 FOR UPDATE`, orgID)
		if err != nil {
			return err
		}
		current, err := collectBudgets(rows)
		if err != nil {
			return err
		}
		byPeriod := map[Period]Budget{}
		for _, b := range current {
			byPeriod[b.Period] = b
		}
		d = evaluate(byPeriod, amount)
		if !d.Allowed || len(current) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE agw.budgets SET spent = spent + $2, updated_at=$3 WHERE org_id=$1`, orgID, amount, now)
		return err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reserve: %w", err)
	}
	return d, nil
}

func (l *PostgresLedger) Adjust(ctx context.Context, orgID string, delta float64, now time.Time) error {
	_, err := l.pool.Exec(ctx, `
UPDATE agw.budgets SET spent = GREATEST(spent + $2, 0), updated_at=$3 WHERE org_id=$1`, orgID, delta, now)
	return err
}

func (l *PostgresLedger) SetLimit(ctx context.Context, orgID string, period Period, limit float64, now time.Time) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO agw.budgets (org_id, period, limit_amt, spent, updated_at)
VALUES ($1,$2,$3,0,$4)
ON CONFLICT (org_id, period) DO UPDATE SET limit_amt=EXCLUDED.limit_amt, updated_at=EXCLUDED.updated_at`,
		orgID, string(period), limit, now)
	return err
}

func (l *PostgresLedger) Reset(ctx context.Context, orgID string, period Period, now time.Time) error {
	_, err := l.pool.Exec(ctx, `UPDATE agw.budgets SET spent=0, updated_at=$3 WHERE org_id=$1 AND period=$2`,
		orgID, string(period), now)
	return err
}

func (l *PostgresLedger) Get(ctx context.Context, orgID string) ([]Budget, error) {
	rows, err := l.pool.Query(ctx, `
SELECT org_id, period, limit_amt, spent, updated_at
FROM agw.budgets WHERE org_id=$1 ORDER BY period`, orgID)
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

func (l *PostgresLedger) List(ctx context.Context) ([]Budget, error) {
	rows, err := l.pool.Query(ctx, `
SELECT org_id, period, limit_amt, spent, updated_at
FROM agw.budgets ORDER BY org_id, period`)
	if err != nil {
		return nil, err
	}
	return collectBudgets(rows)
}

func collectBudgets(rows pgx.Rows) ([]Budget, error) {
	defer rows.Close()
	out := []Budget{}
	for rows.Next() {
		var b Budget
		var period string
		if err := rows.Scan(&b.OrgID, &period, &b.Limit, &b.Spent, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Period = Period(period)
		out = append(out, b)
	}
	return out, rows.Err()
}
