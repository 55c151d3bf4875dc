// Package budget implements admission control against per-organization
// daily and monthly spend ledgers.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agentgate/internal/metrics"
)

type Period string

const (
	Daily   Period = "daily"
	Monthly Period = "monthly"
)

// Periods is the fixed evaluation order used by every ledger.
var Periods = []Period{Daily, Monthly}

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case Daily, Monthly:
		return Period(s), nil
	}
	return "", fmt.Errorf("%w: unknown period %q", ErrInvalid, s)
}

var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrInvalid        = errors.New("invalid budget request")
)

// epsilon absorbs float noise when comparing currency amounts.
const epsilon = 1e-9

type Budget struct {
	OrgID     string    `json:"orgId"`
	Period    Period    `json:"period"`
	Limit     float64   `json:"limit"`
	Spent     float64   `json:"spent"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b Budget) Remaining() float64 { return b.Limit - b.Spent }

// Decision is the admission verdict. When Allowed is false, Period and the
// amounts describe the first period that would be exceeded.
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Period    Period  `json:"period,omitempty"`
	Limit     float64 `json:"limit,omitempty"`
	Spent     float64 `json:"spent,omitempty"`
	Requested float64 `json:"requested"`
}

// DenyError carries the offending period and amounts of a denial.
type DenyError struct {
	OrgID string
	Decision
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("budget exceeded: org %s %s spent %.6f + requested %.6f > limit %.6f",
		e.OrgID, e.Period, e.Spent, e.Requested, e.Limit)
}

func (e *DenyError) Is(target error) bool { return target == ErrBudgetExceeded }

// Ledger stores budgets. Reserve must check every configured period and
// increment all of them in one atomic step, or none when any would exceed
// its limit. A period without a row is unconstrained.
type Ledger interface {
	Reserve(ctx context.Context, orgID string, amount float64, now time.Time) (Decision, error)
	// Adjust adds delta (possibly negative) to the spent of every period row
	// of the org. Spent never drops below zero.
	Adjust(ctx context.Context, orgID string, delta float64, now time.Time) error
	SetLimit(ctx context.Context, orgID string, period Period, limit float64, now time.Time) error
	Reset(ctx context.Context, orgID string, period Period, now time.Time) error
	Get(ctx context.Context, orgID string) ([]Budget, error)
	List(ctx context.Context) ([]Budget, error)
}

type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Governor is the admission gate in front of a Ledger.
type Governor struct {
	ledger  Ledger
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewGovernor(ledger Ledger, opts Options) *Governor {
	g := &Governor{
		ledger:  ledger,
		log:     opts.Logger.With().Str("component", "budget").Logger(),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Admit reserves estimate against the org's budgets. A denial returns the
// decision together with a *DenyError, which matches ErrBudgetExceeded.
func (g *Governor) Admit(ctx context.Context, orgID string, estimate float64) (Decision, error) {
	if orgID == "" {
		return Decision{}, fmt.Errorf("%w: org is required", ErrInvalid)
	}
	if estimate < 0 {
		return Decision{}, fmt.Errorf("%w: negative estimate %.6f", ErrInvalid, estimate)
	}
	d, err := g.ledger.Reserve(ctx, orgID, estimate, g.now())
	if err != nil {
		return Decision{}, fmt.Errorf("reserve budget: %w", err)
	}
	if !d.Allowed {
		g.log.Info().Str("org_id", orgID).Str("period", string(d.Period)).
			Float64("spent", d.Spent).Float64("requested", d.Requested).Float64("limit", d.Limit).
			Msg("admission denied")
		g.observe("deny", d.Period)
		return d, &DenyError{OrgID: orgID, Decision: d}
	}
	g.observe("allow", "")
	return d, nil
}

// Reconcile moves spent by actual-charged once the real cost is known.
func (g *Governor) Reconcile(ctx context.Context, orgID string, actual, charged float64) error {
	delta := actual - charged
	if delta > -epsilon && delta < epsilon {
		return nil
	}
	if err := g.ledger.Adjust(ctx, orgID, delta, g.now()); err != nil {
		return fmt.Errorf("reconcile budget: %w", err)
	}
	g.log.Debug().Str("org_id", orgID).Float64("actual", actual).Float64("charged", charged).Msg("budget reconciled")
	return nil
}

func (g *Governor) SetLimit(ctx context.Context, orgID string, period Period, limit float64) error {
	if orgID == "" || limit < 0 {
		return fmt.Errorf("%w: org and a non-negative limit are required", ErrInvalid)
	}
	if _, err := ParsePeriod(string(period)); err != nil {
		return err
	}
	return g.ledger.SetLimit(ctx, orgID, period, limit, g.now())
}

func (g *Governor) ResetSpent(ctx context.Context, orgID string, period Period) error {
	if _, err := ParsePeriod(string(period)); err != nil {
		return err
	}
	return g.ledger.Reset(ctx, orgID, period, g.now())
}

func (g *Governor) Budgets(ctx context.Context, orgID string) ([]Budget, error) {
	if orgID == "" {
		return g.ledger.List(ctx)
	}
	return g.ledger.Get(ctx, orgID)
}

// Rollover resets spent for every org's budget in the given period.
func (g *Governor) Rollover(ctx context.Context, period Period) (int, error) {
	all, err := g.ledger.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range all {
		if b.Period != period {
			continue
		}
		if err := g.ledger.Reset(ctx, b.OrgID, period, g.now()); err != nil {
			return n, fmt.Errorf("rollover %s for %s: %w", period, b.OrgID, err)
		}
		n++
	}
	g.log.Info().Str("period", string(period)).Int("budgets", n).Msg("budget rollover")
	return n, nil
}

func (g *Governor) observe(result string, period Period) {
	if g.metrics != nil {
		g.metrics.AdmissionDecisions.WithLabelValues(result, string(period)).Inc()
	}
}

// evaluate is the shared admission arithmetic. rows maps period to the
// current budget; missing periods are skipped.
func evaluate(rows map[Period]Budget, amount float64) Decision {
	for _, p := range Periods {
		b, ok := rows[p]
		if !ok {
			continue
		}
		if b.Spent+amount > b.Limit+epsilon {
			return Decision{Period: p, Limit: b.Limit, Spent: b.Spent, Requested: amount}
		}
	}
	return Decision{Allowed: true, Requested: amount}
}
