// Package janitor runs the periodic housekeeping of in-memory state: idle
// gateway sessions, unused circuit breakers and budget period rollover.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"agentgate/internal/budget"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SweepSpec runs session and breaker eviction.
const SweepSpec = "@every 1m"

type SessionEvictor interface {
	EvictIdle(ttl time.Duration) int
}

type BreakerEvictor interface {
	Evict(idle time.Duration) int
}

type Rollover interface {
	Rollover(ctx context.Context, period budget.Period) (int, error)
}

type Options struct {
	SessionTTL  time.Duration
	BreakerIdle time.Duration
	// DailyRollover and MonthlyRollover are cron specs; empty disables them.
	DailyRollover   string
	MonthlyRollover string
	Logger          zerolog.Logger
}

type Janitor struct {
	sessions SessionEvictor
	breakers BreakerEvictor
	budgets  Rollover
	opts     Options
	log      zerolog.Logger
	cron     *cron.Cron
}

// New validates every schedule up front. Any of the collaborators may be
// nil, which drops the matching job.
func New(sessions SessionEvictor, breakers BreakerEvictor, budgets Rollover, opts Options) (*Janitor, error) {
	j := &Janitor{
		sessions: sessions,
		breakers: breakers,
		budgets:  budgets,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "janitor").Logger(),
	}
	j.cron = cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{j.log}), cron.WithChain(cron.Recover(cronLogger{j.log})))

	if err := j.add(SweepSpec, func() { j.Sweep() }); err != nil {
		return nil, err
	}
	if budgets != nil {
		for period, spec := range map[budget.Period]string{budget.Daily: opts.DailyRollover, budget.Monthly: opts.MonthlyRollover} {
			if spec == "" {
				continue
			}
			if err := j.add(spec, func() { j.rollover(period) }); err != nil {
				return nil, fmt.Errorf("%s rollover: %w", period, err)
			}
		}
	}
	return j, nil
}

func (j *Janitor) add(spec string, fn func()) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	j.cron.Schedule(sched, cron.FuncJob(fn))
	return nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info().Int("jobs", len(j.cron.Entries())).Msg("janitor started")
}

// Stop prevents new runs and waits for running jobs or ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs reports the number of scheduled jobs.
func (j *Janitor) Jobs() int { return len(j.cron.Entries()) }

// Sweep evicts idle sessions and breakers once.
func (j *Janitor) Sweep() (sessions, breakers int) {
	if j.sessions != nil && j.opts.SessionTTL > 0 {
		sessions = j.sessions.EvictIdle(j.opts.SessionTTL)
	}
	if j.breakers != nil && j.opts.BreakerIdle > 0 {
		breakers = j.breakers.Evict(j.opts.BreakerIdle)
	}
	if sessions > 0 || breakers > 0 {
		j.log.Info().Int("sessions", sessions).Int("breakers", breakers).Msg("evicted idle state")
	}
	return sessions, breakers
}

func (j *Janitor) rollover(period budget.Period) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := j.budgets.Rollover(ctx, period)
	if err != nil {
		j.log.Error().Err(err).Str("period", string(period)).Msg("budget rollover")
		return
	}
	j.log.Info().Str("period", string(period)).Int("budgets", n).Msg("budget rollover")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
