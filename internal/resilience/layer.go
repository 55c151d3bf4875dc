// Package resilience wraps provider adapter calls with bounded retries and a
// per-provider circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/metrics"
	"agentgate/internal/provider"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrRetriesExhausted = errors.New("provider retries exhausted")
	ErrPermanent        = errors.New("permanent provider failure")
	ErrUnknownProvider  = errors.New("unknown provider")
)

type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetriesExhausted OutcomeKind = "retries_exhausted"
	OutcomeCircuitOpen      OutcomeKind = "circuit_open"
	OutcomePermanent        OutcomeKind = "permanent"
	// OutcomeCancelled means the caller's context ended first. It says
	// nothing about the provider and is not fed to the breaker.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what the layer reports for one logical call.
type Outcome struct {
	Kind     OutcomeKind
	Result   provider.Result
	Attempts int
	// Reason is the last adapter error, or why no attempt was made.
	Reason string
}

type Options struct {
	Policy      Policy
	Breaker     BreakerConfig
	CallTimeout time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
}

type Layer struct {
	providers   *provider.Registry
	breakers    *Breakers
	policy      Policy
	callTimeout time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

func New(providers *provider.Registry, opts Options) *Layer {
	l := &Layer{
		providers:   providers,
		policy:      opts.Policy.normalized(),
		callTimeout: opts.CallTimeout,
		log:         opts.Logger.With().Str("component", "resilience").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("agentgate/resilience")
	}
	bc := opts.Breaker
	user := bc.OnStateChange
	bc.OnStateChange = func(p string, from, to State) {
		l.log.Warn().Str("provider", p).Str("from", string(from)).Str("to", string(to)).Msg("breaker transition")
		if l.metrics != nil {
			l.metrics.BreakerState.WithLabelValues(p).Set(metrics.BreakerValue(string(to)))
		}
		if user != nil {
			user(p, from, to)
		}
	}
	l.breakers = NewBreakers(bc)
	return l
}

func (l *Layer) Breakers() *Breakers { return l.breakers }

// Call runs one logical provider call. The returned error is nil only for
// OutcomeSuccess and otherwise wraps the sentinel matching the outcome
// kind, or is the context error when the caller gave up first.
func (l *Layer) Call(ctx context.Context, providerID, prompt, model string) (Outcome, error) {
	adapter, ok := l.providers.Get(providerID)
	if !ok {
		return Outcome{Kind: OutcomePermanent, Reason: "unknown provider " + providerID},
			fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	br := l.breakers.Get(providerID)

	var last provider.Result
	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		if err := br.Allow(); err != nil {
			reason := "circuit open for provider " + providerID
			l.count(providerID, OutcomeCircuitOpen)
			return Outcome{Kind: OutcomeCircuitOpen, Result: last, Attempts: attempt - 1, Reason: reason},
				fmt.Errorf("%w: %s", ErrCircuitOpen, providerID)
		}

		last = l.attempt(ctx, adapter, prompt, model, attempt)
		if err := ctx.Err(); err != nil && !last.Success {
			br.Release()
			l.count(providerID, OutcomeCancelled)
			return Outcome{Kind: OutcomeCancelled, Result: last, Attempts: attempt, Reason: last.Error}, err
		}
		br.Record(last.Success)
		if last.Success {
			l.count(providerID, OutcomeSuccess)
			return Outcome{Kind: OutcomeSuccess, Result: last, Attempts: attempt}, nil
		}

		if Classify(last.Error) == Permanent {
			l.count(providerID, OutcomePermanent)
			return Outcome{Kind: OutcomePermanent, Result: last, Attempts: attempt, Reason: last.Error},
				fmt.Errorf("%w: %s", ErrPermanent, last.Error)
		}
		if attempt == l.policy.MaxAttempts {
			break
		}

		delay := l.policy.Backoff(attempt)
		l.log.Debug().Str("provider", providerID).Int("attempt", attempt).Dur("backoff", delay).Str("error", last.Error).Msg("transient provider failure")
		if err := sleep(ctx, delay); err != nil {
			l.count(providerID, OutcomeCancelled)
			return Outcome{Kind: OutcomeCancelled, Result: last, Attempts: attempt, Reason: last.Error}, err
		}
	}

	l.count(providerID, OutcomeRetriesExhausted)
	return Outcome{Kind: OutcomeRetriesExhausted, Result: last, Attempts: l.policy.MaxAttempts, Reason: last.Error},
		fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, l.policy.MaxAttempts, last.Error)
}

func (l *Layer) attempt(ctx context.Context, a provider.Adapter, prompt, model string, n int) provider.Result {
	ctx, span := l.tracer.Start(ctx, "provider.call", trace.WithAttributes(
		attribute.String("provider", a.ID()),
		attribute.String("model", model),
		attribute.Int("attempt", n),
	))
	defer span.End()

	if l.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
	}

	start := time.Now()
	res := a.Call(ctx, prompt, model)
	if l.metrics != nil {
		l.metrics.ProviderLatency.WithLabelValues(a.ID()).Observe(time.Since(start).Seconds())
		if res.Usage != nil {
			l.metrics.ProviderTokens.WithLabelValues(a.ID(), "input").Add(float64(res.Usage.InputTokens))
			l.metrics.ProviderTokens.WithLabelValues(a.ID(), "output").Add(float64(res.Usage.OutputTokens))
		}
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (l *Layer) count(providerID string, kind OutcomeKind) {
	if l.metrics != nil {
		l.metrics.ProviderCalls.WithLabelValues(providerID, string(kind)).Inc()
	}
}
