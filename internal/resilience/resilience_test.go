package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"timeout: context deadline exceeded":      Transient,
		"http 429: rate limit reached":            Transient,
		"http 503: service unavailable":           Transient,
		"overloaded_error":                        Transient,
		"missing credentials: no API key":         Permanent,
		"http 401: invalid x-api-key":             Permanent,
		"http 400: malformed request body":        Permanent,
		"something nobody has seen before":        Transient,
		"Invalid Request: unsupported model gpt9": Permanent,

		// the status code outranks words in the message
		"http 403: model is unavailable in your region":          Permanent,
		"http 401: token timed out, please re-authenticate":      Permanent,
		"http 400: request body too large, temporarily rejected": Permanent,
		"http 404: not found":                                    Permanent,
		"http 408: request timeout":                              Transient,
		"http 429: invalid request rate":                         Transient,
		"http 500: malformed upstream response":                  Transient,
		"http 502: empty completion from gpt":                    Transient,
	}
	for text, want := range cases {
		assert.Equal(t, want, Classify(text), text)
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Factor: 2}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 35*time.Millisecond, p.Backoff(3))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
}

func TestBreaker_OpensAfterThresholdAndAllowsOneTrial(t *testing.T) {
	clock := newClock()
	var transitions []string
	reg := NewBreakers(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		Now:              clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, string(from)+"->"+string(to))
		},
	})
	b := reg.Get("p")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow(), "first caller after cooldown is the trial")
	assert.Equal(t, HalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "second caller during the trial")

	b.Record(true)
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_FailedTrialRestartsCooldown(t *testing.T) {
	clock := newClock()
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, Now: clock.Now}).Get("p")

	require.NoError(t, b.Allow())
	b.Record(false)
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(false)
	assert.Equal(t, Open, b.State())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	clock.Advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakers_ResetAndEvict(t *testing.T) {
	clock := newClock()
	reg := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, Now: clock.Now})

	open := reg.Get("broken")
	require.NoError(t, open.Allow())
	open.Record(false)
	reg.Get("idle")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, reg.Evict(time.Hour), "only the idle closed breaker goes")
	states := reg.States()
	require.Len(t, states, 1)
	assert.Equal(t, "broken", states[0].Provider)
	assert.Equal(t, Open, states[0].State)

	reg.ResetAll()
	assert.Equal(t, Closed, reg.Get("broken").State())
	reg.Reset("never-seen")
}

func newTestLayer(adapter provider.Adapter, attempts, threshold int) *Layer {
	reg := provider.NewRegistry()
	_ = reg.Register(adapter)
	return New(reg, Options{
		Policy:  Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Breaker: BreakerConfig{FailureThreshold: threshold, Cooldown: time.Hour},
	})
}

func TestLayer_RetriesTransientThenSucceeds(t *testing.T) {
	s := provider.NewScripted("p", provider.Failure("http 503: unavailable"))
	l := newTestLayer(s, 3, 10)

	out, err := l.Call(context.Background(), "p", "hi", "m")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, s.Calls())
}

func TestLayer_PermanentIsNotRetried(t *testing.T) {
	s := provider.NewScripted("p", provider.Failure("http 401: bad key"))
	l := newTestLayer(s, 3, 10)

	out, err := l.Call(context.Background(), "p", "hi", "m")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, OutcomePermanent, out.Kind)
	assert.Equal(t, 1, s.Calls())
}

func TestLayer_RetriesExhausted(t *testing.T) {
	fail := provider.Failure("timeout")
	s := provider.NewScripted("p", fail, fail, fail)
	l := newTestLayer(s, 3, 10)

	out, err := l.Call(context.Background(), "p", "hi", "m")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, OutcomeRetriesExhausted, out.Kind)
	assert.Equal(t, "timeout", out.Reason)
	assert.Equal(t, 3, s.Calls())
}

func TestLayer_OpenCircuitNeverInvokesAdapter(t *testing.T) {
	fail := provider.Failure("http 500: boom")
	s := provider.NewScripted("p", fail, fail)
	l := newTestLayer(s, 3, 2)

	out, err := l.Call(context.Background(), "p", "hi", "m")
	assert.ErrorIs(t, err, ErrCircuitOpen, "breaker opens mid-retry and stops the loop")
	assert.Equal(t, OutcomeCircuitOpen, out.Kind)
	assert.Equal(t, 2, s.Calls())

	for i := 0; i < 5; i++ {
		out, err = l.Call(context.Background(), "p", "hi", "m")
		assert.True(t, errors.Is(err, ErrCircuitOpen))
		assert.Equal(t, 0, out.Attempts)
	}
	assert.Equal(t, 2, s.Calls())

	l.Breakers().Reset("p")
	_, err = l.Call(context.Background(), "p", "hi", "m")
	assert.NoError(t, err)
}

func TestLayer_UnknownProvider(t *testing.T) {
	l := newTestLayer(provider.NewScripted("p"), 1, 1)
	_, err := l.Call(context.Background(), "nope", "hi", "m")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestLayer_CallerCancellationIsNotAProviderFailure(t *testing.T) {
	s := provider.NewScripted("p")
	ctx, cancel := context.WithCancel(context.Background())
	s.Hook = func(context.Context, string, string) { cancel() }
	l := newTestLayer(s, 3, 1)

	out, err := l.Call(ctx, "p", "hi", "m")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, 1, s.Calls(), "no retry once the caller is gone")

	snap := l.Breakers().Get("p").Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Zero(t, snap.Failures)
}

func TestBreaker_ReleaseFreesHalfOpenTrial(t *testing.T) {
	clock := newClock()
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, Now: clock.Now}).Get("p")
	require.NoError(t, b.Allow())
	b.Record(false)
	require.Equal(t, Open, b.State())

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Release()
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Allow(), "the trial slot is free again")
	b.Record(true)
	assert.Equal(t, Closed, b.State())
}
