package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewScripted("mock")))
	assert.Error(t, r.Register(NewScripted("mock")))
	require.NoError(t, r.Register(NewScripted("alt")))

	assert.Equal(t, []string{"alt", "mock"}, r.IDs())
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestScripted_QueueThenEcho(t *testing.T) {
	s := NewScripted("mock", Failure("http 503: overloaded"))

	first := s.Call(context.Background(), "hello world", "m")
	assert.False(t, first.Success)
	assert.Equal(t, "http 503: overloaded", first.Error)

	second := s.Call(context.Background(), "hello world", "m")
	require.True(t, second.Success)
	assert.Equal(t, "[m] hello world", second.Content)
	require.NotNil(t, second.Usage)
	assert.Equal(t, 2, second.Usage.InputTokens)
	assert.Equal(t, 2, s.Calls())
}

func TestMissingCredentialsNeverReachTheNetwork(t *testing.T) {
	for _, a := range []Adapter{NewOpenAIAdapter("oa", "", ""), NewAnthropicAdapter("an", "", "")} {
		res := a.Call(context.Background(), "hi", "any")
		assert.False(t, res.Success, a.ID())
		assert.Contains(t, res.Error, "missing credentials")
	}
}

func TestPricing(t *testing.T) {
	p := NewPricing()
	p.Set("oa", "gpt", ModelPrice{InputPer1K: 1, OutputPer1K: 2, StepEstimate: 0.5})

	assert.InDelta(t, 4.0, p.Cost("oa", "gpt", &Usage{InputTokens: 2000, OutputTokens: 1000}), 1e-9)
	assert.Equal(t, 0.0, p.Cost("oa", "unknown", &Usage{InputTokens: 2000}))
	assert.Equal(t, 7.0, p.Cost("oa", "gpt", &Usage{CostEstimate: 7}), "adapter-reported cost wins")

	assert.Equal(t, 3.0, p.EstimateStep("oa", "gpt", 3))
	assert.Equal(t, 0.5, p.EstimateStep("oa", "gpt", 0))
	assert.Equal(t, DefaultStepEstimate, p.EstimateStep("x", "y", 0))
}
