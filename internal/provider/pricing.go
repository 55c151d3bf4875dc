package provider

import (
	"math"
	"sync"
)

// DefaultStepEstimate applies to models without configured pricing.
const DefaultStepEstimate = 0.01

type ModelPrice struct {
	InputPer1K   float64
	OutputPer1K  float64
	StepEstimate float64
}

// Pricing turns token usage into currency and produces admission estimates.
type Pricing struct {
	mu     sync.RWMutex
	models map[string]ModelPrice // key: provider/model
}

func NewPricing() *Pricing {
	return &Pricing{models: map[string]ModelPrice{}}
}

func (p *Pricing) Set(providerID, model string, price ModelPrice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[providerID+"/"+model] = price
}

func (p *Pricing) lookup(providerID, model string) (ModelPrice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.models[providerID+"/"+model]
	return price, ok
}

// Cost prices a completed call. Adapters that already report a cost win.
func (p *Pricing) Cost(providerID, model string, u *Usage) float64 {
	if u == nil {
		return 0
	}
	if u.CostEstimate > 0 {
		return u.CostEstimate
	}
	price, ok := p.lookup(providerID, model)
	if !ok {
		return 0
	}
	return round6(float64(u.InputTokens)/1000*price.InputPer1K + float64(u.OutputTokens)/1000*price.OutputPer1K)
}

// EstimateStep returns the admission estimate for one step. An explicit
// per-step estimate from the goal takes precedence.
func (p *Pricing) EstimateStep(providerID, model string, explicit float64) float64 {
	if explicit > 0 {
		return explicit
	}
	if price, ok := p.lookup(providerID, model); ok && price.StepEstimate > 0 {
		return price.StepEstimate
	}
	return DefaultStepEstimate
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
