package budget

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryLedger keeps one lock per organization, so admissions for
// different orgs never contend and admissions for the same org serialize.
type MemoryLedger struct {
	mu   sync.RWMutex
	orgs map[string]*orgLedger
}

type orgLedger struct {
	mu   sync.Mutex
	rows map[Period]Budget
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orgs: map[string]*orgLedger{}}
}

func (m *MemoryLedger) org(orgID string, create bool) *orgLedger {
	m.mu.RLock()
	o := m.orgs[orgID]
	m.mu.RUnlock()
	if o != nil || !create {
		return o
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o = m.orgs[orgID]; o == nil {
		o = &orgLedger{rows: map[Period]Budget{}}
		m.orgs[orgID] = o
	}
	return o
}

func (m *MemoryLedger) Reserve(_ context.Context, orgID string, amount float64, now time.Time) (Decision, error) {
	o := m.org(orgID, false)
	if o == nil {
		return Decision{Allowed: true, Requested: amount}, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	d := evaluate(o.rows, amount)
	if !d.Allowed {
		return d, nil
	}
	for p, b := range o.rows {
		b.Spent += amount
		b.UpdatedAt = now
		o.rows[p] = b
	}
	return d, nil
}

func (m *MemoryLedger) Adjust(_ context.Context, orgID string, delta float64, now time.Time) error {
	o := m.org(orgID, false)
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for p, b := range o.rows {
		b.Spent = math.Max(0, b.Spent+delta)
		b.UpdatedAt = now
		o.rows[p] = b
	}
	return nil
}

func (m *MemoryLedger) SetLimit(_ context.Context, orgID string, period Period, limit float64, now time.Time) error {
	o := m.org(orgID, true)
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.rows[period]
	if !ok {
		b = Budget{OrgID: orgID, Period: period}
	}
	b.Limit = limit
	b.UpdatedAt = now
	o.rows[period] = b
	return nil
}

func (m *MemoryLedger) Reset(_ context.Context, orgID string, period Period, now time.Time) error {
	o := m.org(orgID, false)
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.rows[period]; ok {
		b.Spent = 0
		b.UpdatedAt = now
		o.rows[period] = b
	}
	return nil
}

func (m *MemoryLedger) Get(_ context.Context, orgID string) ([]Budget, error) {
	o := m.org(orgID, false)
	if o == nil {
		return []Budget{}, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Budget, 0, len(o.rows))
	for _, p := range Periods {
		if b, ok := o.rows[p]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryLedger) List(ctx context.Context) ([]Budget, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.orgs))
	for id := range m.orgs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var out []Budget
	for _, id := range ids {
		rows, _ := m.Get(ctx, id)
		out = append(out, rows...)
	}
	return out, nil
}
