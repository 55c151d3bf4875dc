// Package stream fans run progress out to live observers.
package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentgate/internal/metrics"
)

type EventType string

const (
	EventStatus   EventType = "status"
	EventStep     EventType = "step"
	EventApproval EventType = "approval"
)

type Event struct {
	RunID   string    `json:"runId"`
	Seq     int64     `json:"seq"`
	Step    int       `json:"step,omitempty"`
	Type    EventType `json:"type"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Mirror receives a copy of every published event.
type Mirror interface {
	Mirror(e Event) error
}

type Options struct {
	// Buffer is the per-observer channel size.
	Buffer  int
	Mirror  Mirror
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Hub never blocks a publisher: an observer whose buffer is full misses
// the event.
type Hub struct {
	buffer  int
	mirror  Mirror
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*topic
}

type topic struct {
	seq    int64
	nextID int
	subs   map[int]chan Event
}

func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Hub{
		buffer:  opts.Buffer,
		mirror:  opts.Mirror,
		log:     opts.Logger.With().Str("component", "stream").Logger(),
		metrics: opts.Metrics,
		runs:    map[string]*topic{},
	}
}

// Subscribe registers an observer for runID. The channel is closed when
// the run is closed or cancel is called; cancel is idempotent.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topic(runID)
	id := t.nextID
	t.nextID++
	ch := make(chan Event, h.buffer)
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			cur, ok := h.runs[runID]
			if !ok {
				return
			}
			if c, ok := cur.subs[id]; ok {
				delete(cur.subs, id)
				close(c)
			}
			if len(cur.subs) == 0 && cur.seq == 0 {
				delete(h.runs, runID)
			}
		})
	}
}

// Publish stamps the event with the run's next sequence number.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	t := h.topic(e.RunID)
	t.seq++
	e.Seq = t.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			if h.metrics != nil {
				h.metrics.StreamDropped.Inc()
			}
		}
	}
	h.mu.Unlock()

	if h.mirror != nil {
		if err := h.mirror.Mirror(e); err != nil {
			h.log.Warn().Err(err).Str("run_id", e.RunID).Msg("mirror event")
		}
	}
}

// Close ends the run's stream and releases its observers.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.runs[runID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	delete(h.runs, runID)
}

// Observers reports the number of live observers of a run.
func (h *Hub) Observers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.runs[runID]; ok {
		return len(t.subs)
	}
	return 0
}

// topic must be called with mu held.
func (h *Hub) topic(runID string) *topic {
	t, ok := h.runs[runID]
	if !ok {
		t = &topic{subs: map[int]chan Event{}}
		h.runs[runID] = t
	}
	return t
}
