package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *recordingMirror) Mirror(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestHub_FansOutInOrder(t *testing.T) {
	h := NewHub(Options{Buffer: 8})
	a, cancelA := h.Subscribe("r1")
	defer cancelA()
	b, cancelB := h.Subscribe("r1")
	defer cancelB()

	h.Publish(Event{RunID: "r1", Type: EventStatus, Status: "running"})
	h.Publish(Event{RunID: "r1", Type: EventStep, Step: 1})
	h.Publish(Event{RunID: "other", Type: EventStep, Step: 1})

	for _, ch := range []<-chan Event{a, b} {
		first, second := <-ch, <-ch
		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, "running", first.Status)
		assert.Equal(t, int64(2), second.Seq)
		assert.False(t, second.Time.IsZero())
	}
}

func TestHub_SlowObserverDropsWithoutBlocking(t *testing.T) {
	h := NewHub(Options{Buffer: 1})
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish(Event{RunID: "r1", Type: EventStep, Step: i + 1})
	}
	got := <-ch
	assert.Equal(t, 1, got.Step)
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event %+v", e)
	default:
	}
}

func TestHub_CloseEndsObservers(t *testing.T) {
	h := NewHub(Options{})
	ch, cancel := h.Subscribe("r1")
	h.Publish(Event{RunID: "r1", Type: EventStatus, Status: "completed"})
	h.Close("r1")

	e, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "completed", e.Status)
	_, ok = <-ch
	assert.False(t, ok)

	cancel()
	cancel()
	assert.Equal(t, 0, h.Observers("r1"))
}

func TestHub_DisconnectingObserverLeavesOthers(t *testing.T) {
	h := NewHub(Options{})
	_, cancelA := h.Subscribe("r1")
	b, cancelB := h.Subscribe("r1")
	defer cancelB()
	cancelA()

	assert.Equal(t, 1, h.Observers("r1"))
	h.Publish(Event{RunID: "r1", Type: EventStep, Step: 1})
	assert.Equal(t, 1, (<-b).Step)
}

func TestHub_MirrorFailureDoesNotStopPublishing(t *testing.T) {
	m := &recordingMirror{err: errors.New("nats down")}
	h := NewHub(Options{Mirror: m})
	ch, cancel := h.Subscribe("r1")
	defer cancel()

	h.Publish(Event{RunID: "r1", Type: EventStep, Step: 1})
	assert.Equal(t, 1, (<-ch).Step)
	assert.Len(t, m.events, 1)
}
