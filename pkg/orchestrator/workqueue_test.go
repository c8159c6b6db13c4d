package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulefleet/rulefleet/pkg/core"
)

func ref(id int64) core.ParentRef {
	return core.ParentRef{Type: core.ParentTypeActivation, ID: id}
}

func TestDelayedQueueOrdering(t *testing.T) {
	q := newDelayedQueue()
	q.Enqueue(ref(1), 0)
	q.Enqueue(ref(2), 0)

	first, ok := q.Dequeue()
	require.True(t, ok)
	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.ElementsMatch(t,
		[]core.ParentRef{ref(1), ref(2)},
		[]core.ParentRef{first, second})

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestDelayedQueueHoldsUntilReady(t *testing.T) {
	q := newDelayedQueue()
	q.Enqueue(ref(1), time.Hour)

	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestDelayedQueueDedupKeepsEarliest(t *testing.T) {
	q := newDelayedQueue()
	q.Enqueue(ref(1), time.Hour)
	q.Enqueue(ref(1), 0)
	require.Equal(t, 1, q.Len())

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ref(1), got)
}

func TestDelayedQueueDedupNeverDelays(t *testing.T) {
	q := newDelayedQueue()
	q.Enqueue(ref(1), 0)
	q.Enqueue(ref(1), time.Hour)

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, ref(1), got)
}

func TestDelayedQueueNotify(t *testing.T) {
	q := newDelayedQueue()
	q.Enqueue(ref(1), 0)

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending notification")
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second, 0.5)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, time.Second, jitter(time.Second, 0))
}

func TestSchedulerWakeups(t *testing.T) {
	s := NewScheduler()
	s.ScheduleRestart(ref(1), 0)
	s.Submit(ref(2))

	seen := make(map[core.ParentRef]bool)
	for i := 0; i < 2; i++ {
		r, ok := s.next()
		require.True(t, ok)
		seen[r] = true
	}
	assert.True(t, seen[ref(1)])
	assert.True(t, seen[ref(2)])

	_, ok := s.next()
	assert.False(t, ok)
}
