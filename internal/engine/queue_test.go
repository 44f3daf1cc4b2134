package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/ir"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	change := &ir.Change{Entity: "users", Action: ir.ChangeUpdate, ID: "7"}
	ok := q.Enqueue(Event{Type: EventTypePush, Change: change})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventTypePush, got.Type)
	assert.Equal(t, "7", got.Change.ID)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(Event{Type: EventTypeCompletion, Completion: &completion{opID: id}})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Completion.opID)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Type: EventTypeCommand, Command: func() {}})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal after enqueue")
	}
}

func TestEventQueue_CloseDrains(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(Event{Type: EventTypeCommand, Command: func() {}})
	q.Close()

	assert.False(t, q.Drained(), "closed queue with events is not drained")
	_, ok := q.TryDequeue()
	require.True(t, ok, "events enqueued before close are still delivered")
	assert.True(t, q.Drained())

	_, open := <-q.Wait()
	assert.False(t, open, "wait channel closes with the queue")
}

func TestEventQueue_Enqueue_AfterClose(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	ok := q.Enqueue(Event{Type: EventTypeCommand, Command: func() {}})
	assert.False(t, ok, "enqueue after close should fail")
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(Event{Type: EventTypeCommand})
	q.Enqueue(Event{Type: EventTypeCommand})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Enqueue(Event{Type: EventTypeCommand})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
