package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEventQueueDispatchesByKind(t *testing.T) {
	assert.IsType(t, &noneQueue{}, NewEventQueue("none"))
	assert.IsType(t, &perRoomQueue{}, NewEventQueue("per_room"))
	assert.IsType(t, &singleQueue{}, NewEventQueue("single"))
	assert.IsType(t, &singleQueue{}, NewEventQueue("anything-else"), "unrecognized kinds fall back to single")
}

func TestSingleQueueRunsInArrivalOrder(t *testing.T) {
	q := NewEventQueue("single")
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.Push("!room:example.org", func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPerRoomQueueOrdersWithinRoomOnly(t *testing.T) {
	q := NewEventQueue("per_room")
	defer q.Stop()

	var muA sync.Mutex
	var orderA []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.Push("!a:example.org", func(ctx context.Context) {
			muA.Lock()
			orderA = append(orderA, i)
			muA.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, orderA)
}

func TestNoneQueueRunsEveryItem(t *testing.T) {
	q := NewEventQueue("none")

	var count int64
	for i := 0; i < 10; i++ {
		q.Push("!room:example.org", func(ctx context.Context) {
			atomic.AddInt64(&count, 1)
		})
	}
	q.Stop()
	assert.EqualValues(t, 10, atomic.LoadInt64(&count))
}

func TestSingleQueueStopDrainsInFlight(t *testing.T) {
	q := NewEventQueue("single")
	var ran int32
	q.Push("!room:example.org", func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
	})
	q.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}
