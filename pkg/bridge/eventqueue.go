// Package bridge assembles the twelve components of the bridge core into
// the single facade object a concrete bridge adapter constructs, following
// spec.md §9's "break cyclic references by passing the Bridge-as-interface
// into children, not the whole Bridge object" design note.
package bridge

import (
	"context"
	"sync"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
)

// EventQueue is the shared push/consume interface spec.md §9 calls for:
// "Event queue flavors (none/single/per_room) are a sum type with a shared
// push/consume interface." Push enqueues work for roomID; fn runs exactly
// once, asynchronously with respect to the caller.
type EventQueue interface {
	Push(roomID id.RoomID, fn func(ctx context.Context))
	Stop()
}

// NewEventQueue constructs the EventQueue flavor named by kind ("none",
// "single", or "per_room"), matching pkg/bridgeconfig.EventQueueConfig.Type.
func NewEventQueue(kind string) EventQueue {
	switch kind {
	case "none":
		return newNoneQueue()
	case "per_room":
		return newPerRoomQueue()
	default:
		return newSingleQueue()
	}
}

// noneQueue runs every pushed item on its own goroutine immediately: no
// ordering guarantee at all, matching spec.md §2's "none" flavor.
type noneQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newNoneQueue() *noneQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &noneQueue{ctx: ctx, cancel: cancel}
}

func (q *noneQueue) Push(_ id.RoomID, fn func(ctx context.Context)) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn(q.ctx)
	}()
}

func (q *noneQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// singleQueue is one global FIFO drained by a single worker, so every
// inbound event across every room is handled strictly in arrival order.
type singleQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	items  chan func(ctx context.Context)
	done   chan struct{}
}

func newSingleQueue() *singleQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &singleQueue{
		ctx:    ctx,
		cancel: cancel,
		items:  make(chan func(ctx context.Context), 1024),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *singleQueue) run() {
	defer close(q.done)
	for fn := range q.items {
		fn(q.ctx)
	}
}

func (q *singleQueue) Push(_ id.RoomID, fn func(ctx context.Context)) {
	select {
	case q.items <- fn:
	case <-q.ctx.Done():
	}
}

func (q *singleQueue) Stop() {
	q.cancel()
	close(q.items)
	<-q.done
}

// perRoomQueue runs one FIFO per room (spec.md §2's "per_room" flavor), so
// events in the same room are strictly ordered but different rooms proceed
// concurrently, mirroring the per-shard discipline of pkg/membershipqueue.
type perRoomQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[id.RoomID]chan func(ctx context.Context)
	wg    sync.WaitGroup
}

func newPerRoomQueue() *perRoomQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &perRoomQueue{
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[id.RoomID]chan func(ctx context.Context)),
	}
}

func (q *perRoomQueue) laneFor(roomID id.RoomID) chan func(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane, ok := q.lanes[roomID]
	if ok {
		return lane
	}
	lane = make(chan func(ctx context.Context), 256)
	q.lanes[roomID] = lane
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for fn := range lane {
			fn(q.ctx)
		}
	}()
	return lane
}

func (q *perRoomQueue) Push(roomID id.RoomID, fn func(ctx context.Context)) {
	lane := q.laneFor(roomID)
	select {
	case lane <- fn:
	case <-q.ctx.Done():
	}
}

func (q *perRoomQueue) Stop() {
	q.cancel()
	q.mu.Lock()
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
