// Package membershipqueue implements the Membership Queue of spec.md §4.2: a
// sharded, linearized, retrying queue for join/leave/kick operations, each
// shard processed by exactly one goroutine so membership changes against the
// same room are always linearized.
package membershipqueue

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
)

// ItemType is the kind of membership change requested.
type ItemType string

const (
	Join  ItemType = "join"
	Leave ItemType = "leave"
	Kick  ItemType = "kick"
)

// Outcome is the terminal result of an item, used as the `processed`
// counter's label.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeDead    Outcome = "dead"
)

// Item is a single queued membership change (spec.md §3 "Membership Queue
// item").
type Item struct {
	Type      ItemType
	RoomID    id.RoomID
	UserID    id.UserID
	KickUser  id.UserID // actor performing a kick; zero value means UserID acts for itself
	Reason    string
	RequestID string

	attempts    int
	enqueuedAt  time.Time
	ttl         time.Duration
}

var (
	processed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "membershipqueue",
			Name:      "processed",
			Help:      "Total number of membership queue items that reached a terminal outcome",
		},
		[]string{"type", "outcome"},
	)
	pending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "membershipqueue",
			Name:      "pending",
			Help:      "Number of membership queue items currently enqueued or in flight",
		},
		[]string{"shard"},
	)
	registerMetrics sync.Once
)

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(processed, pending)
	})
}

// Params holds the §4.2 tunables.
type Params struct {
	ConcurrentRoomLimit int
	MaxAttempts         int
	ActionDelay         time.Duration
	MaxActionDelay      time.Duration
	DefaultTTL          time.Duration
}

// DefaultParams matches spec.md §4.2's stated defaults.
func DefaultParams() Params {
	return Params{
		ConcurrentRoomLimit: 8,
		MaxAttempts:         10,
		ActionDelay:         500 * time.Millisecond,
		MaxActionDelay:      30 * time.Minute,
		DefaultTTL:          2 * time.Minute,
	}
}

// IntentProvider resolves the Intent for a user ID, matching pkg/intent's
// Manager.Get signature without importing its concrete type (kept as an
// interface so this package can be unit-tested with a fake).
type IntentProvider interface {
	Get(userID id.UserID) *intent.Intent
}

// Queue is the sharded, linearized Membership Queue.
type Queue struct {
	params   Params
	intents  IntentProvider
	log      *logrus.Entry

	shards []chan *Item
	wg     sync.WaitGroup

	stop   chan struct{}
	stopOnce sync.Once
}

// New constructs and starts a Queue. Call Stop to drain and shut it down.
func New(params Params, intents IntentProvider, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &Queue{
		params:  params,
		intents: intents,
		log:     log,
		shards:  make([]chan *Item, params.ConcurrentRoomLimit),
		stop:    make(chan struct{}),
	}
	for i := range q.shards {
		q.shards[i] = make(chan *Item, 256)
		q.wg.Add(1)
		go q.runShard(i)
	}
	return q
}

// Stop closes every shard's input and waits for in-flight items to drain.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
		for _, ch := range q.shards {
			close(ch)
		}
	})
	q.wg.Wait()
}

func shardFor(roomID id.RoomID, shardCount int) int {
	sum := 0
	for _, r := range string(roomID) {
		sum += int(r)
	}
	return sum % shardCount
}

// Enqueue admits a new item, defaulting its TTL and request id if unset.
func (q *Queue) Enqueue(item *Item) {
	if item.ttl == 0 {
		item.ttl = q.params.DefaultTTL
	}
	if item.enqueuedAt.IsZero() {
		item.enqueuedAt = time.Now()
	}
	if item.RequestID == "" {
		item.RequestID = uuid.NewString()
	}
	shard := shardFor(item.RoomID, len(q.shards))
	pending.WithLabelValues(shardLabel(shard)).Inc()
	q.shards[shard] <- item
}

func shardLabel(shard int) string {
	return strconv.Itoa(shard)
}

func (q *Queue) runShard(shard int) {
	defer q.wg.Done()
	for item := range q.shards[shard] {
		q.process(shard, item)
	}
}

// process implements the "Service loop per item" algorithm of spec.md §4.2.
func (q *Queue) process(shard int, item *Item) {
	pending.WithLabelValues(shardLabel(shard)).Dec()

	if time.Since(item.enqueuedAt) > item.ttl {
		q.terminal(item, OutcomeDead)
		return
	}

	actor := item.UserID
	if item.KickUser != "" {
		actor = item.KickUser
	}
	in := q.intents.Get(actor)

	var err error
	ctx := context.Background()
	switch item.Type {
	case Join:
		_, err = in.Join(ctx, string(item.RoomID), nil)
	case Leave:
		err = in.Leave(ctx, item.RoomID, item.Reason)
	case Kick:
		if item.KickUser != "" && item.KickUser != item.UserID {
			err = in.Kick(ctx, item.RoomID, item.UserID, item.Reason)
		} else {
			err = in.Leave(ctx, item.RoomID, item.Reason)
		}
	}

	if err == nil {
		q.terminal(item, OutcomeSuccess)
		return
	}

	item.attempts++
	if item.attempts >= q.params.MaxAttempts || merror.Is404or403(err) {
		q.log.WithError(err).WithField("room_id", item.RoomID).Warn("membership queue item exhausted retries")
		q.terminal(item, OutcomeFail)
		return
	}

	delay := time.Duration(int64(q.params.ActionDelay) * int64(item.attempts))
	delay += time.Duration(rand.Intn(500)) * time.Millisecond
	if delay > q.params.MaxActionDelay {
		delay = q.params.MaxActionDelay
	}
	go func() {
		select {
		case <-time.After(delay):
			q.Enqueue(item)
		case <-q.stop:
		}
	}()
}

func (q *Queue) terminal(item *Item, outcome Outcome) {
	processed.WithLabelValues(string(item.Type), string(outcome)).Inc()
}
