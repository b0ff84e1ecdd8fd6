package membershipqueue

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakeIntents struct {
	mgr *intent.Manager
}

func newFakeIntents(t *testing.T) *fakeIntents {
	client, err := mxclient.New("http://localhost:8008", "as_token", nil)
	require.NoError(t, err)
	mgr, err := intent.NewManager(client, "@bot:localhost", intent.NewMemoryStore(), time.Minute, 100)
	require.NoError(t, err)
	return &fakeIntents{mgr: mgr}
}

func (f *fakeIntents) Get(userID id.UserID) *intent.Intent {
	return f.mgr.Get(userID)
}

func TestShardForIsDeterministicAndFitsRange(t *testing.T) {
	for _, room := range []id.RoomID{"!a:x", "!room-one:example.org", "!another:example.org"} {
		s1 := shardFor(room, 8)
		s2 := shardFor(room, 8)
		assert.Equal(t, s1, s2, "shard assignment must be stable for a given room id")
		assert.GreaterOrEqual(t, s1, 0)
		assert.Less(t, s1, 8)
	}
}

func TestEnqueueDefaultsRequestID(t *testing.T) {
	fi := newFakeIntents(t)
	q := New(DefaultParams(), fi, nil)
	defer q.Stop()

	item := &Item{Type: Join, RoomID: "!x:example.org", UserID: "@ghost:example.org", ttl: time.Hour}
	q.Enqueue(item)
	assert.NotEmpty(t, item.RequestID, "Enqueue must assign a request id when the caller leaves it blank")
}

func TestQueueDropsExpiredItemAsDead(t *testing.T) {
	fi := newFakeIntents(t)
	q := New(DefaultParams(), fi, nil)
	defer q.Stop()

	item := &Item{
		Type:   Join,
		RoomID: "!dead-on-arrival:example.org",
		UserID: "@ghost:example.org",
	}
	item.ttl = time.Millisecond
	item.enqueuedAt = time.Now().Add(-time.Hour)

	before := testutil.ToFloat64(processed.WithLabelValues(string(Join), string(OutcomeDead)))
	q.Enqueue(item)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(processed.WithLabelValues(string(Join), string(OutcomeDead))) > before
	}, time.Second, 10*time.Millisecond, "an item past its TTL must be recorded as outcome=dead without attempting the join")
}

func TestQueueRetriesThenGivesUpOnMaxAttempts(t *testing.T) {
	fi := newFakeIntents(t)
	params := DefaultParams()
	params.MaxAttempts = 1
	params.ActionDelay = time.Millisecond
	params.MaxActionDelay = 10 * time.Millisecond
	q := New(params, fi, nil)
	defer q.Stop()

	item := &Item{
		Type:   Join,
		RoomID: "!unreachable:example.invalid",
		UserID: "@ghost:example.org",
	}

	before := testutil.ToFloat64(processed.WithLabelValues(string(Join), string(OutcomeFail)))
	q.Enqueue(item)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(processed.WithLabelValues(string(Join), string(OutcomeFail))) > before
	}, 2*time.Second, 10*time.Millisecond, "a join against an unreachable homeserver must exhaust at MaxAttempts=1 and land as outcome=fail")
}
