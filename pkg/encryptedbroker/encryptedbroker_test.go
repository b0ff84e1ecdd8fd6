package encryptedbroker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakeJoinedClient struct{}

func (fakeJoinedClient) JoinedMembers(ctx context.Context, roomID string) (map[string]struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}, error) {
	return nil, nil
}

type fakeRegistration struct{}

func (fakeRegistration) IsExclusiveUser(userID string) bool { return true }

func newTestBroker(t *testing.T) (*Broker, func()) {
	client, err := mxclient.New("http://localhost:1", "as_token", nil)
	require.NoError(t, err)
	members := intent.NewMembershipCache()
	mgr, err := intent.NewManager(client, "@bot:localhost", members, time.Minute, 100)
	require.NoError(t, err)

	var mu sync.Mutex
	var delivered []string
	deliver := func(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent) {
		mu.Lock()
		delivered = append(delivered, event.EventID)
		mu.Unlock()
	}
	b := New(Config{}, mgr, members, fakeJoinedClient{}, fakeRegistration{}, deliver, nil)
	// Pre-assign ownership so OnEncryptedASEvent's assignOwner path (and its
	// sync-pump spin-up) is never exercised by these reconciliation tests.
	b.userForRoom["!room:example.org"] = "@ghost:example.org"
	return b, func() { mu.Lock(); defer mu.Unlock() }
}

func TestReconcileSyncThenAS(t *testing.T) {
	b, _ := newTestBroker(t)
	delivered := 0
	b.deliver = func(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent) { delivered++ }

	b.onSyncEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$e:room"})
	assert.Equal(t, 0, delivered, "must not deliver until both sides have seen the event")

	b.OnEncryptedASEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$e:room"})
	assert.Equal(t, 1, delivered)

	// A second sync delivery of the same event must be suppressed.
	b.onSyncEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$e:room"})
	assert.Equal(t, 1, delivered, "a duplicate sync delivery must not re-deliver")
}

func TestReconcileASThenSync(t *testing.T) {
	b, _ := newTestBroker(t)
	delivered := 0
	b.deliver = func(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent) { delivered++ }

	b.OnEncryptedASEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$f:room"})
	assert.Equal(t, 0, delivered)

	b.onSyncEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$f:room"})
	assert.Equal(t, 1, delivered)

	b.OnEncryptedASEvent(context.Background(), "!room:example.org", mxclient.StateEvent{EventID: "$f:room"})
	assert.Equal(t, 1, delivered, "a duplicate AS delivery must not re-deliver")
}

func TestCanCullAndStopPump(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.False(t, b.CanCull("@ghost:example.org"), "a room-owning user must not be cullable")

	b.StopPump("@ghost:example.org")
	assert.True(t, b.CanCull("@ghost:example.org"), "after StopPump releases ownership, the user must be cullable")
}
