package statelookup

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakeFetcher struct {
	calls   int32
	events  []mxclient.StateEvent
	failN   int32 // number of times to fail before succeeding
	permErr error
}

func (f *fakeFetcher) RoomState(ctx context.Context, roomID string) ([]mxclient.StateEvent, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.permErr != nil {
		return nil, f.permErr
	}
	if n <= f.failN {
		return nil, merror.Wrap(merror.BridgeInternal, "transient", assertErr{})
	}
	return f.events, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "transient failure" }

func TestTrackRoomIsIdempotentAndBootstrapsOnce(t *testing.T) {
	fetcher := &fakeFetcher{events: []mxclient.StateEvent{
		{Type: "m.room.name", StateKey: "", Content: json.RawMessage(`{"name":"Test"}`)},
	}}
	s := New(fetcher, WithRetryDelay(time.Millisecond))

	s.TrackRoom("!room:example.org")
	s.TrackRoom("!room:example.org")

	assert.Eventually(t, func() bool {
		evs := s.GetState("!room:example.org", "m.room.name", nil)
		return len(evs) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls), "a second TrackRoom call for the same room must not trigger a second fetch")
}

func TestBootstrapRetriesTransientErrors(t *testing.T) {
	fetcher := &fakeFetcher{
		failN:  2,
		events: []mxclient.StateEvent{{Type: "m.room.topic", StateKey: "", Content: json.RawMessage(`{"topic":"hi"}`)}},
	}
	s := New(fetcher, WithRetryDelay(time.Millisecond))
	s.TrackRoom("!retry:example.org")

	require.Eventually(t, func() bool {
		return len(s.GetState("!retry:example.org", "m.room.topic", nil)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fetcher.calls), int32(3))
}

func TestBootstrapGivesUpOnPermanentError(t *testing.T) {
	permErr := merror.New(merror.Forbidden, "cannot fetch state")
	permErr.HTTPStatus = 403
	fetcher := &fakeFetcher{permErr: permErr}
	s := New(fetcher, WithRetryDelay(time.Millisecond))
	s.TrackRoom("!forbidden:example.org")

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.calls), int32(2), "a 4xx-classified error must not be retried indefinitely")
}

func TestOnEventUpdatesTrackedRoomAfterBootstrap(t *testing.T) {
	fetcher := &fakeFetcher{}
	s := New(fetcher, WithRetryDelay(time.Millisecond))
	s.TrackRoom("!live:example.org")

	require.Eventually(t, func() bool {
		return len(s.GetState("!live:example.org", "m.room.topic", nil)) == 0
	}, time.Second, 5*time.Millisecond)

	s.OnEvent("!live:example.org", StateEvent{Type: "m.room.topic", StateKey: "", Content: json.RawMessage(`{"topic":"updated"}`)})

	evs := s.GetState("!live:example.org", "m.room.topic", nil)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"topic":"updated"}`, string(evs[0].Content))
}

func TestOnEventIgnoresUntrackedRoom(t *testing.T) {
	s := New(&fakeFetcher{}, WithRetryDelay(time.Millisecond))
	s.OnEvent("!never-tracked:example.org", StateEvent{Type: "m.room.topic", Content: json.RawMessage(`{}`)})
	assert.Empty(t, s.GetState("!never-tracked:example.org", "m.room.topic", nil))
}
