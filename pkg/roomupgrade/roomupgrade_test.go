package roomupgrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakeRegistration struct{ prefix string }

func (f fakeRegistration) IsExclusiveUser(userID string) bool {
	return len(userID) > len(f.prefix)+1 && userID[1:len(f.prefix)+1] == f.prefix
}

func newHandler(t *testing.T, cfg Config, opts ...Option) (*Handler, *intent.Manager, *intent.MembershipCache) {
	client, err := mxclient.New("http://localhost:8008", "as_token", nil)
	require.NoError(t, err)
	members := intent.NewMembershipCache()
	mgr, err := intent.NewManager(client, "@bot:localhost", members, time.Minute, 100)
	require.NoError(t, err)
	h := New(cfg, mgr, members, fakeRegistration{"ghost_"}, nil, opts...)
	return h, mgr, members
}

type memEntryStore struct {
	entries map[string]Entry
}

func newMemEntryStore() *memEntryStore { return &memEntryStore{entries: map[string]Entry{}} }

func (s *memEntryStore) EntriesForRoom(ctx context.Context, roomID id.RoomID) ([]Entry, error) {
	var out []Entry
	for _, e := range s.entries {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEntryStore) DeleteEntry(ctx context.Context, entryID string) error {
	delete(s.entries, entryID)
	return nil
}

func (s *memEntryStore) UpsertEntry(ctx context.Context, entry Entry) error {
	s.entries[entry.ID] = entry
	return nil
}

func TestMigrateStoreEntriesRunsOnRoomMigratedHook(t *testing.T) {
	store := newMemEntryStore()
	store.entries["e1"] = Entry{ID: "e1", RoomID: "!old:example.org"}

	migrated := false
	h, _, _ := newHandler(t, Config{MigrateStoreEntries: true}, WithEntryStore(store, DefaultMigrateEntry), WithOnRoomMigrated(func(ctx context.Context, oldRoom, newRoom id.RoomID) error {
		migrated = true
		assert.Equal(t, id.RoomID("!old:example.org"), oldRoom)
		assert.Equal(t, id.RoomID("!new:example.org"), newRoom)
		return nil
	}))

	h.migrate(context.Background(), "!old:example.org", "!new:example.org")

	assert.True(t, migrated)
	assert.Equal(t, id.RoomID("!new:example.org"), store.entries["e1"].RoomID)
}

func TestMigrateAbortsWhenNoEntrySucceeds(t *testing.T) {
	store := newMemEntryStore() // no entries for the old room

	migrated := false
	h, _, _ := newHandler(t, Config{MigrateStoreEntries: true}, WithEntryStore(store, DefaultMigrateEntry), WithOnRoomMigrated(func(ctx context.Context, oldRoom, newRoom id.RoomID) error {
		migrated = true
		return nil
	}))

	h.migrate(context.Background(), "!old:example.org", "!new:example.org")
	assert.False(t, migrated, "onRoomMigrated must not run when zero store entries migrated")
}

func TestPendingInviteMapsReplacementRoomToOldRoom(t *testing.T) {
	h, _, _ := newHandler(t, Config{})
	// Against an unreachable homeserver, Join will fail with something other
	// than Forbidden (a transport error), so we exercise the pending-invite
	// bookkeeping directly instead of depending on network classification.
	h.mu.Lock()
	h.pendingInvites["!new:example.org"] = "!old:example.org"
	h.mu.Unlock()

	h.mu.Lock()
	old, ok := h.pendingInvites["!new:example.org"]
	h.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, id.RoomID("!old:example.org"), old)
}
