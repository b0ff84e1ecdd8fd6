// Package roomupgrade implements the Room Upgrade Handler of spec.md §4.8:
// orchestration of tombstone-driven room migrations — join the successor,
// migrate store entries, migrate ghost users.
package roomupgrade

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
)

// Entry is one opaque store record mapped to a Matrix room. Concrete
// bridges embed their own foreign-network fields alongside RoomID; the
// default MigrateEntry only ever touches RoomID.
type Entry struct {
	ID     string
	RoomID id.RoomID
	Data   interface{}
}

// EntryStore is the persistent-store seam spec.md §4.8 step 1 migrates
// entries through.
type EntryStore interface {
	EntriesForRoom(ctx context.Context, roomID id.RoomID) ([]Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	UpsertEntry(ctx context.Context, entry Entry) error
}

// MigrateEntryFunc maps an old-room entry onto the new room. The default
// (DefaultMigrateEntry) replaces only the Matrix-side room id, per
// spec.md §4.8.
type MigrateEntryFunc func(entry Entry, newRoomID id.RoomID) Entry

// DefaultMigrateEntry replaces only entry.RoomID, leaving ID and Data
// untouched.
func DefaultMigrateEntry(entry Entry, newRoomID id.RoomID) Entry {
	entry.RoomID = newRoomID
	return entry
}

// Registration is the subset of pkg/bridgeconfig.Registration needed to
// recognize virtual users during ghost migration.
type Registration interface {
	IsExclusiveUser(userID string) bool
}

// Config holds the §4.8 tunables.
type Config struct {
	MigrateStoreEntries bool
	MigrateGhosts       bool
}

// Handler is the component of spec.md §4.8.
type Handler struct {
	cfg          Config
	intents      *intent.Manager
	members      *intent.MembershipCache
	store        EntryStore
	migrateEntry MigrateEntryFunc
	registration Registration
	onMigrated   func(ctx context.Context, oldRoom, newRoom id.RoomID) error
	log          *logrus.Entry

	mu             sync.Mutex
	pendingInvites map[id.RoomID]id.RoomID // newRoomID -> oldRoomID
}

// Option configures a Handler.
type Option func(*Handler)

// WithEntryStore wires the persistent store for step 1 of the migration
// pipeline. Without it, store-entry migration is skipped.
func WithEntryStore(store EntryStore, migrateEntry MigrateEntryFunc) Option {
	return func(h *Handler) {
		h.store = store
		if migrateEntry != nil {
			h.migrateEntry = migrateEntry
		}
	}
}

// WithOnRoomMigrated sets the user-supplied hook invoked after store entries
// migrate (spec.md §4.8 step 2).
func WithOnRoomMigrated(fn func(ctx context.Context, oldRoom, newRoom id.RoomID) error) Option {
	return func(h *Handler) { h.onMigrated = fn }
}

// New constructs a Handler.
func New(cfg Config, intents *intent.Manager, members *intent.MembershipCache, registration Registration, log *logrus.Entry, opts ...Option) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		cfg:            cfg,
		intents:        intents,
		members:        members,
		registration:   registration,
		migrateEntry:   DefaultMigrateEntry,
		log:            log,
		pendingInvites: make(map[id.RoomID]id.RoomID),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnTombstone handles an m.room.tombstone event (spec.md §4.8).
func (h *Handler) OnTombstone(ctx context.Context, oldRoom id.RoomID, sender id.UserID, replacementRoom id.RoomID) {
	via := []string{sender.Homeserver()}
	_, err := h.intents.Bot().Join(ctx, string(replacementRoom), via)
	if err == nil {
		h.migrate(ctx, oldRoom, replacementRoom)
		return
	}
	if merror.KindOf(err) == merror.Forbidden {
		h.mu.Lock()
		h.pendingInvites[replacementRoom] = oldRoom
		h.mu.Unlock()
		return
	}
	h.log.WithError(err).WithFields(logrus.Fields{
		"old_room": oldRoom, "new_room": replacementRoom,
	}).Warn("room upgrade: failed to join replacement room, abandoning this upgrade")
}

// OnInvite handles an invite arriving for the bot. If room is a pending
// upgrade target, it joins and runs the migration; otherwise it is ignored
// (spec.md §4.8 "Invite callback").
func (h *Handler) OnInvite(ctx context.Context, room id.RoomID) {
	h.mu.Lock()
	oldRoom, ok := h.pendingInvites[room]
	if ok {
		delete(h.pendingInvites, room)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if _, err := h.intents.Bot().Join(ctx, string(room), nil); err != nil {
		h.log.WithError(err).WithField("room_id", room).Warn("room upgrade: failed to join after invite")
		return
	}
	h.migrate(ctx, oldRoom, room)
}

// migrate runs the best-effort migration pipeline of spec.md §4.8.
func (h *Handler) migrate(ctx context.Context, oldRoom, newRoom id.RoomID) {
	if h.cfg.MigrateStoreEntries && h.store != nil {
		if !h.migrateStoreEntries(ctx, oldRoom, newRoom) {
			h.log.WithFields(logrus.Fields{"old_room": oldRoom, "new_room": newRoom}).
				Warn("room upgrade: no store entry migrated successfully, aborting")
			return
		}
	}

	if h.onMigrated != nil {
		if err := h.onMigrated(ctx, oldRoom, newRoom); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"old_room": oldRoom, "new_room": newRoom,
			}).Warn("room upgrade: onRoomMigrated hook failed")
		}
	}

	if h.cfg.MigrateGhosts {
		h.migrateGhosts(ctx, oldRoom, newRoom)
	}
}

// migrateStoreEntries implements step 1. It reports whether at least one
// entry migrated successfully.
func (h *Handler) migrateStoreEntries(ctx context.Context, oldRoom, newRoom id.RoomID) bool {
	entries, err := h.store.EntriesForRoom(ctx, oldRoom)
	if err != nil {
		h.log.WithError(err).WithField("room_id", oldRoom).Warn("room upgrade: failed to list store entries")
		return false
	}
	succeeded := 0
	for _, entry := range entries {
		migrated := h.migrateEntry(entry, newRoom)
		if migrated.ID != entry.ID {
			if err := h.store.DeleteEntry(ctx, entry.ID); err != nil {
				h.log.WithError(err).WithField("entry_id", entry.ID).Warn("room upgrade: failed to delete old store entry")
				continue
			}
		}
		if err := h.store.UpsertEntry(ctx, migrated); err != nil {
			h.log.WithError(err).WithField("entry_id", migrated.ID).Warn("room upgrade: failed to upsert migrated store entry")
			continue
		}
		succeeded++
	}
	return succeeded > 0
}

// migrateGhosts implements step 3: every virtual user joined in oldRoom
// leaves oldRoom and joins newRoom; the bot leaves oldRoom last.
func (h *Handler) migrateGhosts(ctx context.Context, oldRoom, newRoom id.RoomID) {
	for _, userID := range h.members.JoinedMembers(oldRoom) {
		if userID == h.intents.Bot().UserID() {
			continue
		}
		if !h.registration.IsExclusiveUser(string(userID)) {
			continue
		}
		ghost := h.intents.Get(userID)
		if err := ghost.Leave(ctx, oldRoom, ""); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("room upgrade: ghost failed to leave old room")
		}
		if _, err := ghost.Join(ctx, string(newRoom), nil); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("room upgrade: ghost failed to join new room")
		}
	}
	if err := h.intents.Bot().Leave(ctx, oldRoom, ""); err != nil {
		h.log.WithError(err).WithField("room_id", oldRoom).Warn("room upgrade: bot failed to leave old room")
	}
}
