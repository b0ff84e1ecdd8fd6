// Package encryptedbroker implements the Encrypted-Event Broker of spec.md
// §4.9: for every room with m.room.encryption, ensure exactly one virtual
// user runs a decrypting /sync, and deliver each encrypted event at most
// once to the bridge despite it arriving via both the AS transaction and
// the sync.
//
// The sync pump reuses pkg/mxclient's long-poll SyncRequest (grounded on
// the retrieved mautrix-go client.go's Sync/SyncRequest pair), run under
// golang.org/x/sync/errgroup per owning user so Stop cancels every pump
// together with one context.CancelFunc.
package encryptedbroker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// presenceDedupWindow is the sliding window of spec.md §4.9 "Ephemeral
// dedup (presence only)".
const presenceDedupWindow = 30 * time.Second

// syncTimeout is the long-poll timeout passed to every SyncRequest.
const syncTimeout = 30 * time.Second

// Registration is the subset of pkg/bridgeconfig.Registration the Broker
// needs to tell virtual users apart from real ones.
type Registration interface {
	IsExclusiveUser(userID string) bool
}

// JoinedMembersClient is the subset of pkg/mxclient.Client the Broker needs
// to (re)populate a room's join list when it is absent from the cache.
type JoinedMembersClient interface {
	JoinedMembers(ctx context.Context, roomID string) (map[string]struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}, error)
}

// DeliverFunc is invoked exactly once per encrypted event that has arrived
// via both paths (spec.md §8 invariant 5).
type DeliverFunc func(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent)

// Config holds the §4.9 ephemeral-event tunables.
type Config struct {
	WantPresence bool
	WantTyping   bool
	WantReceipts bool
}

// Broker is the component of spec.md §4.9.
type Broker struct {
	cfg          Config
	intents      *intent.Manager
	members      *intent.MembershipCache
	joinedClient JoinedMembersClient
	registration Registration
	deliver      DeliverFunc
	log          *logrus.Entry

	mu          sync.Mutex
	userForRoom map[id.RoomID]id.UserID
	pumps       map[id.UserID]*pump

	dedupMu      sync.Mutex
	pendingSync  map[string]bool // event id seen via AS, awaiting sync
	pendingAS    map[string]bool // event id seen via sync, awaiting AS
	handled      map[string]bool // "room:event" already delivered

	presenceMu      sync.Mutex
	presenceRecent  []presenceEntry

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

type presenceEntry struct {
	userID          string
	presence        string
	currentlyActive bool
	statusMsg       string
	at              time.Time
}

type pump struct {
	userID id.UserID
	cancel context.CancelFunc
	wake   chan struct{}
}

// New constructs a Broker. deliver is invoked for each newly-reconciled
// encrypted event.
func New(cfg Config, intents *intent.Manager, members *intent.MembershipCache, joinedClient JoinedMembersClient, registration Registration, deliver DeliverFunc, log *logrus.Entry) *Broker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(ctx)
	return &Broker{
		cfg:          cfg,
		intents:      intents,
		members:      members,
		joinedClient: joinedClient,
		registration: registration,
		deliver:      deliver,
		log:          log,
		userForRoom:  make(map[id.RoomID]id.UserID),
		pumps:        make(map[id.UserID]*pump),
		pendingSync:  make(map[string]bool),
		pendingAS:    make(map[string]bool),
		handled:      make(map[string]bool),
		group:        group,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Stop cancels every sync pump and waits for them to exit.
func (b *Broker) Stop() {
	b.cancel()
	_ = b.group.Wait()
}

// OnEncryptedASEvent handles an encrypted event observed via the AS
// transaction (spec.md §4.9 "Per-event reconciliation" / "Room ownership").
func (b *Broker) OnEncryptedASEvent(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent) {
	key := string(roomID) + ":" + event.EventID

	b.dedupMu.Lock()
	if b.handled[key] {
		b.dedupMu.Unlock()
		return
	}
	if b.pendingAS[event.EventID] {
		delete(b.pendingAS, event.EventID)
		b.handled[key] = true
		b.dedupMu.Unlock()
		b.deliver(ctx, roomID, event)
	} else {
		b.pendingSync[event.EventID] = true
		b.dedupMu.Unlock()
	}

	b.mu.Lock()
	owner, owned := b.userForRoom[roomID]
	b.mu.Unlock()
	if owned {
		b.wake(owner)
		return
	}

	b.assignOwner(ctx, roomID)
}

// onSyncEvent is invoked by a sync pump for every encrypted timeline event
// it observes.
func (b *Broker) onSyncEvent(ctx context.Context, roomID id.RoomID, event mxclient.StateEvent) {
	key := string(roomID) + ":" + event.EventID

	b.dedupMu.Lock()
	if b.handled[key] {
		b.dedupMu.Unlock()
		return
	}
	if b.pendingSync[event.EventID] {
		delete(b.pendingSync, event.EventID)
		b.handled[key] = true
		b.dedupMu.Unlock()
		b.deliver(ctx, roomID, event)
		return
	}
	b.pendingAS[event.EventID] = true
	b.dedupMu.Unlock()
}

// assignOwner implements spec.md §4.9 "Room ownership" step 2/3.
func (b *Broker) assignOwner(ctx context.Context, roomID id.RoomID) {
	joined := b.members.JoinedMembers(roomID)
	if len(joined) == 0 {
		members, err := b.joinedClient.JoinedMembers(ctx, string(roomID))
		if err != nil {
			b.log.WithError(err).WithField("room_id", roomID).Warn("encrypted broker: failed to repopulate join list")
			return
		}
		for userID := range members {
			b.members.SetMembership(roomID, id.UserID(userID), intent.MembershipJoin, intent.Profile{})
		}
		joined = b.members.JoinedMembers(roomID)
	}

	var virtualUsers []id.UserID
	for _, u := range joined {
		if b.registration.IsExclusiveUser(string(u)) {
			virtualUsers = append(virtualUsers, u)
		}
	}
	if len(virtualUsers) == 0 {
		b.log.WithField("room_id", roomID).Warn("encrypted broker: no virtual user joined, cannot own room")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, owned := b.userForRoom[roomID]; owned {
		return
	}

	chosen := virtualUsers[0]
	for _, u := range virtualUsers {
		if b.alreadyOwnsSomeRoomLocked(u) {
			chosen = u
			break
		}
	}

	b.userForRoom[roomID] = chosen
	b.intents.SetProtected(chosen, true)
	b.startPumpLocked(chosen)
}

func (b *Broker) alreadyOwnsSomeRoomLocked(userID id.UserID) bool {
	for _, owner := range b.userForRoom {
		if owner == userID {
			return true
		}
	}
	return false
}

// startPumpLocked starts a sync pump for userID if one is not already
// running. Caller must hold b.mu.
func (b *Broker) startPumpLocked(userID id.UserID) {
	if _, ok := b.pumps[userID]; ok {
		return
	}
	pctx, cancel := context.WithCancel(b.ctx)
	p := &pump{userID: userID, cancel: cancel, wake: make(chan struct{}, 1)}
	b.pumps[userID] = p
	b.group.Go(func() error {
		b.runPump(pctx, p)
		return nil
	})
}

func (b *Broker) wake(userID id.UserID) {
	b.mu.Lock()
	p, ok := b.pumps[userID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// runPump is the decrypting /sync long-poll loop of spec.md §4.9 "Sync
// selection".
func (b *Broker) runPump(ctx context.Context, p *pump) {
	in := b.intents.Get(p.userID)
	filterID, err := in.Client().CreateFilter(ctx, syncFilter(b.cfg))
	if err != nil {
		b.log.WithError(err).WithField("user_id", p.userID).Warn("encrypted broker: failed to create sync filter")
	}

	var since string
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := in.Client().SyncRequest(ctx, since, filterID, int(syncTimeout.Milliseconds()))
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		since = resp.NextBatch

		for roomIDStr, joined := range resp.Rooms.Join {
			roomID := id.RoomID(roomIDStr)
			for _, ev := range joined.Timeline.Events {
				if ev.Type == "m.room.encrypted" {
					b.onSyncEvent(ctx, roomID, ev)
				}
			}
			if b.cfg.WantPresence {
				for _, ev := range joined.Ephemeral.Events {
					b.handleEphemeral(ev)
				}
			}
		}

		select {
		case <-p.wake:
		default:
		}
	}
}

func (b *Broker) handleEphemeral(ev mxclient.StateEvent) {
	if ev.Type != "m.presence" {
		return
	}
	var content struct {
		Presence        string `json:"presence"`
		CurrentlyActive bool   `json:"currently_active"`
		StatusMsg       string `json:"status_msg"`
	}
	if json.Unmarshal(ev.Content, &content) != nil {
		return
	}
	entry := presenceEntry{
		userID: ev.Sender, presence: content.Presence,
		currentlyActive: content.CurrentlyActive, statusMsg: content.StatusMsg,
		at: time.Now(),
	}

	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()
	cutoff := entry.at.Add(-presenceDedupWindow)
	kept := b.presenceRecent[:0]
	for _, e := range b.presenceRecent {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	b.presenceRecent = kept
	for _, e := range b.presenceRecent {
		if e.userID == entry.userID && e.presence == entry.presence &&
			e.currentlyActive == entry.currentlyActive && e.statusMsg == entry.statusMsg {
			return // duplicate within the window, drop it
		}
	}
	b.presenceRecent = append(b.presenceRecent, entry)
}

// CanCull reports whether userID's Intent may be culled: it must not own a
// room, and its sync pump (if any) must already be stopped (spec.md §4.9
// "Cull protection").
func (b *Broker) CanCull(userID id.UserID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, owner := range b.userForRoom {
		if owner == userID {
			return false
		}
	}
	_, pumping := b.pumps[userID]
	return !pumping
}

// StopPump stops userID's sync pump, if running, and releases ownership of
// any room it held.
func (b *Broker) StopPump(userID id.UserID) {
	b.mu.Lock()
	p, ok := b.pumps[userID]
	if ok {
		delete(b.pumps, userID)
	}
	for room, owner := range b.userForRoom {
		if owner == userID {
			delete(b.userForRoom, room)
		}
	}
	b.mu.Unlock()
	if ok {
		p.cancel()
	}
	b.intents.SetProtected(userID, false)
}

// impossibleStateType is used to disable all state events in the sync
// filter (spec.md §4.9 "state types restricted to an impossible marker").
const impossibleStateType = "org.matrix.go-appservice-bridge.never"

func syncFilter(cfg Config) json.RawMessage {
	ephemeral := []string{}
	if cfg.WantPresence {
		ephemeral = append(ephemeral, "m.presence")
	}
	if cfg.WantTyping {
		ephemeral = append(ephemeral, "m.typing")
	}
	if cfg.WantReceipts {
		ephemeral = append(ephemeral, "m.receipt")
	}
	filter := map[string]interface{}{
		"room": map[string]interface{}{
			"timeline": map[string]interface{}{
				"types": []string{"m.room.encrypted"},
			},
			"state": map[string]interface{}{
				"types":        []string{impossibleStateType},
				"lazy_load_members": true,
			},
			"ephemeral": map[string]interface{}{
				"types": ephemeral,
			},
		},
	}
	data, _ := json.Marshal(filter)
	return data
}
