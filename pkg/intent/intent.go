package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/matrix-org/go-appservice-bridge/pkg/cache"
	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// EventSentHook is invoked after a successful sendEvent, per spec.md's
// `onEventSent` hook.
type EventSentHook func(roomID id.RoomID, eventType, eventID string)

// Manager owns the shared state (caches, backing store, in-flight
// deduplication) across every Intent it creates. Intents are culled only
// when a caller invokes Cull, which skips those marked protected (spec.md
// §4.9 "Cull protection"); there is no idle tracking.
type Manager struct {
	client       *mxclient.Client
	botUserID    id.UserID
	store        Store
	passthrough  bool // passthroughError: surface raw join errors instead of generic "failed to join"
	onEventSent  EventSentHook

	profileCache   *cache.Cache
	roomStateCache *cache.Cache
	eventCache     *cache.Cache

	mu       sync.Mutex
	intents  map[id.UserID]*Intent
	protect  map[id.UserID]bool // spec.md §4.9: protected from culling while true

	registerGroup singleflight.Group
	joinGroup     singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPassthroughError disables the translation of exhausted ensureJoined
// failures into the generic "failed to join" error.
func WithPassthroughError() ManagerOption {
	return func(m *Manager) { m.passthrough = true }
}

// WithEventSentHook registers a hook invoked after every successful sendEvent.
func WithEventSentHook(hook EventSentHook) ManagerOption {
	return func(m *Manager) { m.onEventSent = hook }
}

// NewManager constructs an Intent Manager. cacheTTL/cacheMaxSize configure
// the three Client-Request Caches (spec.md §4.1 "Caches").
func NewManager(client *mxclient.Client, botUserID id.UserID, store Store, cacheTTL time.Duration, cacheMaxSize int, opts ...ManagerOption) (*Manager, error) {
	profileCache, err := cache.New(cacheTTL, cacheMaxSize)
	if err != nil {
		return nil, err
	}
	roomStateCache, err := cache.New(cacheTTL, cacheMaxSize)
	if err != nil {
		return nil, err
	}
	eventCache, err := cache.New(cacheTTL, cacheMaxSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		client:         client,
		botUserID:      botUserID,
		store:          store,
		profileCache:   profileCache,
		roomStateCache: roomStateCache,
		eventCache:     eventCache,
		intents:        make(map[id.UserID]*Intent),
		protect:        make(map[id.UserID]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns the Intent for userID, creating it on first use.
func (m *Manager) Get(userID id.UserID) *Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.intents[userID]; ok {
		return in
	}
	in := &Intent{
		mgr:    m,
		userID: userID,
		client: m.client.WithUserID(string(userID)),
	}
	m.intents[userID] = in
	return in
}

// Bot returns the Intent for the bridge bot (sender_localpart) user.
func (m *Manager) Bot() *Intent {
	return m.Get(m.botUserID)
}

// SetProtected marks userID's Intent as protected from culling (spec.md
// §4.9: an Intent is protected iff its user owns an encrypted room).
func (m *Manager) SetProtected(userID id.UserID, protected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if protected {
		m.protect[userID] = true
	} else {
		delete(m.protect, userID)
	}
}

// CanCull reports whether userID's Intent may be culled right now.
func (m *Manager) CanCull(userID id.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.protect[userID]
}

// Cull drops the cached Intent for userID if it is not protected. The next
// Get call will construct a fresh one.
func (m *Manager) Cull(userID id.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.protect[userID] {
		return false
	}
	delete(m.intents, userID)
	return true
}

// Intent is the per-user action gateway of spec.md §4.1.
type Intent struct {
	mgr        *Manager
	userID     id.UserID
	client     *mxclient.Client

	mu         sync.Mutex
	registered bool
	joinedRooms map[id.RoomID]bool
}

// UserID returns the Matrix user ID this Intent acts as.
func (in *Intent) UserID() id.UserID { return in.userID }

// Client returns the low-level mxclient.Client asserting this Intent's user
// identity, for callers (e.g. the Encrypted-Event Broker's sync pump) that
// need direct access below the Intent API.
func (in *Intent) Client() *mxclient.Client { return in.client }

func (in *Intent) isBot() bool { return in.userID == in.mgr.botUserID }

func (in *Intent) localpart() string { return in.userID.Localpart() }

// ensureRegistered idempotently registers this user. UserInUse/Exclusive
// errors are treated as success (spec.md §4.1).
func (in *Intent) ensureRegistered(ctx context.Context) error {
	in.mu.Lock()
	if in.registered {
		in.mu.Unlock()
		return nil
	}
	in.mu.Unlock()

	_, err, _ := in.mgr.registerGroup.Do(string(in.userID), func() (interface{}, error) {
		_, rerr := in.client.Register(ctx, in.localpart())
		if rerr != nil {
			kind := merror.KindOf(rerr)
			if kind == merror.UserInUse || kind == merror.Exclusive {
				return nil, nil
			}
			return nil, rerr
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.registered = true
	in.mu.Unlock()
	return nil
}

// ensureJoined implements the join ladder of spec.md §4.1.
func (in *Intent) ensureJoined(ctx context.Context, roomIDOrAlias string, ignoreCache bool, via []string) (id.RoomID, error) {
	resolved, err := in.resolveRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", err
	}

	if !ignoreCache {
		if m, ok := in.mgr.store.GetMembership(resolved, in.userID); ok && m == MembershipJoin {
			return resolved, nil
		}
	}

	v, err, _ := in.mgr.joinGroup.Do(fmt.Sprintf("%s|%s", resolved, in.userID), func() (interface{}, error) {
		return in.joinLadder(ctx, resolved, via)
	})
	if err != nil {
		if in.mgr.passthrough {
			return "", err
		}
		return "", merror.Wrap(merror.Forbidden, "failed to join room", err)
	}
	return v.(id.RoomID), nil
}

func (in *Intent) resolveRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	if len(roomIDOrAlias) > 0 && roomIDOrAlias[0] == '#' {
		roomID, _, err := in.client.ResolveAlias(ctx, roomIDOrAlias)
		if err != nil {
			return "", err
		}
		return id.RoomID(roomID), nil
	}
	return id.RoomID(roomIDOrAlias), nil
}

func (in *Intent) joinLadder(ctx context.Context, room id.RoomID, via []string) (id.RoomID, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return "", err
	}

	markJoined := func() {
		in.mgr.store.SetMembership(room, in.userID, MembershipJoin, Profile{})
	}

	// Step 1: self-join.
	joined, err := in.client.JoinRoom(ctx, string(room), via)
	if err == nil {
		markJoined()
		return id.RoomID(joined), nil
	}
	if merror.KindOf(err) != merror.Forbidden {
		return "", err
	}

	// Step 2: bot invites self, then self-join.
	bot := in.mgr.Bot()
	if !in.isBot() {
		if ierr := bot.invite(ctx, room, in.userID); ierr == nil {
			joined, err = in.client.JoinRoom(ctx, string(room), via)
			if err == nil {
				markJoined()
				return id.RoomID(joined), nil
			}
		}
	}
	if merror.KindOf(err) != merror.Forbidden {
		return "", err
	}

	// Step 3: bot joins, bot invites, self-join.
	if !in.isBot() {
		if _, berr := bot.joinLadderBotOnly(ctx, room, via); berr == nil {
			if ierr := bot.invite(ctx, room, in.userID); ierr == nil {
				joined, err = in.client.JoinRoom(ctx, string(room), via)
				if err == nil {
					markJoined()
					return id.RoomID(joined), nil
				}
			}
		}
	}

	return "", merror.New(merror.Forbidden, "exhausted join ladder")
}

// joinLadderBotOnly is the plain self-join used when the bot itself needs to
// get into a room as a precondition for inviting others (step 3 of the
// ladder, for the bot's own membership).
func (bot *Intent) joinLadderBotOnly(ctx context.Context, room id.RoomID, via []string) (id.RoomID, error) {
	if m, ok := bot.mgr.store.GetMembership(room, bot.userID); ok && m == MembershipJoin {
		return room, nil
	}
	joined, err := bot.client.JoinRoom(ctx, string(room), via)
	if err != nil {
		return "", err
	}
	bot.mgr.store.SetMembership(room, bot.userID, MembershipJoin, Profile{})
	return id.RoomID(joined), nil
}

func (in *Intent) invite(ctx context.Context, room id.RoomID, target id.UserID) error {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return err
	}
	return in.client.InviteUser(ctx, string(room), string(target))
}

// ensureJoinedSelf is ensureJoined without alias resolution, for callers
// that already hold a canonical room ID.
func (in *Intent) ensureJoinedSelf(ctx context.Context, room id.RoomID) error {
	_, err := in.ensureJoined(ctx, string(room), false, nil)
	return err
}

// --- Power levels ---

func (in *Intent) getPowerLevelContent(ctx context.Context, room id.RoomID, useCache bool) (*PowerLevelContent, error) {
	if useCache {
		if pl, ok := in.mgr.store.GetPowerLevelContent(room); ok {
			return pl, nil
		}
	}
	v, err := in.mgr.roomStateCache.Get(ctx, fmt.Sprintf("%s:pl", room), func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		var content PowerLevelContent
		if gerr := in.client.GetStateEvent(ctx, string(room), "m.room.power_levels", "", &content); gerr != nil {
			return nil, gerr
		}
		return &content, nil
	})
	if err != nil {
		return nil, err
	}
	pl := v.(*PowerLevelContent)
	in.mgr.store.SetPowerLevelContent(room, pl)
	return pl, nil
}

// ensureHasPowerLevelFor implements spec.md §4.1's escalation algorithm.
func (in *Intent) ensureHasPowerLevelFor(ctx context.Context, room id.RoomID, eventType string, isState bool) error {
	pl, err := in.getPowerLevelContent(ctx, room, true)
	if err != nil {
		return err
	}
	required := pl.RequiredLevelFor(eventType, isState)
	userLevel := pl.LevelOf(string(in.userID))
	if userLevel >= required {
		return nil
	}

	bot := in.mgr.Bot()
	botLevel := pl.LevelOf(string(bot.userID))
	modifyRequired := pl.RequiredLevelToModifyPowerLevels()
	if botLevel < modifyRequired {
		return merror.New(merror.Forbidden, "bot lacks power to modify power levels in room")
	}

	updated := pl.clone()
	if updated.Users == nil {
		updated.Users = map[string]int{}
	}
	updated.Users[string(in.userID)] = required
	if _, err := bot.client.SendStateEvent(ctx, string(room), "m.room.power_levels", "", updated); err != nil {
		return err
	}
	in.mgr.store.SetPowerLevelContent(room, updated)
	in.mgr.roomStateCache.Invalidate(fmt.Sprintf("%s:pl", room))
	return nil
}

// SetPowerLevel sets target's power level in room, no-op if unchanged
// (spec.md §4.1).
func (in *Intent) SetPowerLevel(ctx context.Context, room id.RoomID, target id.UserID, level *int) error {
	pl, err := in.getPowerLevelContent(ctx, room, true)
	if err != nil {
		return err
	}
	current := pl.LevelOf(string(target))
	updated := pl.clone()
	if level == nil {
		if _, ok := updated.Users[string(target)]; !ok {
			return nil
		}
		delete(updated.Users, string(target))
	} else {
		if current == *level {
			return nil
		}
		if updated.Users == nil {
			updated.Users = map[string]int{}
		}
		updated.Users[string(target)] = *level
	}
	if _, err := in.client.SendStateEvent(ctx, string(room), "m.room.power_levels", "", updated); err != nil {
		return err
	}
	in.mgr.store.SetPowerLevelContent(room, updated)
	return nil
}

// --- Sending ---

// SendEvent sends a non-state event (spec.md §4.1).
func (in *Intent) SendEvent(ctx context.Context, room id.RoomID, eventType string, content interface{}) (string, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return "", err
	}
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return "", err
	}
	if err := in.ensureHasPowerLevelFor(ctx, room, eventType, false); err != nil {
		return "", err
	}
	eventID, err := in.client.SendMessageEvent(ctx, string(room), eventType, content)
	if err != nil {
		return "", err
	}
	if in.mgr.onEventSent != nil {
		in.mgr.onEventSent(room, eventType, eventID)
	}
	return eventID, nil
}

// SendStateEvent sends a state event, optimistically, escalating power and
// retrying once only on Forbidden (spec.md §4.1's "sendStateEvent
// optimization").
func (in *Intent) SendStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, content interface{}) (string, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return "", err
	}
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return "", err
	}
	eventID, err := in.client.SendStateEvent(ctx, string(room), eventType, stateKey, content)
	if err == nil {
		in.mgr.roomStateCache.Invalidate(fmt.Sprintf("%s:full", room))
		return eventID, nil
	}
	if merror.KindOf(err) != merror.Forbidden {
		return "", err
	}
	if perr := in.ensureHasPowerLevelFor(ctx, room, eventType, true); perr != nil {
		return "", perr
	}
	eventID, err = in.client.SendStateEvent(ctx, string(room), eventType, stateKey, content)
	if err != nil {
		return "", err
	}
	in.mgr.roomStateCache.Invalidate(fmt.Sprintf("%s:full", room))
	return eventID, nil
}

// --- Membership operations ---

func (in *Intent) Invite(ctx context.Context, room id.RoomID, target id.UserID) error {
	return in.invite(ctx, room, target)
}

func (in *Intent) Kick(ctx context.Context, room id.RoomID, target id.UserID, reason string) error {
	if target != in.userID {
		if err := in.ensureJoinedSelf(ctx, room); err != nil {
			return err
		}
	}
	return in.client.KickUser(ctx, string(room), string(target), reason)
}

func (in *Intent) Ban(ctx context.Context, room id.RoomID, target id.UserID, reason string) error {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return err
	}
	return in.client.BanUser(ctx, string(room), string(target), reason)
}

func (in *Intent) Unban(ctx context.Context, room id.RoomID, target id.UserID) error {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return err
	}
	return in.client.UnbanUser(ctx, string(room), string(target))
}

func (in *Intent) Join(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, error) {
	return in.ensureJoined(ctx, roomIDOrAlias, false, via)
}

// Leave leaves a room, modeling a non-empty reason as a self-kick per
// spec.md §4.1.
func (in *Intent) Leave(ctx context.Context, room id.RoomID, reason string) error {
	if reason != "" {
		return in.Kick(ctx, room, in.userID, reason)
	}
	return in.client.LeaveRoom(ctx, string(room), "")
}

// CreateRoomOptions configures CreateRoom (spec.md §4.1).
type CreateRoomOptions struct {
	CreateAsClient bool
	Options        map[string]interface{}
}

// CreateRoom creates a room, auto-inviting the bot when the creator is not
// the bot, or stripping a self-invite otherwise (spec.md §4.1). It also
// seeds a synthetic power-100 entry in the backing store for the creator
// iff none exists.
func (in *Intent) CreateRoom(ctx context.Context, opts CreateRoomOptions) (id.RoomID, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return "", err
	}
	req := map[string]interface{}{}
	for k, v := range opts.Options {
		req[k] = v
	}
	invite, _ := req["invite"].([]string)
	if in.isBot() {
		req["invite"] = filterOut(invite, string(in.mgr.botUserID))
	} else {
		hasBotInvite := false
		for _, u := range invite {
			if u == string(in.mgr.botUserID) {
				hasBotInvite = true
			}
		}
		if !hasBotInvite {
			req["invite"] = append(invite, string(in.mgr.botUserID))
		}
	}
	roomID, err := in.client.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	in.mgr.store.SetMembership(id.RoomID(roomID), in.userID, MembershipJoin, Profile{})
	if _, ok := in.mgr.store.GetPowerLevelContent(id.RoomID(roomID)); !ok {
		in.mgr.store.SetPowerLevelContent(id.RoomID(roomID), &PowerLevelContent{
			StateDefault: 50, EventsDefault: 0, UsersDefault: 0,
			Users: map[string]int{string(in.userID): 100},
		})
	}
	return id.RoomID(roomID), nil
}

func filterOut(list []string, remove string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != remove {
			out = append(out, v)
		}
	}
	return out
}

// --- Reads ---

func (in *Intent) GetStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, useCache bool) (json.RawMessage, error) {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%s:%s", room, eventType, stateKey)
	getter := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		var raw json.RawMessage
		if err := in.client.GetStateEvent(ctx, string(room), eventType, stateKey, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if !useCache {
		v, err := getter(ctx, key)
		if err != nil {
			return nil, err
		}
		return v.(json.RawMessage), nil
	}
	v, err := in.mgr.roomStateCache.Get(ctx, key, getter)
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (in *Intent) GetEvent(ctx context.Context, room id.RoomID, eventID string, useCache bool) (*mxclient.StateEvent, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%s", room, eventID)
	getter := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		return in.client.GetEvent(ctx, string(room), eventID)
	}
	if !useCache {
		v, err := getter(ctx, key)
		if err != nil {
			return nil, err
		}
		return v.(*mxclient.StateEvent), nil
	}
	v, err := in.mgr.eventCache.Get(ctx, key, getter)
	if err != nil {
		return nil, err
	}
	return v.(*mxclient.StateEvent), nil
}

func (in *Intent) GetProfileInfo(ctx context.Context, userID id.UserID, useCache bool) (Profile, error) {
	key := string(userID)
	getter := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		name, avatar, err := in.client.GetProfile(ctx, string(userID))
		if err != nil {
			return nil, err
		}
		return Profile{DisplayName: name, AvatarURL: avatar}, nil
	}
	if !useCache {
		v, err := getter(ctx, key)
		if err != nil {
			return Profile{}, err
		}
		return v.(Profile), nil
	}
	v, err := in.mgr.profileCache.Get(ctx, key, getter)
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

func (in *Intent) RoomState(ctx context.Context, room id.RoomID, useCache bool) ([]mxclient.StateEvent, error) {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:full", room)
	getter := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		return in.client.RoomState(ctx, string(room))
	}
	if !useCache {
		v, err := getter(ctx, key)
		if err != nil {
			return nil, err
		}
		return v.([]mxclient.StateEvent), nil
	}
	v, err := in.mgr.roomStateCache.Get(ctx, key, getter)
	if err != nil {
		return nil, err
	}
	return v.([]mxclient.StateEvent), nil
}

// --- Misc ops ---

func (in *Intent) SetPresence(ctx context.Context, presence string) error {
	if err := in.ensureRegistered(ctx); err != nil {
		return err
	}
	return in.client.SetPresence(ctx, string(in.userID), presence)
}

func (in *Intent) SetDisplayName(ctx context.Context, name string) error {
	if err := in.ensureRegistered(ctx); err != nil {
		return err
	}
	return in.client.SetDisplayName(ctx, string(in.userID), name)
}

func (in *Intent) SetAvatarURL(ctx context.Context, mxc id.MXCURL) error {
	if err := in.ensureRegistered(ctx); err != nil {
		return err
	}
	return in.client.SetAvatarURL(ctx, string(in.userID), string(mxc))
}

func (in *Intent) CreateAlias(ctx context.Context, alias string, room id.RoomID) error {
	if err := in.ensureRegistered(ctx); err != nil {
		return err
	}
	return in.client.CreateAlias(ctx, alias, string(room))
}

func (in *Intent) SendTyping(ctx context.Context, room id.RoomID, typing bool, timeout time.Duration) error {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return err
	}
	return in.client.SendTyping(ctx, string(room), string(in.userID), typing, timeout.Milliseconds())
}

func (in *Intent) SendReadReceipt(ctx context.Context, room id.RoomID, eventID string) error {
	if err := in.ensureJoinedSelf(ctx, room); err != nil {
		return err
	}
	return in.client.SendReadReceipt(ctx, string(room), eventID)
}

func (in *Intent) UploadContent(ctx context.Context, content io.Reader, name, contentType string, length int64) (id.MXCURL, error) {
	if err := in.ensureRegistered(ctx); err != nil {
		return "", err
	}
	resp, err := in.client.Upload(ctx, content, contentType, name, length)
	if err != nil {
		return "", err
	}
	return id.MXCURL(resp.ContentURI), nil
}

// EnsureProfile fetches the current profile and sets only the fields that
// differ from the requested values (spec.md §4.1).
func (in *Intent) EnsureProfile(ctx context.Context, displayName, avatarURL string) error {
	current, err := in.GetProfileInfo(ctx, in.userID, false)
	if err != nil {
		return err
	}
	if displayName != "" && current.DisplayName != displayName {
		if err := in.SetDisplayName(ctx, displayName); err != nil {
			return err
		}
	}
	if avatarURL != "" && current.AvatarURL != avatarURL {
		if err := in.SetAvatarURL(ctx, id.MXCURL(avatarURL)); err != nil {
			return err
		}
	}
	return nil
}

// OnEvent updates Intent-observed caches in response to a live event,
// per spec.md §4.1 "onEvent": invalidates cached roomState, and updates
// cached membership/power levels for self-relevant state events.
func (in *Intent) OnEvent(room id.RoomID, eventType, stateKey string, content json.RawMessage) {
	in.mgr.roomStateCache.Invalidate(fmt.Sprintf("%s:full", room))
	switch eventType {
	case "m.room.member":
		if stateKey == string(in.userID) {
			var memberContent struct {
				Membership  string `json:"membership"`
				DisplayName string `json:"displayname"`
				AvatarURL   string `json:"avatar_url"`
			}
			if json.Unmarshal(content, &memberContent) == nil {
				in.mgr.store.SetMembership(room, in.userID, Membership(memberContent.Membership), Profile{
					DisplayName: memberContent.DisplayName,
					AvatarURL:   memberContent.AvatarURL,
				})
			}
		}
	case "m.room.power_levels":
		var pl PowerLevelContent
		if json.Unmarshal(content, &pl) == nil {
			in.mgr.store.SetPowerLevelContent(room, &pl)
			in.mgr.roomStateCache.Invalidate(fmt.Sprintf("%s:pl", room))
		}
	}
}
