package intent

import (
	"sync"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
)

// MembershipCache is the bridge-wide projection of spec.md §3 "Membership
// Cache": `RoomId -> (UserId -> {membership, profile})` plus the
// `registeredUsers` set. Unlike the per-Intent MemoryStore (which only
// tracks its own user by default), a MembershipCache records memberships for
// every user the bridge has observed, and can be handed to Intent
// constructors as the supplied Store so every Intent shares one picture of
// room membership.
//
// Invariant (spec.md §3): a user ID is in registeredUsers iff it has ever
// been seen with membership join or leave anywhere.
type MembershipCache struct {
	mu          sync.RWMutex
	memberships map[id.RoomID]map[id.UserID]Membership
	profiles    map[id.RoomID]map[id.UserID]Profile
	powerLevels map[id.RoomID]*PowerLevelContent
	registered  map[id.UserID]struct{}
}

// NewMembershipCache constructs an empty MembershipCache.
func NewMembershipCache() *MembershipCache {
	return &MembershipCache{
		memberships: make(map[id.RoomID]map[id.UserID]Membership),
		profiles:    make(map[id.RoomID]map[id.UserID]Profile),
		powerLevels: make(map[id.RoomID]*PowerLevelContent),
		registered:  make(map[id.UserID]struct{}),
	}
}

func (c *MembershipCache) GetMembership(roomID id.RoomID, userID id.UserID) (Membership, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.memberships[roomID][userID]
	return m, ok
}

func (c *MembershipCache) GetMemberProfile(roomID id.RoomID, userID id.UserID) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[roomID][userID]
	return p, ok
}

func (c *MembershipCache) GetPowerLevelContent(roomID id.RoomID) (*PowerLevelContent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pl, ok := c.powerLevels[roomID]
	return pl, ok
}

func (c *MembershipCache) SetMembership(roomID id.RoomID, userID id.UserID, m Membership, profile Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memberships[roomID] == nil {
		c.memberships[roomID] = make(map[id.UserID]Membership)
	}
	if c.profiles[roomID] == nil {
		c.profiles[roomID] = make(map[id.UserID]Profile)
	}
	c.memberships[roomID][userID] = m
	c.profiles[roomID][userID] = profile
	if m == MembershipJoin || m == MembershipLeave {
		c.registered[userID] = struct{}{}
	}
}

func (c *MembershipCache) SetPowerLevelContent(roomID id.RoomID, content *PowerLevelContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerLevels[roomID] = content
}

// IsRegistered reports whether userID has ever been observed with
// membership join or leave in any room.
func (c *MembershipCache) IsRegistered(userID id.UserID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.registered[userID]
	return ok
}

// JoinedMembers returns every user ID cached as joined in roomID.
func (c *MembershipCache) JoinedMembers(roomID id.RoomID) []id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []id.UserID
	for userID, m := range c.memberships[roomID] {
		if m == MembershipJoin {
			out = append(out, userID)
		}
	}
	return out
}

var _ Store = (*MembershipCache)(nil)
