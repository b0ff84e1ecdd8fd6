// Package intent implements the per-virtual-user action gateway of
// spec.md §4.1: lazy registration, join/power-level guards, and a thin
// facade over pkg/mxclient for everything a bridge adapter needs to act as
// a given Matrix user.
package intent

import (
	"sync"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
)

// Membership is the membership state of a user in a room (spec.md §3
// "Membership Cache").
type Membership string

const (
	MembershipJoin    Membership = "join"
	MembershipInvite  Membership = "invite"
	MembershipLeave   Membership = "leave"
	MembershipBan     Membership = "ban"
	MembershipUnknown Membership = "unknown"
)

// Profile is a cached member profile.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// PowerLevelContent mirrors the m.room.power_levels content fields Intent
// needs (spec.md §3 "Power-Level Content").
type PowerLevelContent struct {
	StateDefault  int            `json:"state_default"`
	EventsDefault int            `json:"events_default"`
	UsersDefault  int            `json:"users_default"`
	Users         map[string]int `json:"users"`
	Events        map[string]int `json:"events"`
}

// clone returns a deep copy, so a caller that mutates the result before an
// HTTP round trip can't poison a cached/stored PowerLevelContent if that
// round trip fails.
func (p *PowerLevelContent) clone() *PowerLevelContent {
	c := &PowerLevelContent{
		StateDefault:  p.StateDefault,
		EventsDefault: p.EventsDefault,
		UsersDefault:  p.UsersDefault,
	}
	if p.Users != nil {
		c.Users = make(map[string]int, len(p.Users))
		for k, v := range p.Users {
			c.Users[k] = v
		}
	}
	if p.Events != nil {
		c.Events = make(map[string]int, len(p.Events))
		for k, v := range p.Events {
			c.Events[k] = v
		}
	}
	return c
}

// RequiredLevelFor returns the power required to send an event of the given
// type, per spec.md §4.1 "ensureHasPowerLevelFor".
func (p *PowerLevelContent) RequiredLevelFor(eventType string, isState bool) int {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return orDefault(p.StateDefault, 50)
	}
	return p.EventsDefault
}

// LevelOf returns the power level of userID, falling back to users_default.
func (p *PowerLevelContent) LevelOf(userID string) int {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// RequiredLevelToModifyPowerLevels returns the level needed to send
// m.room.power_levels itself.
func (p *PowerLevelContent) RequiredLevelToModifyPowerLevels() int {
	if lvl, ok := p.Events["m.room.power_levels"]; ok {
		return lvl
	}
	return orDefault(p.StateDefault, 50)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Store is the Intent Backing Store interface of spec.md §3. The default
// implementation below is process-local and records only for its own
// Intent's user, matching the distilled spec's "default implementation
// only records for the Intent's own user" note; a supplied Store that
// records for every user (e.g. shared with a StateLookup-backed
// implementation) may be substituted.
type Store interface {
	GetMembership(roomID id.RoomID, userID id.UserID) (Membership, bool)
	GetMemberProfile(roomID id.RoomID, userID id.UserID) (Profile, bool)
	GetPowerLevelContent(roomID id.RoomID) (*PowerLevelContent, bool)
	SetMembership(roomID id.RoomID, userID id.UserID, m Membership, profile Profile)
	SetPowerLevelContent(roomID id.RoomID, content *PowerLevelContent)
}

type memberKey struct {
	room id.RoomID
	user id.UserID
}

// MemoryStore is the default process-local Store.
type MemoryStore struct {
	mu          sync.RWMutex
	memberships map[memberKey]Membership
	profiles    map[memberKey]Profile
	powerLevels map[id.RoomID]*PowerLevelContent
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memberships: make(map[memberKey]Membership),
		profiles:    make(map[memberKey]Profile),
		powerLevels: make(map[id.RoomID]*PowerLevelContent),
	}
}

func (s *MemoryStore) GetMembership(roomID id.RoomID, userID id.UserID) (Membership, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[memberKey{roomID, userID}]
	return m, ok
}

func (s *MemoryStore) GetMemberProfile(roomID id.RoomID, userID id.UserID) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[memberKey{roomID, userID}]
	return p, ok
}

func (s *MemoryStore) GetPowerLevelContent(roomID id.RoomID) (*PowerLevelContent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pl, ok := s.powerLevels[roomID]
	return pl, ok
}

func (s *MemoryStore) SetMembership(roomID id.RoomID, userID id.UserID, m Membership, profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{roomID, userID}
	s.memberships[key] = m
	s.profiles[key] = profile
}

func (s *MemoryStore) SetPowerLevelContent(roomID id.RoomID, content *PowerLevelContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerLevels[roomID] = content
}
