// Package roomlinkvalidator implements the Room-Link Validator of spec.md
// §4.12: hot-reloadable exempt/conflict rules over a room's joined members,
// with a short-lived cache of rooms already known to conflict.
package roomlinkvalidator

import (
	"context"
	"regexp"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
)

// Result is the outcome of a validateRoom call.
type Result string

const (
	Passed            Result = "PASSED"
	ErrorCached       Result = "ERROR_CACHED"
	ErrorUserConflict Result = "ERROR_USER_CONFLICT"
)

const conflictCacheTTL = 30 * time.Minute

// Rules is the §4.12 rule document: a user is exempt if any exempt regex
// matches their user id, and conflicting (absent exemption) if any conflict
// regex matches.
type Rules struct {
	Exempt   []string
	Conflict []string
}

type compiledRules struct {
	exempt   []*regexp.Regexp
	conflict []*regexp.Regexp
}

// JoinedMembersClient is the narrow surface needed to list a room's current
// members, matching mxclient.Client.JoinedMembers's signature.
type JoinedMembersClient interface {
	JoinedMembers(ctx context.Context, roomID string) (map[string]struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}, error)
}

// Validator is the component of spec.md §4.12.
type Validator struct {
	client JoinedMembersClient

	mu    sync.RWMutex
	rules compiledRules

	conflictCache *gocache.Cache
}

// New constructs a Validator from an initial Rules document.
func New(client JoinedMembersClient, rules Rules) (*Validator, error) {
	v := &Validator{
		client:        client,
		conflictCache: gocache.New(conflictCacheTTL, conflictCacheTTL/2),
	}
	if err := v.UpdateRules(rules); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateRules replaces the compiled regex lists. The conflict cache is
// intentionally left untouched (spec.md §4.12: "the conflict cache is not
// cleared by design unless a higher-level caller does so").
func (v *Validator) UpdateRules(rules Rules) error {
	compiled := compiledRules{}
	for _, pattern := range rules.Exempt {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		compiled.exempt = append(compiled.exempt, re)
	}
	for _, pattern := range rules.Conflict {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		compiled.conflict = append(compiled.conflict, re)
	}

	v.mu.Lock()
	v.rules = compiled
	v.mu.Unlock()
	return nil
}

// ClearCache drops a room's cached conflict verdict, for callers that want
// to force a re-check (spec.md §4.12's higher-level caller escape hatch).
func (v *Validator) ClearCache(roomID id.RoomID) {
	v.conflictCache.Delete(string(roomID))
}

func (v *Validator) isExempt(userID string) bool {
	for _, re := range v.rules.exempt {
		if re.MatchString(userID) {
			return true
		}
	}
	return false
}

func (v *Validator) isConflicting(userID string) bool {
	for _, re := range v.rules.conflict {
		if re.MatchString(userID) {
			return true
		}
	}
	return false
}

// ValidateRoom implements spec.md §4.12's three-step check.
func (v *Validator) ValidateRoom(ctx context.Context, roomID id.RoomID) (Result, error) {
	if _, cached := v.conflictCache.Get(string(roomID)); cached {
		return ErrorCached, nil
	}

	members, err := v.client.JoinedMembers(ctx, string(roomID))
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	for userID := range members {
		if v.isExempt(userID) {
			continue
		}
		if v.isConflicting(userID) {
			v.conflictCache.SetDefault(string(roomID), time.Now())
			return ErrorUserConflict, nil
		}
	}
	return Passed, nil
}
