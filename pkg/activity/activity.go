// Package activity implements the Activity & UserActivity Trackers of
// spec.md §4.5: per-user online-presence resolution and rolling
// daily-active-user accounting.
package activity

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// PresenceGetter is the subset of pkg/mxclient.Client the ActivityTracker
// needs.
type PresenceGetter interface {
	GetPresence(ctx context.Context, userID string) (*mxclient.PresenceResponse, error)
	ProbeAdminAccess(ctx context.Context) bool
	Whois(ctx context.Context, userID string) (*mxclient.WhoisResponse, error)
}

// Config holds the §4.5 tunables for ActivityTracker.
type Config struct {
	MaxTime        time.Duration // age under which the local last-active map counts as online
	PresenceEnabled bool
	IsLocalHomeserver bool
	DefaultOnline  bool
}

const adminProbeCacheKey = "admin-available"

// ActivityTracker resolves whether a user is currently online following the
// probe ladder of spec.md §4.5.
type ActivityTracker struct {
	cfg    Config
	client PresenceGetter

	mu         sync.Mutex
	lastActive map[id.UserID]time.Time

	adminProbeOnce sync.Once
	adminProbe     *gocache.Cache // caches the one-time admin-availability probe result, per SPEC_FULL.md
}

// NewActivityTracker constructs an ActivityTracker.
func NewActivityTracker(cfg Config, client PresenceGetter) *ActivityTracker {
	return &ActivityTracker{
		cfg:        cfg,
		client:     client,
		lastActive: make(map[id.UserID]time.Time),
		adminProbe: gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}
}

// SetLastActiveTime bumps the local last-active map for userID.
func (a *ActivityTracker) SetLastActiveTime(userID id.UserID, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActive[userID] = at
}

// IsOnlineResult is the outcome of IsOnline, including how it was derived.
type IsOnlineResult struct {
	Online      bool
	Inconclusive bool
	LastActiveAgo time.Duration
}

// IsOnline implements the §4.5 ActivityTracker ladder.
func (a *ActivityTracker) IsOnline(ctx context.Context, userID id.UserID) IsOnlineResult {
	a.mu.Lock()
	last, ok := a.lastActive[userID]
	a.mu.Unlock()
	if ok {
		age := time.Since(last)
		if age < a.cfg.MaxTime {
			return IsOnlineResult{Online: true}
		}
	}

	if a.cfg.PresenceEnabled {
		presence, err := a.client.GetPresence(ctx, string(userID))
		if err == nil {
			if presence.CurrentlyActive || presence.Presence == "online" {
				return IsOnlineResult{Online: true}
			}
			agoMs := time.Duration(presence.LastActiveAgo) * time.Millisecond
			if agoMs > a.cfg.MaxTime {
				return IsOnlineResult{Online: false, LastActiveAgo: agoMs}
			}
			return IsOnlineResult{Inconclusive: true}
		}
	}

	if a.cfg.IsLocalHomeserver && a.isAdminAvailable(ctx) {
		resp, err := a.client.Whois(ctx, string(userID))
		if err == nil {
			var mostRecent int64
			for _, dev := range resp.Devices {
				for _, sess := range dev.Sessions {
					for _, conn := range sess.Connections {
						if conn.LastSeen > mostRecent {
							mostRecent = conn.LastSeen
						}
					}
				}
			}
			if mostRecent > 0 {
				age := time.Since(time.UnixMilli(mostRecent))
				return IsOnlineResult{Online: age < a.cfg.MaxTime, LastActiveAgo: age}
			}
		}
	}

	return IsOnlineResult{Online: a.cfg.DefaultOnline}
}

func (a *ActivityTracker) isAdminAvailable(ctx context.Context) bool {
	a.adminProbeOnce.Do(func() {
		a.adminProbe.SetDefault(adminProbeCacheKey, a.client.ProbeAdminAccess(ctx))
	})
	v, _ := a.adminProbe.Get(adminProbeCacheKey)
	available, _ := v.(bool)
	return available
}

// UserActivityConfig holds the §4.5 UserActivityTracker tunables.
type UserActivityConfig struct {
	MinUserActiveDays int
	InactiveAfterDays int
	DebounceTime      time.Duration
}

// userRecord mirrors spec.md §3 "UserActivity record".
type userRecord struct {
	ts     []int64 // UTC-midnight seconds, sorted desc, bounded to 31 entries
	active bool    // sticky once true
}

const debouncePendingKey = "pending"

// UserActivityTracker implements the RMAU accounting of spec.md §4.5.
type UserActivityTracker struct {
	cfg      UserActivityConfig
	onChange func()

	mu      sync.Mutex
	records map[id.UserID]*userRecord

	// debounce holds a single "pending" marker whose expiry (reset on every
	// scheduleEmit call) fires onChange after cfg.DebounceTime of quiet time.
	debounce *gocache.Cache
}

// NewUserActivityTracker constructs a UserActivityTracker. onChange is
// invoked, debounced by cfg.DebounceTime of quiet time, after any update.
func NewUserActivityTracker(cfg UserActivityConfig, onChange func()) *UserActivityTracker {
	u := &UserActivityTracker{
		cfg:     cfg,
		onChange: onChange,
		records: make(map[id.UserID]*userRecord),
		debounce: gocache.New(gocache.NoExpiration, time.Second),
	}
	if onChange != nil {
		u.debounce.OnEvicted(func(key string, _ interface{}) {
			if key == debouncePendingKey {
				onChange()
			}
		})
	}
	return u
}

func utcMidnightSeconds(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// RecordActivity records a timestamp for userID, deduplicated per UTC day
// and bounded to the most recent 31 entries.
func (u *UserActivityTracker) RecordActivity(userID id.UserID, at time.Time) {
	day := utcMidnightSeconds(at)

	u.mu.Lock()
	rec, ok := u.records[userID]
	if !ok {
		rec = &userRecord{}
		u.records[userID] = rec
	}
	if len(rec.ts) == 0 || rec.ts[0] != day {
		if containsInt64(rec.ts, day) {
			u.mu.Unlock()
			return
		}
		i := 0
		for i < len(rec.ts) && rec.ts[i] > day {
			i++
		}
		rec.ts = append(rec.ts[:i], append([]int64{day}, rec.ts[i:]...)...)
		if len(rec.ts) > 31 {
			rec.ts = rec.ts[:31]
		}
	}

	if !rec.active {
		window := int64(u.cfg.MinUserActiveDays) * 86400
		cutoff := day - window
		count := 0
		for _, ts := range rec.ts {
			if ts > cutoff {
				count++
			}
		}
		if count >= u.cfg.MinUserActiveDays {
			rec.active = true
		}
	}
	u.mu.Unlock()

	u.scheduleEmit()
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (u *UserActivityTracker) scheduleEmit() {
	if u.onChange == nil {
		return
	}
	// Set resets the TTL on every call, so onChange only fires once
	// cfg.DebounceTime has elapsed without a further RecordActivity call.
	u.debounce.Set(debouncePendingKey, struct{}{}, u.cfg.DebounceTime)
}

// CountActiveUsers returns users with any `ts` entry within the last
// inactiveAfterDays days.
func (u *UserActivityTracker) CountActiveUsers(now time.Time) []id.UserID {
	cutoff := utcMidnightSeconds(now) - int64(u.cfg.InactiveAfterDays)*86400
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []id.UserID
	for userID, rec := range u.records {
		for _, ts := range rec.ts {
			if ts > cutoff {
				out = append(out, userID)
				break
			}
		}
	}
	return out
}

// IsActive reports the sticky `metadata.active` flag for userID.
func (u *UserActivityTracker) IsActive(userID id.UserID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.records[userID]
	return ok && rec.active
}
