package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakePresence struct {
	presence *mxclient.PresenceResponse
	presenceErr error
	adminAvailable bool
	whois    *mxclient.WhoisResponse
	whoisErr error
}

func (f *fakePresence) GetPresence(ctx context.Context, userID string) (*mxclient.PresenceResponse, error) {
	return f.presence, f.presenceErr
}

func (f *fakePresence) ProbeAdminAccess(ctx context.Context) bool { return f.adminAvailable }

func (f *fakePresence) Whois(ctx context.Context, userID string) (*mxclient.WhoisResponse, error) {
	return f.whois, f.whoisErr
}

func TestActivityTrackerUsesLocalLastActiveFirst(t *testing.T) {
	tr := NewActivityTracker(Config{MaxTime: time.Minute}, &fakePresence{})
	tr.SetLastActiveTime("@alice:example.org", time.Now())

	result := tr.IsOnline(context.Background(), "@alice:example.org")
	assert.True(t, result.Online)
}

func TestActivityTrackerFallsBackToPresence(t *testing.T) {
	tr := NewActivityTracker(Config{MaxTime: time.Minute, PresenceEnabled: true}, &fakePresence{
		presence: &mxclient.PresenceResponse{CurrentlyActive: true},
	})
	result := tr.IsOnline(context.Background(), "@bob:example.org")
	assert.True(t, result.Online)
}

func TestActivityTrackerFallsBackToDefault(t *testing.T) {
	tr := NewActivityTracker(Config{MaxTime: time.Minute, DefaultOnline: true}, &fakePresence{
		presenceErr: assertErr{},
	})
	result := tr.IsOnline(context.Background(), "@carol:example.org")
	assert.True(t, result.Online)
}

type assertErr struct{}

func (assertErr) Error() string { return "no presence" }

func TestUserActivityTrackerBecomesActiveAfterThreshold(t *testing.T) {
	tr := NewUserActivityTracker(UserActivityConfig{MinUserActiveDays: 3, InactiveAfterDays: 30}, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, tr.IsActive("@dana:example.org"))

	tr.RecordActivity("@dana:example.org", base)
	tr.RecordActivity("@dana:example.org", base.AddDate(0, 0, 1))
	assert.False(t, tr.IsActive("@dana:example.org"), "two distinct days must not yet satisfy a 3-day threshold")

	tr.RecordActivity("@dana:example.org", base.AddDate(0, 0, 2))
	assert.True(t, tr.IsActive("@dana:example.org"), "a third distinct day within the window must flip the sticky active flag")
}

func TestUserActivityTrackerActiveFlagIsSticky(t *testing.T) {
	tr := NewUserActivityTracker(UserActivityConfig{MinUserActiveDays: 1, InactiveAfterDays: 30}, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.RecordActivity("@erin:example.org", base)
	require.True(t, tr.IsActive("@erin:example.org"))

	tr.RecordActivity("@erin:example.org", base.AddDate(1, 0, 0))
	assert.True(t, tr.IsActive("@erin:example.org"), "active must remain sticky even once old timestamps age out of the window")
}

func TestUserActivityTrackerDedupesSameDay(t *testing.T) {
	tr := NewUserActivityTracker(UserActivityConfig{MinUserActiveDays: 2, InactiveAfterDays: 30}, nil)
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	tr.RecordActivity("@frank:example.org", base)
	tr.RecordActivity("@frank:example.org", base.Add(6*time.Hour))
	assert.False(t, tr.IsActive("@frank:example.org"), "two records on the same UTC day must count as a single day")
}

func TestUserActivityTrackerDebouncesEmit(t *testing.T) {
	calls := make(chan struct{}, 4)
	tr := NewUserActivityTracker(UserActivityConfig{MinUserActiveDays: 1, InactiveAfterDays: 30, DebounceTime: 30 * time.Millisecond}, func() {
		calls <- struct{}{}
	})
	tr.RecordActivity("@gail:example.org", time.Now())
	tr.RecordActivity("@gail:example.org", time.Now())
	tr.RecordActivity("@gail:example.org", time.Now())

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was never invoked after quiet time")
	}
	assert.Empty(t, calls, "rapid successive RecordActivity calls must coalesce into a single onChange invocation")
}

func TestCountActiveUsersRespectsInactiveAfterDays(t *testing.T) {
	tr := NewUserActivityTracker(UserActivityConfig{MinUserActiveDays: 1, InactiveAfterDays: 7}, nil)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tr.RecordActivity("@recent:example.org", now)
	tr.RecordActivity("@stale:example.org", now.AddDate(0, -1, 0))

	active := tr.CountActiveUsers(now)
	assert.Contains(t, active, id.UserID("@recent:example.org"))
	assert.NotContains(t, active, id.UserID("@stale:example.org"))
}
