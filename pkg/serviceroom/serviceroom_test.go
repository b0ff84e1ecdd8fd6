package serviceroom

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
)

type fakeBot struct {
	sent  map[string]Notice
	sends int
}

func newFakeBot() *fakeBot { return &fakeBot{sent: map[string]Notice{}} }

func (f *fakeBot) SendStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, content interface{}) (string, error) {
	f.sends++
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var notice Notice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return "", err
	}
	f.sent[stateKey] = notice
	return "$event", nil
}

func (f *fakeBot) GetStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, useCache bool) (json.RawMessage, error) {
	notice, ok := f.sent[stateKey]
	if !ok {
		return nil, merror.New(merror.NotFound, "no such state event")
	}
	return json.Marshal(notice)
}

func newServiceRoom(bot Bot) *ServiceRoom {
	return New(Config{RoomID: "!service:example.org", StateKeyPrefix: "notice", MinimumUpdatePeriodMS: 60 * 60 * 1000}, bot)
}

func TestSendServiceNoticeWritesExpectedContent(t *testing.T) {
	bot := newFakeBot()
	sr := newServiceRoom(bot)

	err := sr.SendServiceNotice(context.Background(), "db-down", "database unreachable", "error", "DB_DOWN")
	require.NoError(t, err)

	notice := bot.sent["notice_db-down"]
	assert.Equal(t, "database unreachable", notice.Message)
	assert.Equal(t, "error", notice.Severity)
	assert.Equal(t, "db-down", notice.NoticeID)
	assert.Equal(t, "DB_DOWN", notice.Code)
	assert.Equal(t, "database unreachable", notice.Text)
}

func TestSendServiceNoticeThrottlesWithinPeriod(t *testing.T) {
	bot := newFakeBot()
	sr := newServiceRoom(bot)

	require.NoError(t, sr.SendServiceNotice(context.Background(), "db-down", "first", "error", ""))
	require.NoError(t, sr.SendServiceNotice(context.Background(), "db-down", "second", "error", ""))

	assert.Equal(t, 1, bot.sends, "a second notice within the throttle window must not be written")
	assert.Equal(t, "first", bot.sent["notice_db-down"].Message)
}

func TestClearServiceNoticeResolvesOnce(t *testing.T) {
	bot := newFakeBot()
	sr := newServiceRoom(bot)

	require.NoError(t, sr.SendServiceNotice(context.Background(), "db-down", "database unreachable", "error", ""))
	require.NoError(t, sr.ClearServiceNotice(context.Background(), "db-down"))

	notice, err := sr.GetServiceNotification(context.Background(), "db-down")
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.True(t, notice.Resolved)

	sr.mu.Lock()
	_, stillTracked := sr.lastNoticeTime["db-down"]
	sr.mu.Unlock()
	assert.False(t, stillTracked, "clearing a notice must drop its lastNoticeTime entry")

	sendsBefore := bot.sends
	require.NoError(t, sr.ClearServiceNotice(context.Background(), "db-down"))
	assert.Equal(t, sendsBefore, bot.sends, "clearing an already-resolved notice must be a no-op")
}

func TestClearServiceNoticeAllowsImmediateResendAfterClear(t *testing.T) {
	bot := newFakeBot()
	sr := newServiceRoom(bot)

	require.NoError(t, sr.SendServiceNotice(context.Background(), "db-down", "first", "error", ""))
	require.NoError(t, sr.ClearServiceNotice(context.Background(), "db-down"))
	require.NoError(t, sr.SendServiceNotice(context.Background(), "db-down", "second", "error", ""))

	assert.Equal(t, "second", bot.sent["notice_db-down"].Message)
}

func TestGetServiceNotificationReturnsNilWhenUnset(t *testing.T) {
	bot := newFakeBot()
	sr := newServiceRoom(bot)

	notice, err := sr.GetServiceNotification(context.Background(), "never-sent")
	require.NoError(t, err)
	assert.Nil(t, notice)
}
