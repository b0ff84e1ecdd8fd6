package bansync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type noopRoomClient struct{}

func (noopRoomClient) Join(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, error) {
	return id.RoomID(roomIDOrAlias), nil
}

func (noopRoomClient) RoomState(ctx context.Context, room id.RoomID, useCache bool) ([]mxclient.StateEvent, error) {
	return nil, nil
}

func TestIngestEventDeletesRuleWhenEntityAbsent(t *testing.T) {
	b := New(Config{}, noopRoomClient{}, nil, nil)
	require.NoError(t, b.IngestEvent("!policy:example.org", EventTypeUserRule, "rule1", json.RawMessage(`{"entity":"@bad:example.org","recommendation":"m.ban","reason":"spam"}`)))

	res := b.IsUserBanned(context.Background(), "@bad:example.org")
	assert.True(t, res.Banned)

	require.NoError(t, b.IngestEvent("!policy:example.org", EventTypeUserRule, "rule1", json.RawMessage(`{}`)))
	res = b.IsUserBanned(context.Background(), "@bad:example.org")
	assert.False(t, res.Banned)
}

func TestIngestEventRejectsEmptyEntity(t *testing.T) {
	b := New(Config{}, noopRoomClient{}, nil, nil)
	err := b.IngestEvent("!policy:example.org", EventTypeUserRule, "rule1", json.RawMessage(`{"entity":""}`))
	assert.Error(t, err)
}

func TestServerRuleMatchesHost(t *testing.T) {
	b := New(Config{}, noopRoomClient{}, nil, nil)
	require.NoError(t, b.IngestEvent("!policy:example.org", EventTypeServerRule, "rule1", json.RawMessage(`{"entity":"evil.example","recommendation":"m.ban"}`)))

	res := b.IsUserBanned(context.Background(), "@someone:evil.example")
	assert.True(t, res.Banned)
}

type fakeProber struct {
	status int
	body   []byte
}

func (f fakeProber) RegisterProbe(ctx context.Context, homeserverURL string) (int, []byte, error) {
	return f.status, f.body, nil
}

func TestOpenRegistrationClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Classification
	}{
		{"forbidden", 403, `{"errcode":"M_FORBIDDEN"}`, ClassificationClosed},
		{"not_found", 404, ``, ClassificationClosed},
		{"no_flows_key", 401, `{}`, ClassificationUnknown},
		{"empty_flows", 401, `{"flows":[]}`, ClassificationClosed},
		{"open_dummy_only", 401, `{"flows":[{"stages":["m.login.dummy"]}]}`, ClassificationOpen},
		{"email_only", 401, `{"flows":[{"stages":["m.login.email.identity"]}]}`, ClassificationProtectedEmail},
		{"recaptcha", 401, `{"flows":[{"stages":["m.login.recaptcha"]}]}`, ClassificationProtectedCaptcha},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := New(Config{BlockOpenRegistration: true}, noopRoomClient{}, fakeProber{tc.status, []byte(tc.body)}, nil)
			got := b.classifyHost(context.Background(), "open.example")
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsUserBannedOpenRegistration(t *testing.T) {
	b := New(Config{BlockOpenRegistration: true}, noopRoomClient{}, fakeProber{401, []byte(`{"flows":[{"stages":["m.login.dummy"]}]}`)}, nil)
	res := b.IsUserBanned(context.Background(), "@a:open.example")
	assert.True(t, res.Banned)
	assert.Contains(t, res.Reason, "open.example")
}
