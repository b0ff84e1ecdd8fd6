package mediaproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

type fakeMediaClient struct {
	event        *mxclient.StateEvent
	eventErr     error
	downloadBody string
}

func (f *fakeMediaClient) GetEvent(ctx context.Context, roomID, eventID string) (*mxclient.StateEvent, error) {
	return f.event, f.eventErr
}

func (f *fakeMediaClient) Download(ctx context.Context, mxcHost, mxcID string) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "image/png")
	rec.WriteHeader(http.StatusOK)
	rec.WriteString(f.downloadBody)
	return rec.Result(), nil
}

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	key := []byte("signing-key")
	url, err := GenerateMediaURL("https://bridge.example.org", key, "!r:example.org", "$e:example.org", "abc123", time.Minute)
	require.NoError(t, err)

	const prefix = "https://bridge.example.org/v1/media/download/"
	require.True(t, strings.HasPrefix(url, prefix))
	token := strings.TrimPrefix(url, prefix)

	payload, err := verifyToken(token, key)
	require.NoError(t, err)
	assert.Equal(t, "!r:example.org", payload.RoomID)
	assert.Equal(t, "$e:example.org", payload.EventID)
	assert.Equal(t, "abc123", payload.MediaID)
}

func TestVerifyTokenRejectsBitFlip(t *testing.T) {
	key := []byte("signing-key")
	url, err := GenerateMediaURL("https://bridge.example.org", key, "!r:example.org", "$e:example.org", "abc123", time.Minute)
	require.NoError(t, err)
	token := strings.TrimPrefix(url, "https://bridge.example.org/v1/media/download/")

	tampered := []byte(token)
	// Flip one character deterministically; any alteration must invalidate
	// the signature.
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	_, err = verifyToken(string(tampered), key)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	key := []byte("signing-key")
	url, err := GenerateMediaURL("https://bridge.example.org", key, "!r:example.org", "$e:example.org", "abc123", -time.Second)
	require.NoError(t, err)
	token := strings.TrimPrefix(url, "https://bridge.example.org/v1/media/download/")

	_, err = verifyToken(token, key)
	require.Error(t, err)
}

func TestHandleDownloadStreamsHomeserverResponse(t *testing.T) {
	key := []byte("signing-key")
	content, err := json.Marshal(map[string]string{"url": "mxc://example.org/abc123"})
	require.NoError(t, err)

	fc := &fakeMediaClient{
		event:        &mxclient.StateEvent{Content: content},
		downloadBody: "the-bytes",
	}
	p := New(Config{SigningKey: key, BaseURL: "https://bridge.example.org"}, fc, nil)

	url, err := p.GenerateURL("!r:example.org", "$e:example.org", "abc123")
	require.NoError(t, err)
	token := strings.TrimPrefix(url, "https://bridge.example.org/v1/media/download/")

	req := httptest.NewRequest(http.MethodGet, "/v1/media/download/"+token, nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the-bytes", rec.Body.String())
}

func TestHandleDownloadRejectsMalformedToken(t *testing.T) {
	p := New(Config{SigningKey: []byte("k"), BaseURL: "https://bridge.example.org"}, &fakeMediaClient{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/media/download/not-a-real-token", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	p := New(Config{}, &fakeMediaClient{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
