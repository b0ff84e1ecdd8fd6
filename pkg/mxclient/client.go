// Package mxclient is the low-level Matrix Client-Server / application
// service HTTP client used by every other package in this module. Its shape
// — a Client struct holding HomeserverURL/UserID/AccessToken plus a
// BuildURL/MakeRequest pair — is grounded directly on the retrieved
// maunium.net/go/mautrix Client (client.go), adapted to use context.Context
// on every call and to report errors through pkg/merror instead of a
// bespoke RespError type.
package mxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
)

// DefaultTimeout is the client-level timeout applied to every outbound
// request unless the caller's context carries a shorter deadline
// (spec.md §5 "Every outbound HTTP call has a client-level timeout").
const DefaultTimeout = 2 * time.Minute

// Client is a Matrix Client-Server API client acting, optionally, with
// application-service identity assertion (the `user_id` query parameter).
type Client struct {
	HomeserverURL *url.URL
	Prefix        []string
	ASToken       string // the application service's own as_token
	UserID        string // ?user_id= identity assertion; empty for the bot itself
	UserAgent     string
	HTTPClient    *http.Client
	Log           *logrus.Entry

	txnID int64
}

// New constructs a Client for the given homeserver and as_token. An
// http.Client with DefaultTimeout is used; callers may replace HTTPClient.
func New(homeserverURL, asToken string, log *logrus.Entry) (*Client, error) {
	hsURL, err := url.Parse(homeserverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing homeserver URL: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		HomeserverURL: hsURL,
		Prefix:        []string{"_matrix", "client", "v3"},
		ASToken:       asToken,
		UserAgent:     "go-appservice-bridge/1.0",
		HTTPClient:    &http.Client{Timeout: DefaultTimeout},
		Log:           log,
	}, nil
}

// WithUserID returns a shallow copy of the client that asserts the given
// virtual user's identity via the `user_id` query parameter, per MSC-era
// application service identity assertion (spec.md §6).
func (c *Client) WithUserID(userID string) *Client {
	clone := *c
	clone.UserID = userID
	return &clone
}

func (c *Client) buildURL(segments ...string) string {
	return c.buildBaseURL(append(append([]string{}, c.Prefix...), segments...)...)
}

func (c *Client) buildBaseURL(segments ...string) string {
	u := *c.HomeserverURL
	parts := make([]string, len(segments)+1)
	parts[0] = u.Path
	for i, s := range segments {
		parts[i+1] = s
	}
	u.Path = path.Join(parts...)
	q := u.Query()
	if c.UserID != "" {
		q.Set("user_id", c.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) buildURLWithQuery(segments []string, query map[string]string) string {
	raw := c.buildURL(segments...)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TxnID generates a unique transaction ID for this client.
func (c *Client) TxnID() string {
	n := atomic.AddInt64(&c.txnID, 1)
	return fmt.Sprintf("go-bridge-%d-%d", time.Now().UnixNano(), n)
}

// doRequest performs a JSON HTTP request and classifies any non-2xx response
// through pkg/merror, matching the shape of the retrieved mautrix-go
// MakeRequest but adding context support and the bridge's own error kinds.
func (c *Client) doRequest(ctx context.Context, method, httpURL string, reqBody, resBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return merror.Wrap(merror.BadValue, "marshalling request body", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, httpURL, body)
	if err != nil {
		return merror.Wrap(merror.BadValue, "building request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Authorization", "Bearer "+c.ASToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return merror.Wrap(merror.UpstreamTimeout, "request timed out", err)
		}
		return merror.Wrap(merror.BridgeInternal, "performing request", err)
	}
	defer resp.Body.Close()

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return merror.Wrap(merror.BridgeInternal, "reading response body", err)
	}

	if resp.StatusCode/100 != 2 {
		var merr spec.MatrixError
		_ = json.Unmarshal(contents, &merr)
		return merror.FromHTTP(resp.StatusCode, &merr)
	}

	if resBody != nil && len(contents) > 0 {
		if err := json.Unmarshal(contents, resBody); err != nil {
			return merror.Wrap(merror.BridgeInternal, "decoding response body", err)
		}
	}
	return nil
}

// --- Registration ---

type RegisterRequest struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
}

type RegisterResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
}

// Register registers localpart as an AS-managed user. See spec.md §6,
// Register with AS login type.
func (c *Client) Register(ctx context.Context, localpart string) (*RegisterResponse, error) {
	var resp RegisterResponse
	err := c.doRequest(ctx, http.MethodPost, c.buildURL("register"), &RegisterRequest{
		Type:     "uk.half-shot.msc2778.login.application_service",
		Username: localpart,
	}, &resp)
	return &resp, err
}

// --- Membership ---

func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string, viaServers []string) (roomID string, err error) {
	var query map[string]string
	if len(viaServers) > 0 {
		query = map[string]string{"server_name": viaServers[0]}
	}
	u := c.buildURL("join", roomIDOrAlias)
	if query != nil {
		u = c.buildURLWithQuery([]string{"join", roomIDOrAlias}, query)
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	err = c.doRequest(ctx, http.MethodPost, u, struct{}{}, &resp)
	return resp.RoomID, err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID, reason string) error {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "leave"), body, nil)
}

func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "invite"), map[string]string{"user_id": userID}, nil)
}

func (c *Client) KickUser(ctx context.Context, roomID, userID, reason string) error {
	body := map[string]string{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "kick"), body, nil)
}

func (c *Client) BanUser(ctx context.Context, roomID, userID, reason string) error {
	body := map[string]string{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "ban"), body, nil)
}

func (c *Client) UnbanUser(ctx context.Context, roomID, userID string) error {
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "unban"), map[string]string{"user_id": userID}, nil)
}

func (c *Client) JoinedMembers(ctx context.Context, roomID string) (map[string]struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}, error) {
	var resp struct {
		Joined map[string]struct {
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		} `json:"joined"`
	}
	err := c.doRequest(ctx, http.MethodGet, c.buildURL("rooms", roomID, "joined_members"), nil, &resp)
	return resp.Joined, err
}

// --- Rooms ---

func (c *Client) CreateRoom(ctx context.Context, req map[string]interface{}) (roomID string, err error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	err = c.doRequest(ctx, http.MethodPost, c.buildURL("createRoom"), req, &resp)
	return resp.RoomID, err
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (roomID string, servers []string, err error) {
	var resp struct {
		RoomID  string   `json:"room_id"`
		Servers []string `json:"servers"`
	}
	err = c.doRequest(ctx, http.MethodGet, c.buildURL("directory", "room", url.PathEscape(alias)), nil, &resp)
	return resp.RoomID, resp.Servers, err
}

func (c *Client) CreateAlias(ctx context.Context, alias, roomID string) error {
	return c.doRequest(ctx, http.MethodPut, c.buildURL("directory", "room", url.PathEscape(alias)), map[string]string{"room_id": roomID}, nil)
}

// --- Messaging / state ---

func (c *Client) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}) (eventID string, err error) {
	var resp struct {
		EventID string `json:"event_id"`
	}
	err = c.doRequest(ctx, http.MethodPut, c.buildURL("rooms", roomID, "state", eventType, stateKey), content, &resp)
	return resp.EventID, err
}

func (c *Client) SendMessageEvent(ctx context.Context, roomID, eventType string, content interface{}) (eventID string, err error) {
	var resp struct {
		EventID string `json:"event_id"`
	}
	txn := c.TxnID()
	err = c.doRequest(ctx, http.MethodPut, c.buildURL("rooms", roomID, "send", eventType, txn), content, &resp)
	return resp.EventID, err
}

func (c *Client) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string, out interface{}) error {
	return c.doRequest(ctx, http.MethodGet, c.buildURL("rooms", roomID, "state", eventType, stateKey), nil, out)
}

// StateEvent is a generic room state event, used by RoomState.
type StateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
}

func (c *Client) RoomState(ctx context.Context, roomID string) ([]StateEvent, error) {
	var resp []StateEvent
	err := c.doRequest(ctx, http.MethodGet, c.buildURL("rooms", roomID, "state"), nil, &resp)
	return resp, err
}

func (c *Client) GetEvent(ctx context.Context, roomID, eventID string) (*StateEvent, error) {
	var resp StateEvent
	err := c.doRequest(ctx, http.MethodGet, c.buildURL("rooms", roomID, "event", eventID), nil, &resp)
	return &resp, err
}

func (c *Client) SendTyping(ctx context.Context, roomID, userID string, typing bool, timeoutMS int64) error {
	return c.doRequest(ctx, http.MethodPut, c.buildURL("rooms", roomID, "typing", userID), map[string]interface{}{
		"typing": typing, "timeout": timeoutMS,
	}, nil)
}

func (c *Client) SendReadReceipt(ctx context.Context, roomID, eventID string) error {
	return c.doRequest(ctx, http.MethodPost, c.buildURL("rooms", roomID, "receipt", "m.read", eventID), struct{}{}, nil)
}

// --- Profile / presence ---

func (c *Client) GetProfile(ctx context.Context, userID string) (displayName, avatarURL string, err error) {
	var resp struct {
		DisplayName string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	err = c.doRequest(ctx, http.MethodGet, c.buildURL("profile", userID), nil, &resp)
	return resp.DisplayName, resp.AvatarURL, err
}

func (c *Client) SetDisplayName(ctx context.Context, userID, name string) error {
	return c.doRequest(ctx, http.MethodPut, c.buildURL("profile", userID, "displayname"), map[string]string{"displayname": name}, nil)
}

func (c *Client) SetAvatarURL(ctx context.Context, userID, mxc string) error {
	return c.doRequest(ctx, http.MethodPut, c.buildURL("profile", userID, "avatar_url"), map[string]string{"avatar_url": mxc}, nil)
}

func (c *Client) SetPresence(ctx context.Context, userID, presence string) error {
	return c.doRequest(ctx, http.MethodPut, c.buildURL("presence", userID, "status"), map[string]string{"presence": presence}, nil)
}

type PresenceResponse struct {
	Presence        string `json:"presence"`
	CurrentlyActive bool   `json:"currently_active"`
	LastActiveAgo   int64  `json:"last_active_ago"`
	StatusMsg       string `json:"status_msg"`
}

func (c *Client) GetPresence(ctx context.Context, userID string) (*PresenceResponse, error) {
	var resp PresenceResponse
	err := c.doRequest(ctx, http.MethodGet, c.buildURL("presence", userID, "status"), nil, &resp)
	return &resp, err
}

// --- Media ---

type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

func (c *Client) Upload(ctx context.Context, content io.Reader, contentType, filename string, contentLength int64) (*UploadResponse, error) {
	u := c.buildBaseURL("_matrix", "media", "v3", "upload")
	if filename != "" {
		uu, _ := url.Parse(u)
		q := uu.Query()
		q.Set("filename", filename)
		uu.RawQuery = q.Encode()
		u = uu.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, content)
	if err != nil {
		return nil, merror.Wrap(merror.BadValue, "building upload request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.ASToken)
	req.ContentLength = contentLength
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, merror.Wrap(merror.BridgeInternal, "uploading content", err)
	}
	defer resp.Body.Close()
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, merror.Wrap(merror.BridgeInternal, "reading upload response", err)
	}
	if resp.StatusCode/100 != 2 {
		var merr spec.MatrixError
		_ = json.Unmarshal(contents, &merr)
		return nil, merror.FromHTTP(resp.StatusCode, &merr)
	}
	var out UploadResponse
	if err := json.Unmarshal(contents, &out); err != nil {
		return nil, merror.Wrap(merror.BridgeInternal, "decoding upload response", err)
	}
	return &out, nil
}

// Download streams the homeserver's media response for an mxc:// URL. The
// caller owns closing the returned response.
func (c *Client) Download(ctx context.Context, mxcHost, mxcID string) (*http.Response, error) {
	u := c.buildBaseURL("_matrix", "media", "v3", "download", mxcHost, mxcID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, merror.Wrap(merror.BadValue, "building download request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.ASToken)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, merror.Wrap(merror.BridgeInternal, "downloading media", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, merror.FromHTTP(resp.StatusCode, nil)
	}
	return resp, nil
}

// --- Sync (used by the Encrypted-Event Broker's decrypting sync pump) ---

type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []StateEvent `json:"events"`
			} `json:"timeline"`
			Ephemeral struct {
				Events []StateEvent `json:"events"`
			} `json:"ephemeral"`
		} `json:"join"`
	} `json:"rooms"`
}

// SyncRequest performs one long-poll /sync call. See spec.md §4.9 "Sync
// selection".
func (c *Client) SyncRequest(ctx context.Context, since, filterID string, timeoutMS int) (*SyncResponse, error) {
	query := map[string]string{"timeout": strconv.Itoa(timeoutMS)}
	if since != "" {
		query["since"] = since
	}
	if filterID != "" {
		query["filter"] = filterID
	}
	u := c.buildURLWithQuery([]string{"sync"}, query)
	var resp SyncResponse
	err := c.doRequest(ctx, http.MethodGet, u, nil, &resp)
	return &resp, err
}

func (c *Client) CreateFilter(ctx context.Context, filter json.RawMessage) (filterID string, err error) {
	var resp struct {
		FilterID string `json:"filter_id"`
	}
	err = c.doRequest(ctx, http.MethodPost, c.buildURL("user", c.UserID, "filter"), filter, &resp)
	return resp.FilterID, err
}

// --- Admin (optional; spec.md §4.5 "Admin whois detection") ---

type WhoisResponse struct {
	UserID   string `json:"user_id"`
	Devices  map[string]struct {
		Sessions []struct {
			Connections []struct {
				LastSeen int64  `json:"last_seen"`
				IP       string `json:"ip"`
			} `json:"connections"`
		} `json:"sessions"`
	} `json:"devices"`
}

// Whois performs the admin whois lookup. Returns a merror.NotFound-or-similar
// classification error if the homeserver does not expose admin APIs; callers
// use that to fall back per spec.md §4.5.
func (c *Client) Whois(ctx context.Context, userID string) (*WhoisResponse, error) {
	u := c.buildBaseURLAdmin("whois", userID)
	var resp WhoisResponse
	err := c.doRequest(ctx, http.MethodGet, u, nil, &resp)
	return &resp, err
}

func (c *Client) buildBaseURLAdmin(segments ...string) string {
	return c.buildBaseURL(append([]string{"_synapse", "admin", "v1"}, segments...)...)
}

// ProbeAdminAccess makes a deliberately malformed whois call (a non-existent
// user ID) to determine, from the HTTP status alone, whether this homeserver
// exposes the admin API to this access token. Per spec.md §9's open
// question, any status other than 200 or 400 is treated as "no admin
// access".
func (c *Client) ProbeAdminAccess(ctx context.Context) bool {
	u := c.buildBaseURLAdmin("whois", "@__bridge_admin_probe__:invalid")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.ASToken)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest
}

// RegisterProbe performs the open-registration probe POST used by Ban Sync
// (spec.md §4.6): an empty-body POST /register against userHomeserver.
func (c *Client) RegisterProbe(ctx context.Context, homeserverURL string) (status int, body []byte, err error) {
	hsURL, perr := url.Parse(homeserverURL)
	if perr != nil {
		return 0, nil, merror.Wrap(merror.BadValue, "invalid homeserver URL", perr)
	}
	u := hsURL.ResolveReference(&url.URL{Path: "/_matrix/client/v3/register"}).String()
	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if rerr != nil {
		return 0, nil, merror.Wrap(merror.BadValue, "building register probe request", rerr)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, derr := c.HTTPClient.Do(req)
	if derr != nil {
		return 0, nil, merror.Wrap(merror.UpstreamTimeout, "register probe failed", derr)
	}
	defer resp.Body.Close()
	contents, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return resp.StatusCode, nil, merror.Wrap(merror.BridgeInternal, "reading register probe body", rerr)
	}
	return resp.StatusCode, contents, nil
}
