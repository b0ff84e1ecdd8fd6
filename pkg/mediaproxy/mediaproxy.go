// Package mediaproxy implements the Media Proxy of spec.md §4.10: signed,
// time-bounded download URLs for event media that never expose the real
// homeserver media endpoint to clients.
package mediaproxy

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// tokenPayload is the signed content of a media token, exactly the fields
// spec.md §4.10/§8 name: "Media token serialize→sign→verify→deserialize is
// identity on {endDt, eventId, mediaId, roomId}".
type tokenPayload struct {
	EndDt   *int64 `json:"endDt,omitempty"`
	EventID string `json:"eventId"`
	MediaID string `json:"mediaId"`
	RoomID  string `json:"roomId"`
}

type tokenEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// mediaClient is the narrow surface *mxclient.Client provides, kept as its
// own interface so Proxy can be exercised against a fake homeserver client
// in tests.
type mediaClient interface {
	GetEvent(ctx context.Context, roomID, eventID string) (*mxclient.StateEvent, error)
	Download(ctx context.Context, mxcHost, mxcID string) (*http.Response, error)
}

// mediaContent is the subset of an event's content this proxy understands:
// an `url` mxc:// reference and an optional MSC3910 `content_token`.
type mediaContent struct {
	URL          string `json:"url"`
	ContentToken string `json:"content_token"`
}

// GenerateMediaURL signs {endDt?, eventId, mediaId, roomId} with signingKey
// via HMAC-SHA-512 and returns the full download URL rooted at baseURL. A
// zero ttl produces a token with no expiry.
func GenerateMediaURL(baseURL string, signingKey []byte, roomID id.RoomID, eventID, mediaID string, ttl time.Duration) (string, error) {
	payload := tokenPayload{
		EventID: eventID,
		MediaID: mediaID,
		RoomID:  string(roomID),
	}
	if ttl != 0 {
		end := time.Now().Add(ttl).UnixMilli()
		payload.EndDt = &end
	}
	token, err := signPayload(signingKey, payload)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(baseURL, "/") + "/v1/media/download/" + token, nil
}

func signPayload(signingKey []byte, payload tokenPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", merror.Wrap(merror.BridgeInternal, "marshalling media token payload", err)
	}
	mac := hmac.New(sha512.New, signingKey)
	mac.Write(payloadJSON)
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	envelope := tokenEnvelope{Payload: payloadJSON, Signature: sig}
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", merror.Wrap(merror.BridgeInternal, "marshalling media token envelope", err)
	}
	return base64.RawURLEncoding.EncodeToString(envelopeJSON), nil
}

// verifyToken decodes and HMAC-verifies token, rejecting it if the embedded
// endDt has passed.
func verifyToken(token string, signingKey []byte) (*tokenPayload, error) {
	envelopeJSON, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, merror.Wrap(merror.BadValue, "malformed media token", err)
	}
	var envelope tokenEnvelope
	if err := json.Unmarshal(envelopeJSON, &envelope); err != nil {
		return nil, merror.Wrap(merror.BadValue, "malformed media token envelope", err)
	}
	wantSig, err := base64.RawURLEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return nil, merror.Wrap(merror.BadValue, "malformed media token signature", err)
	}
	mac := hmac.New(sha512.New, signingKey)
	mac.Write(envelope.Payload)
	gotSig := mac.Sum(nil)
	if subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return nil, merror.New(merror.BadValue, "media token signature mismatch")
	}
	var payload tokenPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, merror.Wrap(merror.BadValue, "malformed media token payload", err)
	}
	if payload.EndDt != nil && *payload.EndDt < time.Now().UnixMilli() {
		return nil, merror.New(merror.NotFound, "media token expired")
	}
	return &payload, nil
}

// mxcParts splits an mxc://host/id reference.
func mxcParts(mxc string) (host, mediaID string, ok bool) {
	const prefix = "mxc://"
	if !strings.HasPrefix(mxc, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(mxc, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Config holds the §4.10 tunables.
type Config struct {
	SigningKey []byte
	BaseURL    string
	DefaultTTL time.Duration
}

// Proxy serves the signed-media-URL HTTP surface of spec.md §4.10.
type Proxy struct {
	cfg    Config
	client mediaClient
	log    *logrus.Entry
}

func New(cfg Config, c mediaClient, log *logrus.Entry) *Proxy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Proxy{cfg: cfg, client: c, log: log}
}

// GenerateURL issues a signed URL for (roomID, eventID, mediaID) using the
// proxy's configured signing key, base URL, and default TTL.
func (p *Proxy) GenerateURL(roomID id.RoomID, eventID, mediaID string) (string, error) {
	return GenerateMediaURL(p.cfg.BaseURL, p.cfg.SigningKey, roomID, eventID, mediaID, p.cfg.DefaultTTL)
}

// Router returns a gorilla/mux router serving /v1/media/download/{token}
// and /health, for mounting into a larger bridge HTTP surface.
func (p *Proxy) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/media/download/{token}", p.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	return r
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]bool{"ok": true}})
}

func (p *Proxy) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	payload, err := verifyToken(token, p.cfg.SigningKey)
	if err != nil {
		writeJSON(w, errorResponse(err))
		return
	}

	event, err := p.client.GetEvent(r.Context(), payload.RoomID, payload.EventID)
	if err != nil {
		writeJSON(w, errorResponse(err))
		return
	}
	var content mediaContent
	if err := json.Unmarshal(event.Content, &content); err != nil || content.URL == "" {
		writeJSON(w, errorResponse(merror.New(merror.NotFound, "event has no media content")))
		return
	}
	host, mediaID, ok := mxcParts(content.URL)
	if !ok {
		writeJSON(w, errorResponse(merror.New(merror.BadValue, "event media url is not a valid mxc:// reference")))
		return
	}

	resp, err := p.client.Download(r.Context(), host, mediaID)
	if err != nil {
		writeJSON(w, errorResponse(err))
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Disposition", "Content-Type", "Content-Length"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).WithField("token", token).Debug("media proxy: client disconnected mid-stream")
	}
}

func errorResponse(err error) util.JSONResponse {
	kind := merror.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case merror.BadValue:
		status = http.StatusBadRequest
	case merror.NotFound:
		status = http.StatusNotFound
	case merror.Forbidden:
		status = http.StatusForbidden
	}
	return util.JSONResponse{
		Code: status,
		JSON: map[string]string{"errcode": string(kind), "error": err.Error()},
	}
}

func writeJSON(w http.ResponseWriter, resp util.JSONResponse) {
	body, err := json.Marshal(resp.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"errcode":"%s","error":"failed to marshal response"}`, merror.BridgeInternal)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	w.Write(body)
}
