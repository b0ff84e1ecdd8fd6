// Package bansync implements the Ban Sync component of spec.md §4.6:
// evaluation of policy-rule rooms and open-registration probing to decide
// whether a user is admitted to the bridge.
//
// Glob matching for ban rules uses github.com/gobwas/glob, the ecosystem's
// standard glob-matching library (it appears as an indirect dependency
// across the retrieval pack), a correct fit for spec.md's "matcher: glob"
// field. The per-host open-registration classification cache uses
// github.com/patrickmn/go-cache, the same TTL-map dependency pkg/activity
// uses for its debounce and admin-probe caches.
package bansync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/glob"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// RuleKind distinguishes whether a rule's matcher applies to a full user ID
// or to a homeserver name (spec.md §3 "Ban entity").
type RuleKind string

const (
	KindUser   RuleKind = "user"
	KindServer RuleKind = "server"
)

// Accepted policy-rule event types and recommendations (spec.md §4.6).
const (
	EventTypeUserRule       = "m.policy.rule.user"
	EventTypeServerRule     = "m.policy.rule.server"
	EventTypeMjolnirUser    = "org.matrix.mjolnir.rule.user"
	EventTypeMjolnirServer  = "org.matrix.mjolnir.rule.server"
	RecommendationBan       = "m.ban"
	RecommendationMjolnir   = "org.matrix.mjolnir.ban"
)

// Classification is the outcome of the open-registration probe table in
// spec.md §4.6.
type Classification string

const (
	ClassificationClosed          Classification = "closed"
	ClassificationUnknown         Classification = "unknown"
	ClassificationOpen            Classification = "open"
	ClassificationProtectedEmail  Classification = "protected_email"
	ClassificationProtectedCaptcha Classification = "protected_captcha"
)

// rule is one ingested ban entity, keyed by (policyRoomID, stateKey)
// (spec.md §3 "Ban entity").
type rule struct {
	kind    RuleKind
	matcher glob.Glob
	reason  string
}

type ruleKey struct {
	policyRoom id.RoomID
	stateKey   string
}

// RoomStateClient is the subset of pkg/mxclient.Client / pkg/intent.Intent
// BanSync needs to join policy rooms and read their full state.
type RoomStateClient interface {
	Join(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, error)
	RoomState(ctx context.Context, room id.RoomID, useCache bool) ([]mxclient.StateEvent, error)
}

// RegisterProber performs the open-registration probe of spec.md §4.6.
type RegisterProber interface {
	RegisterProbe(ctx context.Context, homeserverURL string) (status int, body []byte, err error)
}

// Config holds the §4.6 tunables.
type Config struct {
	PolicyRoomIDs         []id.RoomID
	BlockOpenRegistration bool
	AllowUnknown          bool
}

// classificationCacheTTL is the ~30 minute cache lifetime of spec.md §4.6,
// jittered by up to ±60s per entry so that many hosts probed around the
// same time don't all expire in the same instant.
const classificationCacheTTL = 30 * time.Minute

// BanSync is the component of spec.md §4.6.
type BanSync struct {
	cfg    Config
	client RoomStateClient
	prober RegisterProber
	log    *logrus.Entry

	mu    sync.RWMutex
	rules map[ruleKey]rule

	classifyCache *gocache.Cache
}

// New constructs a BanSync.
func New(cfg Config, client RoomStateClient, prober RegisterProber, log *logrus.Entry) *BanSync {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BanSync{
		cfg:           cfg,
		client:        client,
		prober:        prober,
		log:           log,
		rules:         make(map[ruleKey]rule),
		classifyCache: gocache.New(classificationCacheTTL, classificationCacheTTL),
	}
}

// Reload joins every configured policy room and re-ingests its full current
// state (spec.md §4.6 "On config (re)load, join each configured policy room,
// read full state, ingest rule events").
func (b *BanSync) Reload(ctx context.Context) error {
	for _, room := range b.cfg.PolicyRoomIDs {
		if _, err := b.client.Join(ctx, string(room), nil); err != nil {
			b.log.WithError(err).WithField("room_id", room).Warn("ban sync: failed to join policy room")
			continue
		}
		events, err := b.client.RoomState(ctx, room, false)
		if err != nil {
			b.log.WithError(err).WithField("room_id", room).Warn("ban sync: failed to read policy room state")
			continue
		}
		for _, ev := range events {
			if err := b.IngestEvent(room, ev.Type, ev.StateKey, ev.Content); err != nil {
				b.log.WithError(err).WithFields(logrus.Fields{
					"room_id": room, "type": ev.Type, "state_key": ev.StateKey,
				}).Warn("ban sync: rejecting malformed rule event")
			}
		}
	}
	return nil
}

type ruleContent struct {
	Entity         *string `json:"entity"`
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
}

// IngestEvent applies a single policy-rule state event to the ruleset
// (spec.md §4.6). An event with entity absent deletes the rule;
// entity=="" is a hard error.
func (b *BanSync) IngestEvent(policyRoom id.RoomID, eventType, stateKey string, content json.RawMessage) error {
	kind, ok := kindForEventType(eventType)
	if !ok {
		return nil
	}
	key := ruleKey{policyRoom, stateKey}

	var rc ruleContent
	if len(content) > 0 {
		if err := json.Unmarshal(content, &rc); err != nil {
			return merror.Wrap(merror.BadValue, "decoding policy rule content", err)
		}
	}

	if rc.Entity == nil {
		b.mu.Lock()
		delete(b.rules, key)
		b.mu.Unlock()
		return nil
	}
	if *rc.Entity == "" {
		return merror.New(merror.BadValue, "policy rule entity must not be empty")
	}
	if rc.Recommendation != RecommendationBan && rc.Recommendation != RecommendationMjolnir {
		b.mu.Lock()
		delete(b.rules, key)
		b.mu.Unlock()
		return nil
	}

	matcher, err := glob.Compile(*rc.Entity)
	if err != nil {
		return merror.Wrap(merror.BadValue, fmt.Sprintf("invalid glob matcher %q", *rc.Entity), err)
	}

	b.mu.Lock()
	b.rules[key] = rule{kind: kind, matcher: matcher, reason: rc.Reason}
	b.mu.Unlock()
	return nil
}

func kindForEventType(eventType string) (RuleKind, bool) {
	switch eventType {
	case EventTypeUserRule, EventTypeMjolnirUser:
		return KindUser, true
	case EventTypeServerRule, EventTypeMjolnirServer:
		return KindServer, true
	default:
		return "", false
	}
}

// DeleteRule removes exactly (policyRoom, stateKey) from the ruleset,
// independent of IngestEvent — used by callers that already parsed the
// event and just need the deletion side effect (spec.md §8 invariant 4).
func (b *BanSync) DeleteRule(policyRoom id.RoomID, stateKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rules, ruleKey{policyRoom, stateKey})
}

// BanResult reports why isUserBanned reached its verdict.
type BanResult struct {
	Banned         bool
	Reason         string
	Classification Classification
}

// IsUserBanned implements spec.md §4.6's rule evaluation plus open-
// registration probing fallback.
func (b *BanSync) IsUserBanned(ctx context.Context, userID id.UserID) BanResult {
	host := userID.Homeserver()

	b.mu.RLock()
	for _, r := range b.rules {
		var match bool
		switch r.kind {
		case KindUser:
			match = r.matcher.Match(string(userID))
		case KindServer:
			match = r.matcher.Match(host)
		}
		if match {
			b.mu.RUnlock()
			return BanResult{Banned: true, Reason: r.reason}
		}
	}
	b.mu.RUnlock()

	if !b.cfg.BlockOpenRegistration || host == "" {
		return BanResult{}
	}

	classification := b.classifyHost(ctx, host)
	switch classification {
	case ClassificationOpen:
		return BanResult{
			Banned:         true,
			Reason:         fmt.Sprintf("%s allows open registration", host),
			Classification: classification,
		}
	case ClassificationUnknown:
		if b.cfg.AllowUnknown {
			return BanResult{}
		}
		return BanResult{
			Banned:         true,
			Reason:         fmt.Sprintf("could not determine registration policy of %s", host),
			Classification: classification,
		}
	default:
		return BanResult{Classification: classification}
	}
}

func (b *BanSync) classifyHost(ctx context.Context, host string) Classification {
	if v, ok := b.classifyCache.Get(host); ok {
		return v.(Classification)
	}
	c := b.probeHost(ctx, host)
	jitter := time.Duration(rand.Intn(120)-60) * time.Second
	b.classifyCache.Set(host, c, classificationCacheTTL+jitter)
	return c
}

type registerFlow struct {
	Stages []string `json:"stages"`
}

type registerErrorBody struct {
	ErrCode string         `json:"errcode"`
	Flows   []registerFlow `json:"flows"`
}

// probeHost classifies a homeserver's registration policy per the table in
// spec.md §4.6.
func (b *BanSync) probeHost(ctx context.Context, host string) Classification {
	status, body, err := b.prober.RegisterProbe(ctx, "https://"+host)
	if err != nil {
		return ClassificationUnknown
	}

	var decoded registerErrorBody
	_ = json.Unmarshal(body, &decoded)
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(body, &raw)
	_, hasFlowsKey := raw["flows"]

	switch status {
	case http.StatusForbidden:
		if decoded.ErrCode == "M_FORBIDDEN" {
			return ClassificationClosed
		}
		return ClassificationUnknown
	case http.StatusNotFound:
		return ClassificationClosed
	case http.StatusUnauthorized:
		if !hasFlowsKey {
			return ClassificationUnknown
		}
		if len(decoded.Flows) == 0 {
			return ClassificationClosed
		}
		return classifyFlows(decoded.Flows)
	default:
		return ClassificationUnknown
	}
}

func classifyFlows(flows []registerFlow) Classification {
	hasProtected := false
	for _, f := range flows {
		hasRecaptcha, hasEmail := false, false
		for _, stage := range f.Stages {
			switch stage {
			case "m.login.recaptcha":
				hasRecaptcha = true
			case "m.login.email.identity":
				hasEmail = true
			}
		}
		if !hasRecaptcha && !hasEmail {
			return ClassificationOpen
		}
		if hasEmail && !hasRecaptcha {
			return ClassificationProtectedEmail
		}
		hasProtected = true
	}
	if hasProtected {
		return ClassificationProtectedCaptcha
	}
	return ClassificationUnknown
}
