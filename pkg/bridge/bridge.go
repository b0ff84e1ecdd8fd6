package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/go-appservice-bridge/pkg/activity"
	"github.com/matrix-org/go-appservice-bridge/pkg/bansync"
	"github.com/matrix-org/go-appservice-bridge/pkg/bridgeblocker"
	"github.com/matrix-org/go-appservice-bridge/pkg/bridgeconfig"
	"github.com/matrix-org/go-appservice-bridge/pkg/encryptedbroker"
	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/intent"
	"github.com/matrix-org/go-appservice-bridge/pkg/mediaproxy"
	"github.com/matrix-org/go-appservice-bridge/pkg/membershipqueue"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
	"github.com/matrix-org/go-appservice-bridge/pkg/roomlinkvalidator"
	"github.com/matrix-org/go-appservice-bridge/pkg/roomupgrade"
	"github.com/matrix-org/go-appservice-bridge/pkg/serviceroom"
	"github.com/matrix-org/go-appservice-bridge/pkg/statelookup"
)

// Event is one inbound application-service event, as delivered by an AS
// transaction (spec.md §2 "Inbound").
type Event struct {
	RoomID   id.RoomID       `json:"room_id"`
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	EventID  string          `json:"event_id"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// EventHandler is the user-supplied adapter code spec.md §2 describes as
// the destination of the inbound dispatch: "through an Event Queue ... into
// user-supplied handlers, which act via Intents."
type EventHandler interface {
	OnEvent(ctx context.Context, ev Event)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event)

func (f EventHandlerFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Hooks are the optional overrides a concrete bridge wires in.
type Hooks struct {
	BlockBridge      func() error
	UnblockBridge    func() error
	EntryStore       roomupgrade.EntryStore
	MigrateEntry     roomupgrade.MigrateEntryFunc
	OnRoomMigrated   func(ctx context.Context, oldRoom, newRoom id.RoomID) error
	OnEventSent      intent.EventSentHook
	OnBridgeError    func(ctx context.Context, roomID id.RoomID, err error)
}

// Bridge is the facade object of spec.md §2 composing all twelve core
// components. Concrete bridges hold one Bridge and drive it from their own
// main(); children (Intent, MembershipQueue, RoomUpgrade, ...) are handed
// narrow interfaces rather than *Bridge itself, per spec.md §9's "break
// cyclic references" design note.
type Bridge struct {
	cfg          *bridgeconfig.Config
	registration *bridgeconfig.Registration
	client       *mxclient.Client
	log          *logrus.Entry
	handler      EventHandler

	Intents           *intent.Manager
	Members           *intent.MembershipCache
	MembershipQueue   *membershipqueue.Queue
	StateLookup       *statelookup.StateLookup
	BanSync           *bansync.BanSync
	Blocker           *bridgeblocker.Blocker
	RoomUpgrade       *roomupgrade.Handler
	EncryptedBroker   *encryptedbroker.Broker
	MediaProxy        *mediaproxy.Proxy
	ServiceRoom       *serviceroom.ServiceRoom
	LinkValidator     *roomlinkvalidator.Validator
	Activity          *activity.ActivityTracker
	UserActivity      *activity.UserActivityTracker

	eventQueue EventQueue

	hooks Hooks
}

// New assembles a Bridge from its validated configuration, following the
// dependency order of spec.md §2: Client-Request Cache -> Membership Cache
// -> Intent -> (MembershipQueue, StateLookup, RoomUpgrade, BanSync,
// Activity) -> EncryptedBroker -> Bridge facade.
func New(cfg *bridgeconfig.Config, registration *bridgeconfig.Registration, handler EventHandler, hooks Hooks, log *logrus.Entry) (*Bridge, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	client, err := mxclient.New(cfg.Homeserver.URL, registration.ASToken, log)
	if err != nil {
		return nil, fmt.Errorf("constructing homeserver client: %w", err)
	}

	members := intent.NewMembershipCache()

	botUserID := id.UserID(fmt.Sprintf("@%s:%s", registration.SenderLocalpart, cfg.Homeserver.Domain))
	intentOpts := []intent.ManagerOption{}
	if hooks.OnEventSent != nil {
		intentOpts = append(intentOpts, intent.WithEventSentHook(hooks.OnEventSent))
	}
	intents, err := intent.NewManager(
		client, botUserID, members,
		time.Duration(cfg.Cache.TTLMS)*time.Millisecond, cfg.Cache.MaxSize,
		intentOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("constructing intent manager: %w", err)
	}

	queue := membershipqueue.New(membershipqueue.Params{
		ConcurrentRoomLimit: cfg.MembershipQueue.ConcurrentRoomLimit,
		MaxAttempts:         cfg.MembershipQueue.MaxAttempts,
		ActionDelay:         time.Duration(cfg.MembershipQueue.ActionDelayMS) * time.Millisecond,
		MaxActionDelay:      time.Duration(cfg.MembershipQueue.MaxActionDelayMS) * time.Millisecond,
		DefaultTTL:          time.Duration(cfg.MembershipQueue.DefaultTTLMS) * time.Millisecond,
	}, intents, log.WithField("component", "membership_queue"))

	stateLookup := statelookup.New(client,
		statelookup.WithConcurrency(int64(cfg.StateLookup.Concurrency)),
		statelookup.WithRetryDelay(time.Duration(cfg.StateLookup.RetryStateMS)*time.Millisecond),
	)

	var policyRooms []id.RoomID
	for _, r := range cfg.BanSync.PolicyRoomIDs {
		policyRooms = append(policyRooms, id.RoomID(r))
	}
	banSync := bansync.New(bansync.Config{
		PolicyRoomIDs:         policyRooms,
		BlockOpenRegistration: cfg.BanSync.BlockOpenRegistration,
		AllowUnknown:          cfg.BanSync.AllowUnknown,
	}, intents.Bot(), client, log.WithField("component", "ban_sync"))

	blocker := bridgeblocker.New(cfg.BridgeBlocker.Limit, bridgeblocker.Hooks{
		BlockBridge:   hooks.BlockBridge,
		UnblockBridge: hooks.UnblockBridge,
	}, log.WithField("component", "bridge_blocker"))

	var upgradeOpts []roomupgrade.Option
	if hooks.EntryStore != nil {
		upgradeOpts = append(upgradeOpts, roomupgrade.WithEntryStore(hooks.EntryStore, hooks.MigrateEntry))
	}
	if hooks.OnRoomMigrated != nil {
		upgradeOpts = append(upgradeOpts, roomupgrade.WithOnRoomMigrated(hooks.OnRoomMigrated))
	}
	roomUpgrade := roomupgrade.New(roomupgrade.Config{
		MigrateStoreEntries: hooks.EntryStore != nil,
		MigrateGhosts:       true,
	}, intents, members, registration, log.WithField("component", "room_upgrade"), upgradeOpts...)

	var activityTracker *activity.ActivityTracker
	var userActivity *activity.UserActivityTracker
	activityTracker = activity.NewActivityTracker(activity.Config{
		MaxTime:           time.Duration(cfg.Activity.MaxTimeMS) * time.Millisecond,
		PresenceEnabled:   cfg.Activity.UsePresence,
		IsLocalHomeserver: true,
		DefaultOnline:     cfg.Activity.DefaultOnline,
	}, client)
	userActivity = activity.NewUserActivityTracker(activity.UserActivityConfig{
		MinUserActiveDays: cfg.Activity.MinUserActiveDays,
		InactiveAfterDays: cfg.Activity.InactiveAfterDays,
		DebounceTime:      time.Duration(cfg.Activity.DebounceTimeMS) * time.Millisecond,
	}, nil)

	b := &Bridge{
		cfg:             cfg,
		registration:    registration,
		client:          client,
		log:             log,
		handler:         handler,
		Intents:         intents,
		Members:         members,
		MembershipQueue: queue,
		StateLookup:     stateLookup,
		BanSync:         banSync,
		Blocker:         blocker,
		RoomUpgrade:     roomUpgrade,
		Activity:        activityTracker,
		UserActivity:    userActivity,
		eventQueue:      NewEventQueue(cfg.EventQueue.Type),
		hooks:           hooks,
	}

	b.EncryptedBroker = encryptedbroker.New(encryptedbroker.Config{
		WantPresence: false, WantTyping: false, WantReceipts: false,
	}, intents, members, client, registration, b.deliverEncryptedEvent, log.WithField("component", "encrypted_broker"))

	if cfg.MediaProxy.Enabled {
		b.MediaProxy = mediaproxy.New(mediaproxy.Config{
			SigningKey: []byte(cfg.MediaProxy.SigningKey),
			BaseURL:    cfg.MediaProxy.ListenAddr,
			DefaultTTL: time.Duration(cfg.MediaProxy.DefaultTTLMS) * time.Millisecond,
		}, client, log.WithField("component", "media_proxy"))
	}

	b.ServiceRoom = serviceroom.New(serviceroom.Config{
		RoomID:                id.RoomID(cfg.ServiceRoom.RoomID),
		StateKeyPrefix:        cfg.ServiceRoom.StateKeyPrefix,
		MinimumUpdatePeriodMS: cfg.ServiceRoom.MinimumUpdatePeriodMS,
	}, intents.Bot())

	if cfg.RoomLinkValidator.Enabled {
		validator, err := roomlinkvalidator.New(client, roomlinkvalidator.Rules{
			Exempt:   cfg.RoomLinkValidator.UserIDs.Exempt,
			Conflict: cfg.RoomLinkValidator.UserIDs.Conflict,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing room link validator: %w", err)
		}
		b.LinkValidator = validator
	}

	return b, nil
}

// GetIntent returns the Intent for userID, lazily creating it (spec.md §2
// "Outbound": "adapter code asks for an Intent for a virtual user").
func (b *Bridge) GetIntent(userID id.UserID) *intent.Intent { return b.Intents.Get(userID) }

// BotUserID returns the bridge bot's own user ID.
func (b *Bridge) BotUserID() id.UserID { return b.Intents.Bot().UserID() }

// Client exposes the low-level homeserver client for collaborators (e.g. the
// CLI's -r/--generate-registration flow) that need it directly.
func (b *Bridge) Client() *mxclient.Client { return b.client }

// ReloadConfig re-runs Ban Sync's policy room ingestion, the behavior spec.md
// §6 binds to SIGHUP ("reloads config and invokes onConfigChanged").
func (b *Bridge) ReloadConfig(ctx context.Context) error {
	return b.BanSync.Reload(ctx)
}

// Stop shuts down every owned background worker.
func (b *Bridge) Stop() {
	b.MembershipQueue.Stop()
	b.EncryptedBroker.Stop()
	b.eventQueue.Stop()
}

// deliverEncryptedEvent is the Encrypted-Event Broker's DeliverFunc: once an
// encrypted event has been reconciled (spec.md §4.9), it is delivered into
// the user handler exactly once, bypassing dispatch's raw-encrypted guard
// since this copy has already been through reconciliation.
func (b *Bridge) deliverEncryptedEvent(ctx context.Context, roomID id.RoomID, ev mxclient.StateEvent) {
	b.deliver(ctx, Event{
		RoomID: roomID, Type: ev.Type, EventID: ev.EventID, Sender: ev.Sender, Content: ev.Content,
	})
}

// HandleTransaction processes one AS transaction's worth of events (spec.md
// §2 "Inbound"): Ban Sync consults first and drops events from banned
// senders, then each surviving event is preprocessed and dispatched through
// the configured Event Queue into the user-supplied handler.
func (b *Bridge) HandleTransaction(ctx context.Context, events []Event) {
	for _, ev := range events {
		if ev.Sender != "" && b.BanSync.IsUserBanned(ctx, id.UserID(ev.Sender)).Banned {
			continue
		}
		b.preprocess(ctx, ev)
		b.dispatch(ctx, ev)
	}
}

// preprocess runs the bookkeeping every inbound event feeds regardless of
// whether it reaches the user handler: State Lookup projection, Intent's
// onEvent cache invalidation, the Room Upgrade tombstone/invite hooks, and
// Encrypted-Event Broker reconciliation.
func (b *Bridge) preprocess(ctx context.Context, ev Event) {
	stateKey := ""
	if ev.StateKey != nil {
		stateKey = *ev.StateKey
	}

	if ev.StateKey != nil {
		b.StateLookup.OnEvent(ev.RoomID, statelookup.StateEvent{
			Type: ev.Type, StateKey: stateKey, Content: ev.Content, Sender: ev.Sender, EventID: ev.EventID,
		})
		b.Intents.Bot().OnEvent(ev.RoomID, ev.Type, stateKey, ev.Content)
	}

	switch ev.Type {
	case "m.room.member":
		if stateKey != "" {
			var content struct {
				Membership string `json:"membership"`
			}
			if json.Unmarshal(ev.Content, &content) == nil {
				var profile intent.Profile
				b.Members.SetMembership(ev.RoomID, id.UserID(stateKey), intent.Membership(content.Membership), profile)
				if content.Membership == "invite" && id.UserID(stateKey) == b.BotUserID() {
					b.RoomUpgrade.OnInvite(ctx, ev.RoomID)
				}
				if content.Membership == "join" && b.LinkValidator != nil {
					if result, err := b.LinkValidator.ValidateRoom(ctx, ev.RoomID); err == nil && result != roomlinkvalidator.Passed {
						b.log.WithField("room_id", ev.RoomID).WithField("result", result).Warn("room link validator rejected room")
					}
				}
			}
		}
	case "m.room.tombstone":
		var content struct {
			ReplacementRoom string `json:"replacement_room"`
		}
		if json.Unmarshal(ev.Content, &content) == nil && content.ReplacementRoom != "" {
			b.RoomUpgrade.OnTombstone(ctx, ev.RoomID, id.UserID(ev.Sender), id.RoomID(content.ReplacementRoom))
		}
	case "m.room.encrypted":
		b.EncryptedBroker.OnEncryptedASEvent(ctx, ev.RoomID, mxclient.StateEvent{
			Type: ev.Type, StateKey: stateKey, Content: ev.Content, EventID: ev.EventID, Sender: ev.Sender,
		})
		return // the broker re-delivers via deliverEncryptedEvent once reconciled
	}
}

// dispatch pushes ev into the configured EventQueue for delivery to the
// user-supplied handler (spec.md §2 "dispatches through an Event Queue...
// into user-supplied handlers"). Raw m.room.encrypted events are withheld
// here since they reach the handler only once the Encrypted-Event Broker
// has reconciled them, via deliverEncryptedEvent -> deliver.
func (b *Bridge) dispatch(ctx context.Context, ev Event) {
	if ev.Type == "m.room.encrypted" {
		return
	}
	b.deliver(ctx, ev)
}

// deliver is the common path into the user-supplied handler, shared by
// dispatch (ordinary events) and deliverEncryptedEvent (reconciled
// encrypted events), so a reconciled event is delivered exactly once.
func (b *Bridge) deliver(ctx context.Context, ev Event) {
	if b.handler == nil {
		return
	}
	b.eventQueue.Push(ev.RoomID, func(qctx context.Context) {
		defer func() {
			if r := recover(); r != nil && b.hooks.OnBridgeError != nil {
				b.hooks.OnBridgeError(qctx, ev.RoomID, fmt.Errorf("event handler panicked: %v", r))
			}
		}()
		b.handler.OnEvent(qctx, ev)
	})
}

// --- MSC2346 bridge-info state (supplemented per SPEC_FULL.md §4.13) ---

// BridgeInfoContent is the content schema of the uk.half-shot.bridge state
// event (spec.md §6 "MSC2346 bridge-info state").
type BridgeInfoContent struct {
	BridgeBot string `json:"bridgebot"`
	Creator   string `json:"creator,omitempty"`
	Protocol  BridgeInfoProtocol `json:"protocol"`
	Network   *BridgeInfoProtocol `json:"network,omitempty"`
	Channel   BridgeInfoProtocol `json:"channel"`
}

// BridgeInfoProtocol describes one endpoint of a bridge-info link.
type BridgeInfoProtocol struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// SendBridgeInfoState writes the uk.half-shot.bridge state event for one
// bridged (network, channel) pair into room, state-keyed per spec.md §6:
// "<bridgeName>:/<url-encoded network id>/<url-encoded channel id>".
func (b *Bridge) SendBridgeInfoState(ctx context.Context, bridgeName string, room id.RoomID, content BridgeInfoContent) (string, error) {
	networkID := ""
	if content.Network != nil {
		networkID = content.Network.ID
	}
	stateKey := fmt.Sprintf("%s:/%s/%s", bridgeName, url.PathEscape(networkID), url.PathEscape(content.Channel.ID))
	return b.Intents.Bot().SendStateEvent(ctx, room, "uk.half-shot.bridge", stateKey, content)
}

// --- HTTP surface (spec.md §4.13) ---

// Router returns the bridge's HTTP surface: the AS transaction endpoint,
// the Media Proxy routes (if enabled), and a liveness /health.
func (b *Bridge) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/transactions/{txnId}", b.authenticated(b.handleTransactionHTTP)).Methods(http.MethodPut)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if b.MediaProxy != nil {
		r.PathPrefix("/v1/media/").Handler(b.MediaProxy.Router())
	}
	return r
}

// authenticated enforces the homeserver's hs_token on inbound AS requests,
// accepted either as a bearer Authorization header or an access_token query
// parameter (both forms appear across homeserver implementations).
func (b *Bridge) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if auth := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token != b.registration.HSToken {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"bad hs_token"}`))
			return
		}
		next(w, r)
	}
}

func (b *Bridge) handleTransactionHTTP(w http.ResponseWriter, r *http.Request) {
	var txn struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errcode":"M_NOT_JSON","error":"malformed transaction body"}`))
		return
	}
	b.HandleTransaction(r.Context(), txn.Events)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

// UnstableSignalBridgeError reports a foreign-network or handler failure
// back into Matrix via the unstable bridge-error event (spec.md §7
// "EventNotHandled / EventTooOld / ForeignNetworkError / EventUnknown /
// BridgeInternalError ... signaled back into Matrix via the unstable
// bridge-error event").
func (b *Bridge) UnstableSignalBridgeError(ctx context.Context, room id.RoomID, onEventID string, kind merror.Kind, reason string) error {
	content := map[string]interface{}{
		"network_name": b.registration.SenderLocalpart,
		"reason":       reason,
		"m.relates_to": map[string]interface{}{
			"rel_type": "de.nasnotfound.bridge_error",
			"event_id": onEventID,
		},
		"bridgebot_error_code": string(kind),
	}
	_, err := b.Intents.Bot().SendEvent(ctx, room, "de.nasnotfound.bridge_error", content)
	return err
}
