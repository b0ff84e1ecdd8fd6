// Package statelookup implements the State Lookup component of spec.md
// §4.3: an eventually-consistent, in-memory projection of selected room
// state, bootstrapped from /state fetches with backoff and kept current
// from live events.
package statelookup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
	"github.com/matrix-org/go-appservice-bridge/pkg/mxclient"
)

// DefaultConcurrency bounds how many initial /state fetches may run at once
// (spec.md §4.3 "DEFAULT=4").
const DefaultConcurrency = 4

// DefaultRetryDelay is the delay between retries of a failed initial fetch
// (spec.md §4.3 "retryStateInMs=300").
const DefaultRetryDelay = 300 * time.Millisecond

// StateEvent mirrors the fields StateLookup keeps per tracked event
// (spec.md §3 "StateLookupRoom").
type StateEvent struct {
	Type     string
	StateKey string
	Content  json.RawMessage
	Sender   string
	EventID  string
}

// room is the per-room projection (spec.md §3 "StateLookupRoom").
type room struct {
	mu          sync.RWMutex
	events      map[string]map[string]StateEvent // type -> stateKey -> event
	syncPending bool
	syncDone    chan struct{}
}

func newRoom() *room {
	return &room{
		events:      make(map[string]map[string]StateEvent),
		syncPending: true,
		syncDone:    make(chan struct{}),
	}
}

// Fetcher is the subset of pkg/mxclient.Client StateLookup depends on.
type Fetcher interface {
	RoomState(ctx context.Context, roomID string) ([]mxclient.StateEvent, error)
}

// StateLookup is the component described by spec.md §4.3.
type StateLookup struct {
	client      Fetcher
	trackTypes  map[string]bool // empty means track everything
	sem         *semaphore.Weighted
	retryDelay  time.Duration

	mu    sync.Mutex
	rooms map[id.RoomID]*room
}

// Option configures a StateLookup.
type Option func(*StateLookup)

// WithTrackedTypes restricts tracking to a fixed set of event types; an
// empty call leaves the default of tracking every type.
func WithTrackedTypes(types ...string) Option {
	return func(s *StateLookup) {
		for _, t := range types {
			s.trackTypes[t] = true
		}
	}
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int64) Option {
	return func(s *StateLookup) { s.sem = semaphore.NewWeighted(n) }
}

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(s *StateLookup) { s.retryDelay = d }
}

// New constructs a StateLookup backed by client.
func New(client Fetcher, opts ...Option) *StateLookup {
	s := &StateLookup{
		client:     client,
		trackTypes: make(map[string]bool),
		sem:        semaphore.NewWeighted(DefaultConcurrency),
		retryDelay: DefaultRetryDelay,
		rooms:      make(map[id.RoomID]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StateLookup) tracked(eventType string) bool {
	if len(s.trackTypes) == 0 {
		return true
	}
	return s.trackTypes[eventType]
}

// TrackRoom idempotently begins tracking roomID; the first call for a given
// room kicks a bounded-concurrency initial /state fetch in the background.
func (s *StateLookup) TrackRoom(roomID id.RoomID) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return
	}
	r := newRoom()
	s.rooms[roomID] = r
	s.mu.Unlock()

	go s.bootstrap(roomID, r)
}

func (s *StateLookup) bootstrap(roomID id.RoomID, r *room) {
	ctx := context.Background()
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		events, err := s.client.RoomState(ctx, string(roomID))
		s.sem.Release(1)
		if err == nil {
			r.mu.Lock()
			for _, ev := range events {
				if !s.tracked(ev.Type) {
					continue
				}
				if r.events[ev.Type] == nil {
					r.events[ev.Type] = make(map[string]StateEvent)
				}
				r.events[ev.Type][ev.StateKey] = StateEvent{
					Type: ev.Type, StateKey: ev.StateKey, Content: ev.Content,
					Sender: ev.Sender, EventID: ev.EventID,
				}
			}
			r.syncPending = false
			r.mu.Unlock()
			close(r.syncDone)
			return
		}

		if isPermanentFetchError(err) {
			r.mu.Lock()
			r.syncPending = false
			r.mu.Unlock()
			close(r.syncDone)
			return
		}
		time.Sleep(s.retryDelay)
	}
}

// isPermanentFetchError classifies an initial-fetch error as permanent per
// spec.md §4.3: the homeserver's "Failed to join room" message, or any
// 4xx/5xx-classified bridge error, is not retried.
func isPermanentFetchError(err error) bool {
	if strings.Contains(err.Error(), "Failed to join room") {
		return true
	}
	var merr *merror.Error
	if errors.As(err, &merr) {
		return merr.HTTPStatus/100 == 4 || merr.HTTPStatus/100 == 5
	}
	return false
}

// OnEvent applies a live event to room's projection, per spec.md §4.3
// "onEvent": waits for any pending initial sync, then blunt-updates the
// indexed event iff type is non-empty and tracked and content decodes as a
// JSON object. An empty state key is a valid key and is indexed.
func (s *StateLookup) OnEvent(roomID id.RoomID, ev StateEvent) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-r.syncDone

	if ev.Type == "" || !s.tracked(ev.Type) {
		return
	}
	if !json.Valid(ev.Content) || len(ev.Content) == 0 || ev.Content[0] != '{' {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events[ev.Type] == nil {
		r.events[ev.Type] = make(map[string]StateEvent)
	}
	r.events[ev.Type][ev.StateKey] = ev
}

// GetState returns the single event for (type, stateKey) when stateKey is
// non-nil, or every event of type when it is nil.
func (s *StateLookup) GetState(roomID id.RoomID, eventType string, stateKey *string) []StateEvent {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	byKey := r.events[eventType]
	if stateKey != nil {
		if ev, ok := byKey[*stateKey]; ok {
			return []StateEvent{ev}
		}
		return nil
	}
	out := make([]StateEvent, 0, len(byKey))
	for _, ev := range byKey {
		out = append(out, ev)
	}
	return out
}
