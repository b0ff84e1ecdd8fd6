// Package serviceroom implements the Service Room of spec.md §4.11:
// idempotent, state-keyed operational notices posted into a designated
// room, throttled per notice id.
package serviceroom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/go-appservice-bridge/pkg/id"
	"github.com/matrix-org/go-appservice-bridge/pkg/merror"
)

// EventType is the state event type every service notice is written as.
const EventType = "org.matrix.service-notice"

// Bot is the subset of *intent.Intent the service room needs.
type Bot interface {
	SendStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, content interface{}) (string, error)
	GetStateEvent(ctx context.Context, room id.RoomID, eventType, stateKey string, useCache bool) (json.RawMessage, error)
}

// Notice is the content schema of spec.md §4.11.
type Notice struct {
	Message  string                 `json:"message"`
	Severity string                 `json:"severity,omitempty"`
	NoticeID string                 `json:"notice_id"`
	Metadata map[string]interface{} `json:"metadata"`
	Code     string                 `json:"code,omitempty"`
	Text     string                 `json:"org.matrix.msc1767.text,omitempty"`
	Resolved bool                   `json:"resolved,omitempty"`
}

// Config holds the §4.11 tunables.
type Config struct {
	RoomID                id.RoomID
	StateKeyPrefix        string
	MinimumUpdatePeriodMS int
}

// ServiceRoom posts and resolves notices in a designated room.
type ServiceRoom struct {
	cfg Config
	bot Bot

	mu             sync.Mutex
	lastNoticeTime map[string]time.Time
}

// New constructs a ServiceRoom.
func New(cfg Config, bot Bot) *ServiceRoom {
	return &ServiceRoom{
		cfg:            cfg,
		bot:            bot,
		lastNoticeTime: make(map[string]time.Time),
	}
}

func (s *ServiceRoom) stateKey(noticeID string) string {
	return fmt.Sprintf("%s_%s", s.cfg.StateKeyPrefix, noticeID)
}

// SendServiceNotice writes a notice, throttled to at most one update per
// MinimumUpdatePeriodMS per noticeID (spec.md §4.11, idempotence §8).
func (s *ServiceRoom) SendServiceNotice(ctx context.Context, noticeID, message, severity, code string) error {
	period := time.Duration(s.cfg.MinimumUpdatePeriodMS) * time.Millisecond

	s.mu.Lock()
	last, seen := s.lastNoticeTime[noticeID]
	if seen && time.Since(last) < period {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	notice := Notice{
		Message:  message,
		Severity: severity,
		NoticeID: noticeID,
		Metadata: map[string]interface{}{},
		Code:     code,
		Text:     message,
	}
	if _, err := s.bot.SendStateEvent(ctx, s.cfg.RoomID, EventType, s.stateKey(noticeID), notice); err != nil {
		return merror.Wrap(merror.BridgeInternal, "sending service notice", err)
	}

	s.mu.Lock()
	s.lastNoticeTime[noticeID] = time.Now()
	s.mu.Unlock()
	return nil
}

// ClearServiceNotice marks noticeID resolved, unless it already is (spec.md
// §8 invariant 8). On success, lastNoticeTime[noticeID] is cleared so a
// future SendServiceNotice for the same id is never throttled by a stale
// timestamp.
func (s *ServiceRoom) ClearServiceNotice(ctx context.Context, noticeID string) error {
	current, err := s.GetServiceNotification(ctx, noticeID)
	if err != nil {
		return err
	}
	if current != nil && current.Resolved {
		return nil
	}

	notice := Notice{
		NoticeID: noticeID,
		Metadata: map[string]interface{}{},
		Resolved: true,
	}
	if _, err := s.bot.SendStateEvent(ctx, s.cfg.RoomID, EventType, s.stateKey(noticeID), notice); err != nil {
		return merror.Wrap(merror.BridgeInternal, "clearing service notice", err)
	}

	s.mu.Lock()
	delete(s.lastNoticeTime, noticeID)
	s.mu.Unlock()
	return nil
}

// GetServiceNotification returns the current notice state for noticeID, or
// nil if none has ever been posted.
func (s *ServiceRoom) GetServiceNotification(ctx context.Context, noticeID string) (*Notice, error) {
	raw, err := s.bot.GetStateEvent(ctx, s.cfg.RoomID, EventType, s.stateKey(noticeID), false)
	if err != nil {
		if merror.KindOf(err) == merror.NotFound {
			return nil, nil
		}
		return nil, err
	}
	var notice Notice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return nil, merror.Wrap(merror.BridgeInternal, "decoding service notice state", err)
	}
	return &notice, nil
}
