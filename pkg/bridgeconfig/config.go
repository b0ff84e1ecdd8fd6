// Package bridgeconfig loads and validates the bridge's own YAML config and
// the AS registration document, following the Defaults()/Verify() pattern
// dendrite's setup/config package uses throughout (e.g. config_clientapi.go).
package bridgeconfig

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"
)

// ConfigErrors accumulates every configuration problem found during Verify
// so that a misconfigured bridge reports everything wrong with it at once,
// rather than failing on the first bad field.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	return strings.Join(e, "\n")
}

func checkNotEmpty(errs *ConfigErrors, fieldName, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("missing config field: %s", fieldName))
	}
}

func checkPositive(errs *ConfigErrors, fieldName string, value int) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("config field %s must be positive, got %d", fieldName, value))
	}
}

// HomeserverConfig describes how the bridge reaches the homeserver.
type HomeserverConfig struct {
	URL    string `yaml:"url"`
	Domain string `yaml:"domain"`
}

func (h *HomeserverConfig) Defaults() {}

func (h *HomeserverConfig) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "homeserver.url", h.URL)
	checkNotEmpty(errs, "homeserver.domain", h.Domain)
}

// MembershipQueueConfig holds spec.md §4.2 parameters.
type MembershipQueueConfig struct {
	ConcurrentRoomLimit int `yaml:"concurrent_room_limit"`
	MaxAttempts         int `yaml:"max_attempts"`
	ActionDelayMS       int `yaml:"action_delay_ms"`
	MaxActionDelayMS    int `yaml:"max_action_delay_ms"`
	DefaultTTLMS        int `yaml:"default_ttl_ms"`
}

func (m *MembershipQueueConfig) Defaults() {
	m.ConcurrentRoomLimit = 8
	m.MaxAttempts = 10
	m.ActionDelayMS = 500
	m.MaxActionDelayMS = 30 * 60 * 1000
	m.DefaultTTLMS = 2 * 60 * 1000
}

func (m *MembershipQueueConfig) Verify(errs *ConfigErrors) {
	checkPositive(errs, "membership_queue.concurrent_room_limit", m.ConcurrentRoomLimit)
	checkPositive(errs, "membership_queue.max_attempts", m.MaxAttempts)
	checkPositive(errs, "membership_queue.action_delay_ms", m.ActionDelayMS)
	checkPositive(errs, "membership_queue.max_action_delay_ms", m.MaxActionDelayMS)
	checkPositive(errs, "membership_queue.default_ttl_ms", m.DefaultTTLMS)
}

// StateLookupConfig holds spec.md §4.3 parameters.
type StateLookupConfig struct {
	Concurrency  int `yaml:"concurrency"`
	RetryStateMS int `yaml:"retry_state_ms"`
}

func (s *StateLookupConfig) Defaults() {
	s.Concurrency = 4
	s.RetryStateMS = 300
}

func (s *StateLookupConfig) Verify(errs *ConfigErrors) {
	checkPositive(errs, "state_lookup.concurrency", s.Concurrency)
	checkPositive(errs, "state_lookup.retry_state_ms", s.RetryStateMS)
}

// CacheConfig holds the TTL/size parameters for the Client-Request Cache
// (spec.md §4.4).
type CacheConfig struct {
	TTLMS   int `yaml:"ttl_ms"`
	MaxSize int `yaml:"max_size"`
}

func (c *CacheConfig) Defaults() {
	c.TTLMS = 5 * 60 * 1000
	c.MaxSize = 500
}

func (c *CacheConfig) Verify(errs *ConfigErrors) {
	checkPositive(errs, "cache.ttl_ms", c.TTLMS)
	checkPositive(errs, "cache.max_size", c.MaxSize)
}

// ActivityConfig holds spec.md §4.5 parameters.
type ActivityConfig struct {
	MaxTimeMS        int  `yaml:"max_time_ms"`
	UsePresence      bool `yaml:"use_presence"`
	DefaultOnline    bool `yaml:"default_online"`
	MinUserActiveDays int `yaml:"min_user_active_days"`
	InactiveAfterDays int `yaml:"inactive_after_days"`
	DebounceTimeMS    int `yaml:"debounce_time_ms"`
}

func (a *ActivityConfig) Defaults() {
	a.MaxTimeMS = 5 * 60 * 1000
	a.UsePresence = true
	a.DefaultOnline = false
	a.MinUserActiveDays = 3
	a.InactiveAfterDays = 30
	a.DebounceTimeMS = 1000
}

func (a *ActivityConfig) Verify(errs *ConfigErrors) {
	checkPositive(errs, "activity.max_time_ms", a.MaxTimeMS)
	checkPositive(errs, "activity.min_user_active_days", a.MinUserActiveDays)
	checkPositive(errs, "activity.inactive_after_days", a.InactiveAfterDays)
	checkPositive(errs, "activity.debounce_time_ms", a.DebounceTimeMS)
}

// BanSyncConfig holds spec.md §4.6 parameters.
type BanSyncConfig struct {
	Enabled             bool     `yaml:"enabled"`
	PolicyRoomIDs       []string `yaml:"policy_room_ids"`
	BlockOpenRegistration bool   `yaml:"block_open_registration"`
	AllowUnknown        bool     `yaml:"allow_unknown"`
}

func (b *BanSyncConfig) Defaults() {}

func (b *BanSyncConfig) Verify(errs *ConfigErrors) {
	if b.Enabled && len(b.PolicyRoomIDs) == 0 {
		errs.Add("ban_sync.policy_room_ids must be non-empty when ban_sync.enabled is true")
	}
}

// BridgeBlockerConfig holds spec.md §4.7 parameters.
type BridgeBlockerConfig struct {
	Enabled bool `yaml:"enabled"`
	Limit   int  `yaml:"limit"`
}

func (b *BridgeBlockerConfig) Defaults() {}

func (b *BridgeBlockerConfig) Verify(errs *ConfigErrors) {
	if b.Enabled {
		checkPositive(errs, "bridge_blocker.limit", b.Limit)
	}
}

// MediaProxyConfig holds spec.md §4.10 parameters.
type MediaProxyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SigningKey   string `yaml:"signing_key"`
	ListenAddr   string `yaml:"listen_addr"`
	DefaultTTLMS int    `yaml:"default_ttl_ms"`
}

func (m *MediaProxyConfig) Defaults() {
	m.DefaultTTLMS = 60 * 1000
	m.ListenAddr = ":8090"
}

func (m *MediaProxyConfig) Verify(errs *ConfigErrors) {
	if m.Enabled {
		checkNotEmpty(errs, "media_proxy.signing_key", m.SigningKey)
		checkNotEmpty(errs, "media_proxy.listen_addr", m.ListenAddr)
	}
}

// ServiceRoomConfig holds spec.md §4.11 parameters.
type ServiceRoomConfig struct {
	RoomID                string `yaml:"room_id"`
	StateKeyPrefix        string `yaml:"state_key_prefix"`
	MinimumUpdatePeriodMS int    `yaml:"minimum_update_period_ms"`
}

func (s *ServiceRoomConfig) Defaults() {
	s.StateKeyPrefix = "notice"
	s.MinimumUpdatePeriodMS = 60 * 60 * 1000
}

func (s *ServiceRoomConfig) Verify(errs *ConfigErrors) {
	checkPositive(errs, "service_room.minimum_update_period_ms", s.MinimumUpdatePeriodMS)
}

// RoomLinkValidatorRule is one named exempt/conflict regex list, matching
// spec.md §4.12's `{userIds: {exempt: [regex], conflict: [regex]}}` rule
// document.
type RoomLinkValidatorRule struct {
	Exempt   []string `yaml:"exempt"`
	Conflict []string `yaml:"conflict"`
}

// RoomLinkValidatorConfig holds spec.md §4.12 parameters.
type RoomLinkValidatorConfig struct {
	Enabled bool                  `yaml:"enabled"`
	UserIDs RoomLinkValidatorRule `yaml:"user_ids"`
}

func (r *RoomLinkValidatorConfig) Defaults() {}

func (r *RoomLinkValidatorConfig) Verify(errs *ConfigErrors) {
	for _, pattern := range r.UserIDs.Exempt {
		if _, err := regexp.Compile(pattern); err != nil {
			errs.Add(fmt.Sprintf("room_link_validator.user_ids.exempt: invalid regex %q: %s", pattern, err))
		}
	}
	for _, pattern := range r.UserIDs.Conflict {
		if _, err := regexp.Compile(pattern); err != nil {
			errs.Add(fmt.Sprintf("room_link_validator.user_ids.conflict: invalid regex %q: %s", pattern, err))
		}
	}
}

// EventQueueConfig selects the inbound dispatch flavor (spec.md §9).
type EventQueueConfig struct {
	Type string `yaml:"type"` // none | single | per_room
}

func (e *EventQueueConfig) Defaults() { e.Type = "single" }

func (e *EventQueueConfig) Verify(errs *ConfigErrors) {
	switch e.Type {
	case "none", "single", "per_room":
	default:
		errs.Add(fmt.Sprintf("event_queue.type must be one of none|single|per_room, got %q", e.Type))
	}
}

// Config is the top-level bridge configuration document.
type Config struct {
	Homeserver        HomeserverConfig        `yaml:"homeserver"`
	RegistrationPath  string                  `yaml:"registration_path"`
	MembershipQueue   MembershipQueueConfig   `yaml:"membership_queue"`
	StateLookup       StateLookupConfig       `yaml:"state_lookup"`
	Cache             CacheConfig             `yaml:"cache"`
	Activity          ActivityConfig          `yaml:"activity"`
	BanSync           BanSyncConfig           `yaml:"ban_sync"`
	BridgeBlocker     BridgeBlockerConfig     `yaml:"bridge_blocker"`
	MediaProxy        MediaProxyConfig        `yaml:"media_proxy"`
	ServiceRoom       ServiceRoomConfig       `yaml:"service_room"`
	RoomLinkValidator RoomLinkValidatorConfig `yaml:"room_link_validator"`
	EventQueue        EventQueueConfig        `yaml:"event_queue"`
}

// Defaults populates every sub-config's defaults.
func (c *Config) Defaults() {
	c.Homeserver.Defaults()
	c.MembershipQueue.Defaults()
	c.StateLookup.Defaults()
	c.Cache.Defaults()
	c.Activity.Defaults()
	c.BanSync.Defaults()
	c.BridgeBlocker.Defaults()
	c.MediaProxy.Defaults()
	c.ServiceRoom.Defaults()
	c.RoomLinkValidator.Defaults()
	c.EventQueue.Defaults()
}

// Verify validates every sub-config, accumulating all problems found.
func (c *Config) Verify() error {
	var errs ConfigErrors
	c.Homeserver.Verify(&errs)
	checkNotEmpty(&errs, "registration_path", c.RegistrationPath)
	c.MembershipQueue.Verify(&errs)
	c.StateLookup.Verify(&errs)
	c.Cache.Verify(&errs)
	c.Activity.Verify(&errs)
	c.BanSync.Verify(&errs)
	c.BridgeBlocker.Verify(&errs)
	c.MediaProxy.Verify(&errs)
	c.ServiceRoom.Verify(&errs)
	c.RoomLinkValidator.Verify(&errs)
	c.EventQueue.Verify(&errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Load reads, defaults and verifies a bridge config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	cfg.Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
