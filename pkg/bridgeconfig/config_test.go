package bridgeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Defaults()
	cfg.Homeserver.URL = "https://matrix.example.org"
	cfg.Homeserver.Domain = "example.org"
	cfg.RegistrationPath = "registration.yaml"
	return cfg
}

func TestDefaultsThenVerifyPasses(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Verify())
}

func TestVerifyAccumulatesMultipleErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()
	// Homeserver and registration path left unset, event_queue forced invalid.
	cfg.EventQueue.Type = "sometimes"

	err := cfg.Verify()
	require.Error(t, err)
	errs, ok := err.(ConfigErrors)
	require.True(t, ok)

	assert.Contains(t, errs.Error(), "homeserver.url")
	assert.Contains(t, errs.Error(), "homeserver.domain")
	assert.Contains(t, errs.Error(), "registration_path")
	assert.Contains(t, errs.Error(), "event_queue.type")
}

func TestBanSyncRequiresPolicyRoomsWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.BanSync.Enabled = true

	err := cfg.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ban_sync.policy_room_ids")

	cfg.BanSync.PolicyRoomIDs = []string{"!policy:example.org"}
	assert.NoError(t, cfg.Verify())
}

func TestMediaProxyRequiresSigningKeyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.MediaProxy.Enabled = true

	err := cfg.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media_proxy.signing_key")

	cfg.MediaProxy.SigningKey = "s3cr3t"
	assert.NoError(t, cfg.Verify())
}

func TestRoomLinkValidatorRejectsInvalidRegex(t *testing.T) {
	cfg := validConfig()
	cfg.RoomLinkValidator.UserIDs.Conflict = []string{"("}

	err := cfg.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room_link_validator.user_ids.conflict")
}

func TestLoadReadsDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
homeserver:
  url: https://matrix.example.org
  domain: example.org
registration_path: registration.yaml
membership_queue:
  concurrent_room_limit: 16
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MembershipQueue.ConcurrentRoomLimit)
	// unset fields keep their Defaults() value
	assert.Equal(t, 10, cfg.MembershipQueue.MaxAttempts)
	assert.Equal(t, "single", cfg.EventQueue.Type)
}

func TestLoadPropagatesVerifyError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("homeserver:\n  url: https://matrix.example.org\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "homeserver.domain")
}
