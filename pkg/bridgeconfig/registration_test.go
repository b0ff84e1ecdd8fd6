package bridgeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegistrationCompilesNamespaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registration.yaml")
	data := []byte(`
id: go-appservice-bridge
url: http://localhost:8008
as_token: as_secret
hs_token: hs_secret
sender_localpart: bridgebot
namespaces:
  users:
    - regex: "@bridgebot.*:example.org"
      exclusive: true
  aliases:
    - regex: "#bridge_.*:example.org"
      exclusive: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reg, err := LoadRegistration(path)
	require.NoError(t, err)

	assert.True(t, reg.IsExclusiveUser("@bridgebot_ghost1:example.org"))
	assert.False(t, reg.IsExclusiveUser("@someoneelse:example.org"))
	assert.True(t, reg.IsExclusiveAlias("#bridge_room1:example.org"))
	assert.False(t, reg.IsExclusiveRoom("!anyroom:example.org"))
}

func TestLoadRegistrationRejectsInvalidRegex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registration.yaml")
	data := []byte(`
id: go-appservice-bridge
url: http://localhost:8008
as_token: as_secret
hs_token: hs_secret
sender_localpart: bridgebot
namespaces:
  users:
    - regex: "("
      exclusive: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := LoadRegistration(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid namespace regex")
}

func TestMarshalRoundTrips(t *testing.T) {
	reg := &Registration{
		ID:              "go-appservice-bridge",
		URL:             "http://localhost:8008",
		ASToken:         "as_secret",
		HSToken:         "hs_secret",
		SenderLocalpart: "bridgebot",
		Namespaces: Namespaces{
			Users: []NamespaceEntry{{Regex: "@bridgebot.*:example.org", Exclusive: true}},
		},
	}

	data, err := reg.Marshal()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "registration.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reloaded, err := LoadRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, reloaded.ID)
	assert.Equal(t, reg.ASToken, reloaded.ASToken)
	assert.True(t, reloaded.IsExclusiveUser("@bridgebot_ghost1:example.org"))
}
