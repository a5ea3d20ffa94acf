package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelayKey is a fixed 32-byte key in hex so tests never touch the
// machine id.
const testRelayKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestRelayStoreSaveEncryptsTokens(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	store := NewRelayStore(dir)

	err := store.Save([]RelayTarget{{
		PylonID:      "py-1",
		WSURL:        "wss://relay.example/ws",
		Token:        "super-secret",
		RefreshToken: "refresh-secret",
	}})
	require.NoError(t, err)

	path := filepath.Join(dir, "relay.json")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
	assert.NotContains(t, string(data), "refresh-secret")

	var f relayFile
	require.NoError(t, json.Unmarshal(data, &f))
	require.Len(t, f.Targets, 1)
	assert.Empty(t, f.Targets[0].Token)
	assert.NotEmpty(t, f.Targets[0].TokenEnc)
	assert.Empty(t, f.Targets[0].RefreshToken)
	assert.NotEmpty(t, f.Targets[0].RefreshTokenEnc)
}

func TestRelayStoreRoundTrip(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	store := NewRelayStore(t.TempDir())

	addedAt := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.Save([]RelayTarget{{
		PylonID:      "py-1",
		PylonName:    "hq",
		WSURL:        "wss://relay.example/ws",
		Token:        "super-secret",
		RefreshToken: "refresh-secret",
		Projects:     []string{"/work/alpha"},
		AddedAt:      addedAt,
	}}))

	targets := store.Load()
	require.Len(t, targets, 1)
	got := targets[0]
	assert.Equal(t, "py-1", got.PylonID)
	assert.Equal(t, "hq", got.PylonName)
	assert.Equal(t, "wss://relay.example/ws", got.WSURL)
	assert.Equal(t, "super-secret", got.Token)
	assert.Equal(t, "refresh-secret", got.RefreshToken)
	assert.Equal(t, []string{"/work/alpha"}, got.Projects)
	assert.True(t, got.AddedAt.Equal(addedAt))
}

func TestRelayStoreLoadAcceptsPlaintextToken(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	content := `{"targets": [{"pylonId": "py-1", "wsUrl": "wss://relay.example/ws", "token": "plain"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte(content), 0o600))

	targets := NewRelayStore(dir).Load()
	require.Len(t, targets, 1)
	assert.Equal(t, "plain", targets[0].Token)
}

func TestRelayStoreLoadDropsUnusableTargets(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	content := `{"targets": [
  {"pylonId": "py-ok", "wsUrl": "wss://a.example/ws", "token": "plain"},
  {"wsUrl": "wss://b.example/ws", "token": "no-pylon-id"},
  {"pylonId": "py-no-url", "token": "plain"},
  {"pylonId": "py-bad-enc", "wsUrl": "wss://c.example/ws", "tokenEnc": "deadbeef"}
]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte(content), 0o600))

	targets := NewRelayStore(dir).Load()
	require.Len(t, targets, 1)
	assert.Equal(t, "py-ok", targets[0].PylonID)
}

func TestRelayStoreLoadMissingOrMalformed(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()

	assert.Empty(t, NewRelayStore(dir).Load())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte("{broken"), 0o600))
	assert.Empty(t, NewRelayStore(dir).Load())
}

func TestRelayStoreUsesKeyFile(t *testing.T) {
	t.Setenv(relayKeyEnv, "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.key"), []byte(testRelayKey), 0o600))

	store := NewRelayStore(dir)
	require.NoError(t, store.Save([]RelayTarget{{
		PylonID: "py-1", WSURL: "wss://relay.example/ws", Token: "super-secret",
	}}))

	targets := store.Load()
	require.Len(t, targets, 1)
	assert.Equal(t, "super-secret", targets[0].Token)
}

func TestRelayStoreRejectsBadEnvKey(t *testing.T) {
	t.Setenv(relayKeyEnv, "not-hex")
	store := NewRelayStore(t.TempDir())

	err := store.Save([]RelayTarget{{PylonID: "py-1", WSURL: "wss://x/ws", Token: "t"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestRelayStoreSealEncryptsPlaintextFile(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	content := `{"targets": [
  {"pylonId": "py-1", "wsUrl": "wss://relay.example/ws", "token": "super-secret", "refreshToken": "refresh-secret"},
  {"wsUrl": "wss://b.example/ws", "token": "orphan-secret"}
]}`
	path := filepath.Join(dir, "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewRelayStore(dir)
	require.NoError(t, store.Seal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
	assert.NotContains(t, string(data), "refresh-secret")
	assert.NotContains(t, string(data), "orphan-secret")

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// The unusable entry stays in the file even though Load skips it.
	var f relayFile
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Len(t, f.Targets, 2)

	targets := store.Load()
	require.Len(t, targets, 1)
	assert.Equal(t, "super-secret", targets[0].Token)
	assert.Equal(t, "refresh-secret", targets[0].RefreshToken)
}

func TestRelayStoreSealLeavesEncryptedFileAlone(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	store := NewRelayStore(dir)
	require.NoError(t, store.Save([]RelayTarget{{
		PylonID: "py-1", WSURL: "wss://relay.example/ws", Token: "tok",
	}}))

	path := filepath.Join(dir, "relay.json")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, store.Seal())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "an already-sealed file must not be rewritten")
}

func TestRelayStoreSealMissingFile(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	assert.NoError(t, NewRelayStore(t.TempDir()).Seal())
}

func TestRelayStoreResaveKeepsTokensDecryptable(t *testing.T) {
	t.Setenv(relayKeyEnv, testRelayKey)
	dir := t.TempDir()
	store := NewRelayStore(dir)

	require.NoError(t, store.Save([]RelayTarget{{PylonID: "py-1", WSURL: "wss://x/ws", Token: "tok"}}))

	// Saving what Load returned re-encrypts with a fresh nonce and must
	// still decrypt to the same token.
	require.NoError(t, store.Save(store.Load()))

	data, err := os.ReadFile(filepath.Join(dir, "relay.json"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), `"token":`))

	targets := store.Load()
	require.Len(t, targets, 1)
	assert.Equal(t, "tok", targets[0].Token)
}
