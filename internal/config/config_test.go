package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecretKey is 64 hex chars = 32 bytes.
const testSecretKey = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

// allConfigKeys lists every GLUCOSYNC_ env var that Load() reads.
var allConfigKeys = []string{
	"GLUCOSYNC_OFFICIAL_BASE_URL",
	"GLUCOSYNC_OFFICIAL_TOKEN_URL",
	"GLUCOSYNC_OFFICIAL_CLIENT_ID",
	"GLUCOSYNC_OFFICIAL_CLIENT_SECRET",
	"GLUCOSYNC_INFORMAL_BASE_URL",
	"GLUCOSYNC_INFORMAL_ACCOUNT",
	"GLUCOSYNC_INFORMAL_PASSWORD",
	"GLUCOSYNC_INFORMAL_APP_ID",
	"GLUCOSYNC_SESSION_TTL",
	"GLUCOSYNC_PUBLICATION_DELAY",
	"GLUCOSYNC_SAFETY_MARGIN",
	"GLUCOSYNC_LIVE_INTERVAL",
	"GLUCOSYNC_RELAXED_INTERVAL",
	"GLUCOSYNC_MAX_RUN_DURATION",
	"GLUCOSYNC_RETENTION",
	"GLUCOSYNC_LISTEN_ADDR",
	"GLUCOSYNC_DB_PATH",
	"GLUCOSYNC_SECRET_KEY",
}

// isolateConfigEnv saves and unsets all GLUCOSYNC_ env vars so tests don't
// inherit values from the host environment. t.Cleanup restores original
// values after the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)
	t.Setenv("GLUCOSYNC_OFFICIAL_CLIENT_ID", "client-id")
	t.Setenv("GLUCOSYNC_OFFICIAL_CLIENT_SECRET", "client-secret")
	t.Setenv("GLUCOSYNC_INFORMAL_ACCOUNT", "account")
	t.Setenv("GLUCOSYNC_INFORMAL_PASSWORD", "password")
	t.Setenv("GLUCOSYNC_PUBLICATION_DELAY", "4h")
	t.Setenv("GLUCOSYNC_SAFETY_MARGIN", "30m")
	t.Setenv("GLUCOSYNC_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("GLUCOSYNC_DB_PATH", "/tmp/test.db")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "client-id", cfg.OfficialClientID)
	assert.Equal(t, "account", cfg.InformalAccount)
	assert.Equal(t, 4*time.Hour, cfg.PublicationDelay)
	assert.Equal(t, 30*time.Minute, cfg.SafetyMargin)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.True(t, cfg.HasOfficialCredentials())
	assert.True(t, cfg.HasInformalCredentials())
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 3*time.Hour, cfg.PublicationDelay)
	assert.Equal(t, 15*time.Minute, cfg.SafetyMargin)
	assert.Equal(t, time.Minute, cfg.LiveInterval)
	assert.Equal(t, 5*time.Minute, cfg.RelaxedInterval)
	assert.Equal(t, 6*time.Hour, cfg.MaxRunDuration)
	assert.Equal(t, 180*24*time.Hour, cfg.Retention)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "glucosync.db", cfg.DBPath)
}

// Vendor credentials are optional: a deployment may run with only one feed,
// or with none until credentials arrive.
func TestLoad_MissingVendorCredentials(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.HasOfficialCredentials())
	assert.False(t, cfg.HasInformalCredentials())
}

func TestLoad_PartialOfficialCredentials(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)
	t.Setenv("GLUCOSYNC_OFFICIAL_CLIENT_ID", "client-id")

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.HasOfficialCredentials(), "an id without a secret is not a usable credential")
}

func TestLoad_InvalidDuration(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)
	t.Setenv("GLUCOSYNC_PUBLICATION_DELAY", "not-a-duration")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GLUCOSYNC_PUBLICATION_DELAY")
}

func TestLoad_SecretKey_Missing(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GLUCOSYNC_SECRET_KEY")
}

func TestLoad_SecretKey_Valid(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", testSecretKey)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Len(t, cfg.SecretKey, 32)
}

func TestLoad_SecretKey_TooShort(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("GLUCOSYNC_SECRET_KEY", "deadbeef")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GLUCOSYNC_SECRET_KEY")
}

func TestLoad_SecretKey_NotHex(t *testing.T) {
	isolateConfigEnv(t)
	// 64 chars but not valid hex
	t.Setenv("GLUCOSYNC_SECRET_KEY", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")

	cfg, err := Load()

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GLUCOSYNC_SECRET_KEY")
}
