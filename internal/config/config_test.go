package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
environment: DEV
auth:
  issuer: https://id.example.com/
encryption:
  key: test-key
db:
  name: flowdeck
runtime:
  max_attempts: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, "https://id.example.com", cfg.Auth.Issuer)
	assert.Equal(t, "flowdeck", cfg.DB.Name)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 2, cfg.Runtime.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Runtime.InitialBackoff)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 20.0, cfg.HTTP.RateLimit)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "encryption:\n  key: from-file\n")
	t.Setenv("FLOWDECK_ENCRYPTION_KEY", "from-env")
	t.Setenv("FLOWDECK_GOOGLE_CLIENT_ID", "google-client")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Encryption.Key)
	assert.Equal(t, "google-client", cfg.Google.ClientID)
}

func TestLoadConfigRequiresEncryptionKey(t *testing.T) {
	path := writeConfig(t, "environment: DEV\n")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
