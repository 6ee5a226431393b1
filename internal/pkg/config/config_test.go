package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
crypto:
  aes_key: "12345678901234567890123456789012"
database:
  driver: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.com/api/v4", cfg.GitLab.APIBase)
	assert.Equal(t, 50, cfg.Sync.MaxProjects)
	assert.Equal(t, 5, cfg.Sync.Concurrency)
	assert.Equal(t, 3, cfg.Sync.RetryCount)
	assert.Equal(t, "2m", cfg.Sync.RunTimeout)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
crypto:
  aes_key: "from-file"
database:
  driver: memory
gitlab:
  api_base: "https://file.example.com/api/v4"
`)
	t.Setenv("GITLAB_API_BASE", "https://gitlab.internal/api/v4")
	t.Setenv("GITLAB_CLIENT_ID", "client-123")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gitlab.internal/api/v4", cfg.GitLab.APIBase)
	assert.Equal(t, "client-123", cfg.GitLab.ClientID)
	assert.Equal(t, "env-secret", cfg.Crypto.AESKey)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Run("missing encryption key", func(t *testing.T) {
		path := writeConfig(t, "database:\n  driver: memory\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		path := writeConfig(t, "crypto:\n  aes_key: k\ndatabase:\n  driver: oracle\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "crypto:\n  aes_key: k\ndatabase:\n  driver: memory\nsync:\n  run_timeout: soon\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, Duration("3s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("nope", time.Minute))
	assert.Equal(t, time.Minute, Duration("-1s", time.Minute))
}
