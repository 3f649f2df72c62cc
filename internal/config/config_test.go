package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PALCHAT_CONFIG", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("DB_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 10*time.Second, cfg.TypingWindow())
	assert.Equal(t, 256, cfg.WSSendBuffer)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "palchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
jwt_secret: from-file
typing_window_sec: 5
ws_allowed_origins: ["https://a.example"]
`), 0o600))

	t.Setenv("PALCHAT_CONFIG", path)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://b.example, https://c.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.TypingWindow())
	assert.Equal(t, []string{"https://b.example", "https://c.example"}, cfg.AllowedOrigins)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.DBDriver = "mysql"
	err := cfg.Validate()
	assert.True(t, errors.Is(err, errors.NotValid))

	cfg = Default()
	cfg.DBDriver = "postgres"
	assert.Error(t, cfg.Validate())
}
