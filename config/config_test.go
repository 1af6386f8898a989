package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "studiorelay.db", cfg.DBPath)
	assert.Equal(t, 120*time.Second, cfg.ReadTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTLDuration())
	assert.False(t, cfg.RequireAuth)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STUDIO_PORT", "6001")
	t.Setenv("STUDIO_DB_PATH", "/var/lib/studio.db")
	t.Setenv("STUDIO_REQUIRE_AUTH", "true")
	t.Setenv("STUDIO_EVENT_RPS", "2.5")
	t.Setenv("STUDIO_ALLOWED_ORIGINS", "https://ink.example, https://admin.ink.example,")
	t.Setenv("STUDIO_READ_TIMEOUT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Port)
	assert.Equal(t, "/var/lib/studio.db", cfg.DBPath)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, 2.5, cfg.EventRPS)
	assert.Equal(t, []string{"https://ink.example", "https://admin.ink.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 120, cfg.ReadTimeout, "invalid values keep the default")
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "studio.yaml")
	yml := "port: 7000\nupload_dir: /srv/uploads\njwt_secret: from-file\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("STUDIO_CONFIG", path)
	t.Setenv("STUDIO_JWT_SECRET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "/srv/uploads", cfg.UploadDir)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STUDIO_CONFIG", "/nonexistent/studio.yaml")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STUDIO_UPLOAD_DIR=dotenv-uploads\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("STUDIO_UPLOAD_DIR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dotenv-uploads", cfg.UploadDir)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
