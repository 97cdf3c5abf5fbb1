package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	safetodo "github.com/albuquerque-lucas/safetodo-web-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SAFETODO_HOME", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, safetodo.DefaultBaseURL, cfg.Default.BaseURL)
	assert.Equal(t, 10, cfg.Notifications.MenuSize)
	assert.Equal(t, filepath.Join(dir, "state.db"), cfg.Notifications.StorePath)
	assert.Empty(t, cfg.Auth.ViewerID)
}

func TestConfig_SaveLoadAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SAFETODO_HOME", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://api.example.test"))
	require.NoError(t, setConfigValue(cfg, "auth.viewer_id", "42"))
	require.NoError(t, setConfigValue(cfg, "notifications.menu_size", "25"))
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test", loaded.Default.BaseURL)
	assert.Equal(t, "42", loaded.Auth.ViewerID)
	assert.Equal(t, 25, loaded.Notifications.MenuSize)

	t.Setenv("SAFETODO_DEFAULT_BASE_URL", "http://override:9000")
	t.Setenv("SAFETODO_NOTIFICATIONS_MENU_SIZE", "5")
	loaded, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://override:9000", loaded.Default.BaseURL)
	assert.Equal(t, 5, loaded.Notifications.MenuSize)
	assert.Equal(t, "42", loaded.Auth.ViewerID)
}

func TestSetConfigValue_Errors(t *testing.T) {
	cfg := &Config{}
	for _, tc := range []struct{ key, value string }{
		{"base_url", "x"},
		{"default.api_key", "x"},
		{"auth.role", "owner"},
		{"notifications.menu_size", "zero"},
		{"notifications.menu_size", "-1"},
		{"webhooks.url", "x"},
	} {
		assert.Error(t, setConfigValue(cfg, tc.key, tc.value), tc.key)
	}

	require.NoError(t, setConfigValue(cfg, "auth.role", safetodo.RoleAdmin))
	assert.Equal(t, safetodo.RoleAdmin, cfg.Auth.Role)
	require.NoError(t, setConfigValue(cfg, "auth.role", ""))
	assert.Empty(t, cfg.Auth.Role)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "9944...2d1a", maskKey("9944b09199c62bcf9418ad846dd0e4bbdfc6ee4b2d1a"))
}

func TestParseID(t *testing.T) {
	id, err := parseID("17")
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	for _, s := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(s)
		assert.Error(t, err, s)
	}
}

func TestLoadToken_EnvOverride(t *testing.T) {
	t.Setenv("SAFETODO_HOME", t.TempDir())
	t.Setenv("SAFETODO_TOKEN", "from-env")

	token, err := loadToken()
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)
}

func TestEffectiveConfig_ShowsMergedView(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SAFETODO_HOME", dir)
	t.Setenv("SAFETODO_DEFAULT_BASE_URL", "http://override:9000")
	t.Setenv("SAFETODO_NOTIFICATIONS_MENU_SIZE", "5")

	assert.Equal(t, "SAFETODO_AUTH_VIEWER_ID", envKey("auth.viewer_id"))
	assert.Equal(t, []string{"SAFETODO_DEFAULT_BASE_URL", "SAFETODO_NOTIFICATIONS_MENU_SIZE"}, envOverrides())

	cfg, err := loadConfig()
	require.NoError(t, err)
	path := filepath.Join(dir, "config.toml")

	var buf bytes.Buffer
	require.NoError(t, writeEffectiveConfig(&buf, cfg, path, false, envOverrides()))
	out := buf.String()
	assert.Contains(t, out, "# file: "+path+" (not found, defaults shown)")
	assert.Contains(t, out, "# overridden by SAFETODO_DEFAULT_BASE_URL\n")
	assert.Contains(t, out, "# overridden by SAFETODO_NOTIFICATIONS_MENU_SIZE\n")
	assert.Contains(t, out, "base_url = 'http://override:9000'")
	assert.Contains(t, out, "menu_size = 5")
	assert.Contains(t, out, "store_path = '"+filepath.Join(dir, "state.db")+"'")
}

func TestStoredConfig_IgnoresEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SAFETODO_HOME", dir)
	t.Setenv("SAFETODO_DEFAULT_BASE_URL", "http://override:9000")

	stored, err := loadStoredConfig()
	require.NoError(t, err)
	assert.Equal(t, safetodo.DefaultBaseURL, stored.Default.BaseURL)

	require.NoError(t, setConfigValue(stored, "notifications.menu_size", "20"))
	require.NoError(t, saveConfig(stored))

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "override:9000", "environment overrides are never written back")

	effective, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://override:9000", effective.Default.BaseURL)
	assert.Equal(t, 20, effective.Notifications.MenuSize)
}
