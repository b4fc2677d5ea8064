// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("INSTACHAT_HOME", dir)
	for _, k := range []string{
		"SUPABASE_URL", "SUPABASE_ANON_KEY", "INSTACHAT_EMAIL", "INSTACHAT_TOTP_SECRET",
		"INSTACHAT_SESSION_PASSPHRASE", "INSTACHAT_LOG_LEVEL", "INSTACHAT_THEME",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3000, cfg.Presence.ExpiryMs)
	assert.Equal(t, 2000, cfg.Presence.ThrottleMs)
	assert.True(t, cfg.Realtime.RefetchOnReconnect)
	assert.True(t, cfg.Auth.AutoRefresh)
	assert.Equal(t, "auto", cfg.UI.Theme)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad scheme", func(c *Config) { c.Backend.URL = "ftp://x.supabase.co" }, "backend.url"},
		{"missing host", func(c *Config) { c.Backend.URL = "https://" }, "backend.url"},
		{"negative timeout", func(c *Config) { c.Backend.RequestTimeoutSecs = -1 }, "backend.request_timeout_secs"},
		{"too many retries", func(c *Config) { c.Backend.MaxRetries = 11 }, "backend.max_retries"},
		{"zero expiry", func(c *Config) { c.Presence.ExpiryMs = 0 }, "presence.expiry_ms"},
		{"zero throttle", func(c *Config) { c.Presence.ThrottleMs = 0 }, "presence.throttle_ms"},
		{"weak seal", func(c *Config) { c.Storage.Seal = true; c.Storage.SealIterations = 100 }, "storage.seal_iterations"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad theme", func(c *Config) { c.UI.Theme = "neon" }, "ui.theme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}

	t.Run("valid url", func(t *testing.T) {
		cfg := Default()
		cfg.Backend.URL = "https://abc.supabase.co"
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_GetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("ui.theme", "dark"))
	assert.Equal(t, "dark", cfg.UI.Theme)

	require.NoError(t, cfg.Set("presence.expiry_ms", "4500"))
	assert.Equal(t, 4500, cfg.Presence.ExpiryMs)

	require.NoError(t, cfg.Set("realtime.refetch_on_reconnect", "false"))
	assert.False(t, cfg.Realtime.RefetchOnReconnect)

	require.NoError(t, cfg.Set("backend.max_retries", 4))
	v, err := cfg.Get("backend.max_retries")
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = cfg.Get("backend.nope")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("presence.expiry_ms", "soon"))
	assert.Error(t, cfg.Set("", "x"))
}

func TestConfig_AllKeysResolve(t *testing.T) {
	cfg := Default()
	for _, key := range GetAllKeys() {
		_, err := cfg.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestConfig_StringLeavesSecretsInPlace(t *testing.T) {
	cfg := Default()
	cfg.Storage.Passphrase = "hunter2"
	_ = cfg.String()
	assert.Equal(t, "hunter2", cfg.Storage.Passphrase)
}

func TestConfig_StringRedacts(t *testing.T) {
	cfg := Default()
	cfg.Auth.TOTPSecret = "JBSWY3DPEHPK3PXP"
	cfg.Storage.Passphrase = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "JBSWY3DPEHPK3PXP")
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "[REDACTED]")
	assert.Equal(t, "hunter2", cfg.Storage.Passphrase)
}

func TestConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("INSTACHAT_SESSION_PASSPHRASE", "pw")
	t.Setenv("INSTACHAT_LOG_LEVEL", "WARNING")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co", cfg.Backend.URL)
	assert.Equal(t, "anon", cfg.Backend.AnonKey)
	assert.True(t, cfg.Storage.Seal)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestConfig_SaveLoadTOML(t *testing.T) {
	dir := isolate(t)

	cfg := Default()
	cfg.Backend.URL = "https://abc.supabase.co"
	cfg.Auth.Email = "ada@example.com"
	cfg.Presence.ExpiryMs = 5000
	require.NoError(t, Save(cfg))

	path := filepath.Join(dir, "config.toml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co", loaded.Backend.URL)
	assert.Equal(t, "ada@example.com", loaded.Auth.Email)
	assert.Equal(t, 5000, loaded.Presence.ExpiryMs)
}

func TestConfig_LoadJSONFallback(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"ui":{"theme":"light"},"presence":{"throttle_ms":1500}}`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "light", cfg.UI.Theme)
	assert.Equal(t, 1500, cfg.Presence.ThrottleMs)
	assert.Equal(t, 3000, cfg.Presence.ExpiryMs)
}

func TestConfig_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.Unsetenv("INSTACHAT_EMAIL"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("INSTACHAT_EMAIL=grace@example.com\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("INSTACHAT_EMAIL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", cfg.Auth.Email)
}

func TestConfig_LoadFromPathInvalid(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ui]\ntheme = \"neon\"\n"), 0600))

	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

func TestNormalizeFieldName(t *testing.T) {
	assert.Equal(t, "ExpiryMs", normalizeFieldName("expiry_ms"))
	assert.Equal(t, "AnonKey", normalizeFieldName("anon-key"))
}
