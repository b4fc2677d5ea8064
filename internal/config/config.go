// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for instachat.
//
// Supports both TOML and JSON configuration formats, with defaults,
// .env files, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.instachat/config.toml
//   - ~/.instachat/config.json
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/instachat-tui/internal/util"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = "1"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete instachat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Backend is the hosted Supabase project.
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Realtime controls the live channel.
	Realtime RealtimeConfig `toml:"realtime" json:"realtime"`

	// Presence controls typing signals.
	Presence PresenceConfig `toml:"presence" json:"presence"`

	// Auth controls sign-in and session refresh.
	Auth AuthConfig `toml:"auth" json:"auth"`

	// Storage controls the persisted session.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Log controls the log file.
	Log LogConfig `toml:"log" json:"log"`

	// UI configuration
	UI UIConfig `toml:"ui" json:"ui"`
}

// BackendConfig contains the Supabase project settings.
type BackendConfig struct {
	// URL is the project URL, e.g. https://abc.supabase.co
	URL string `toml:"url" json:"url"`
	// AnonKey is the public anon key of the project
	AnonKey string `toml:"anon_key" json:"anon_key"`
	// RequestTimeoutSecs bounds each REST call
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
	// MaxRetries is the number of retries for idempotent requests
	MaxRetries int `toml:"max_retries" json:"max_retries"`
}

// RealtimeConfig contains live channel settings.
type RealtimeConfig struct {
	HeartbeatSecs   int `toml:"heartbeat_secs" json:"heartbeat_secs"`
	JoinTimeoutSecs int `toml:"join_timeout_secs" json:"join_timeout_secs"`
	// ReconnectBaseMs is the linear backoff step between reconnect attempts
	ReconnectBaseMs int `toml:"reconnect_base_ms" json:"reconnect_base_ms"`
	// MaxReconnects is the number of reconnect attempts before giving up (0 disables reconnects)
	MaxReconnects int `toml:"max_reconnects" json:"max_reconnects"`
	// RefetchOnReconnect merges the history again after a reconnect
	RefetchOnReconnect bool `toml:"refetch_on_reconnect" json:"refetch_on_reconnect"`
}

// PresenceConfig contains typing presence settings.
type PresenceConfig struct {
	// ExpiryMs is how long a peer typing signal stays visible without renewal
	ExpiryMs int `toml:"expiry_ms" json:"expiry_ms"`
	// ThrottleMs is the minimum interval between our own typing signals
	ThrottleMs int `toml:"throttle_ms" json:"throttle_ms"`
}

// AuthConfig contains sign-in settings.
type AuthConfig struct {
	// Email pre-fills the login prompt
	Email string `toml:"email" json:"email"`
	// TOTPSecret generates MFA codes when set; otherwise the code is prompted
	TOTPSecret string `toml:"totp_secret" json:"totp_secret,omitempty"`
	// RefreshMarginSecs refreshes the access token this long before it expires
	RefreshMarginSecs int `toml:"refresh_margin_secs" json:"refresh_margin_secs"`
	// AutoRefresh refreshes the access token in the background
	AutoRefresh bool `toml:"auto_refresh" json:"auto_refresh"`
	// WatchSession picks up logins and logouts made by other instachat processes
	WatchSession bool `toml:"watch_session" json:"watch_session"`
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	// Path is the session database (empty = ~/.instachat/session.db)
	Path string `toml:"path" json:"path"`
	// Seal encrypts the stored session with a passphrase-derived key
	Seal bool `toml:"seal" json:"seal"`
	// SealIterations is the PBKDF2 iteration count
	SealIterations int `toml:"seal_iterations" json:"seal_iterations"`
	// Passphrase unlocks the sealed session. Prefer INSTACHAT_SESSION_PASSPHRASE.
	Passphrase string `toml:"passphrase" json:"passphrase,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Path is the log file (empty = ~/.instachat/instachat.log)
	Path string `toml:"path" json:"path"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme" json:"theme"`
	// ShowTimestamps shows the time under each message
	ShowTimestamps bool `toml:"show_timestamps" json:"show_timestamps"`
	// CompactMode removes the spacing between messages
	CompactMode bool `toml:"compact_mode" json:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,

		Backend: BackendConfig{
			RequestTimeoutSecs: 15,
			MaxRetries:         2,
		},

		Realtime: RealtimeConfig{
			HeartbeatSecs:      25,
			JoinTimeoutSecs:    10,
			ReconnectBaseMs:    1000,
			MaxReconnects:      5,
			RefetchOnReconnect: true,
		},

		Presence: PresenceConfig{
			ExpiryMs:   3000,
			ThrottleMs: 2000,
		},

		Auth: AuthConfig{
			RefreshMarginSecs: 60,
			AutoRefresh:       true,
			WatchSession:      true,
		},

		Storage: StorageConfig{
			Seal:           false,
			SealIterations: 600000,
		},

		Log: LogConfig{
			Level: "info",
		},

		UI: UIConfig{
			Theme:          "auto",
			ShowTimestamps: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the instachat configuration directory path.
// INSTACHAT_HOME overrides the default ~/.instachat.
func ConfigDir() (string, error) {
	if dir := os.Getenv("INSTACHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".instachat"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// SessionPath returns the session database path.
func (c *Config) SessionPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.db"), nil
}

// LogPath returns the log file path.
func (c *Config) LogPath() (string, error) {
	if c.Log.Path != "" {
		return c.Log.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "instachat.log"), nil
}

// ensureSecurePermissions restricts a config file to its owner.
// The anon key is public, but the TOTP secret and passphrase are not.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads .env from the working directory and the config directory.
// Variables already set in the environment win. Missing files are ignored.
func LoadDotEnv() error {
	paths := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ".env"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// .env files are read first and environment overrides are applied last.
func Load() (*Config, error) {
	var loadErr error
	if err := LoadDotEnv(); err != nil {
		loadErr = err
	}

	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finish(cfg)
			}
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finish(cfg)
			}
		}
	}

	// Defaults, with any load error for informational purposes.
	cfg, err = finish(Default())
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.Migrate()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finish(cfg)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# instachat configuration file\n")
	buf.WriteString("# Values here are overridden by SUPABASE_* and INSTACHAT_* environment variables.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors as ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Backend
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		switch {
		case err != nil:
			add("backend.url", "invalid URL: %v", err)
		case u.Scheme != "http" && u.Scheme != "https":
			add("backend.url", "scheme must be http or https, got '%s'", u.Scheme)
		case u.Host == "":
			add("backend.url", "missing host")
		}
	}
	if c.Backend.RequestTimeoutSecs < 0 {
		add("backend.request_timeout_secs", "cannot be negative")
	}
	if c.Backend.MaxRetries < 0 || c.Backend.MaxRetries > 10 {
		add("backend.max_retries", "must be between 0 and 10")
	}

	// Realtime
	if c.Realtime.HeartbeatSecs < 0 {
		add("realtime.heartbeat_secs", "cannot be negative")
	}
	if c.Realtime.JoinTimeoutSecs < 0 {
		add("realtime.join_timeout_secs", "cannot be negative")
	}
	if c.Realtime.ReconnectBaseMs < 0 {
		add("realtime.reconnect_base_ms", "cannot be negative")
	}
	if c.Realtime.MaxReconnects < 0 {
		add("realtime.max_reconnects", "cannot be negative")
	}

	// Presence
	if c.Presence.ExpiryMs <= 0 {
		add("presence.expiry_ms", "must be positive")
	}
	if c.Presence.ThrottleMs <= 0 {
		add("presence.throttle_ms", "must be positive")
	}

	// Auth
	if c.Auth.RefreshMarginSecs < 0 {
		add("auth.refresh_margin_secs", "cannot be negative")
	}

	// Storage
	if c.Storage.Seal && c.Storage.SealIterations < 10000 {
		add("storage.seal_iterations", "must be at least 10000 when sealing is enabled")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level)
	}

	// UI
	switch strings.ToLower(c.UI.Theme) {
	case "auto", "dark", "light":
	default:
		add("ui.theme", "invalid theme '%s', must be one of: auto, dark, light", c.UI.Theme)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
// Booleans are left as loaded.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Backend.RequestTimeoutSecs == 0 {
		c.Backend.RequestTimeoutSecs = d.Backend.RequestTimeoutSecs
	}
	if c.Realtime.HeartbeatSecs == 0 {
		c.Realtime.HeartbeatSecs = d.Realtime.HeartbeatSecs
	}
	if c.Realtime.JoinTimeoutSecs == 0 {
		c.Realtime.JoinTimeoutSecs = d.Realtime.JoinTimeoutSecs
	}
	if c.Realtime.ReconnectBaseMs == 0 {
		c.Realtime.ReconnectBaseMs = d.Realtime.ReconnectBaseMs
	}
	if c.Presence.ExpiryMs == 0 {
		c.Presence.ExpiryMs = d.Presence.ExpiryMs
	}
	if c.Presence.ThrottleMs == 0 {
		c.Presence.ThrottleMs = d.Presence.ThrottleMs
	}
	if c.Auth.RefreshMarginSecs == 0 {
		c.Auth.RefreshMarginSecs = d.Auth.RefreshMarginSecs
	}
	if c.Storage.SealIterations == 0 {
		c.Storage.SealIterations = d.Storage.SealIterations
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
}

// Migrate normalizes values written by older versions.
func (c *Config) Migrate() {
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.UI.Theme = strings.ToLower(strings.TrimSpace(c.UI.Theme))
	if c.Version != CurrentVersion {
		c.Version = CurrentVersion
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - SUPABASE_URL: overrides backend.url
//   - SUPABASE_ANON_KEY: overrides backend.anon_key
//   - INSTACHAT_EMAIL: overrides auth.email
//   - INSTACHAT_TOTP_SECRET: overrides auth.totp_secret
//   - INSTACHAT_SESSION_PASSPHRASE: sets storage.passphrase and enables sealing
//   - INSTACHAT_LOG_LEVEL: overrides log.level
//   - INSTACHAT_THEME: overrides ui.theme
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		c.Backend.AnonKey = v
	}
	if v := os.Getenv("INSTACHAT_EMAIL"); v != "" {
		c.Auth.Email = v
	}
	if v := os.Getenv("INSTACHAT_TOTP_SECRET"); v != "" {
		c.Auth.TOTPSecret = v
	}
	if v := os.Getenv("INSTACHAT_SESSION_PASSPHRASE"); v != "" {
		c.Storage.Passphrase = v
		c.Storage.Seal = true
	}
	if v := os.Getenv("INSTACHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("INSTACHAT_THEME"); v != "" {
		c.UI.Theme = v
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "presence.expiry_ms").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "ui.theme").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		if len(part) > 0 {
			result.WriteString(strings.ToUpper(string(part[0])))
			result.WriteString(strings.ToLower(part[1:]))
		}
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"version",
		"backend.url",
		"backend.anon_key",
		"backend.request_timeout_secs",
		"backend.max_retries",
		"realtime.heartbeat_secs",
		"realtime.join_timeout_secs",
		"realtime.reconnect_base_ms",
		"realtime.max_reconnects",
		"realtime.refetch_on_reconnect",
		"presence.expiry_ms",
		"presence.throttle_ms",
		"auth.email",
		"auth.totp_secret",
		"auth.refresh_margin_secs",
		"auth.auto_refresh",
		"auth.watch_session",
		"storage.path",
		"storage.seal",
		"storage.seal_iterations",
		"storage.passphrase",
		"log.level",
		"log.path",
		"ui.theme",
		"ui.show_timestamps",
		"ui.compact_mode",
	}
}

// clone returns a shallow copy of the configuration.
func (c *Config) clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.clone()
	if safe.Auth.TOTPSecret != "" {
		safe.Auth.TOTPSecret = "[REDACTED]"
	}
	if safe.Storage.Passphrase != "" {
		safe.Storage.Passphrase = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
