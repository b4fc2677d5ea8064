// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for instachat.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Display the effective configuration
//   path                Show configuration file paths
//   init                Write a config file interactively
//   keys                List every key
//   get <key>           Print one value
//   set <key> <value>   Set a value in the config file
//
// Examples:
//   instachat config set backend.url https://abc.supabase.co
//   instachat config set presence.expiry_ms 5000
//   instachat config get ui.theme
package cli

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/instachat-tui/internal/config"
)

// =============================================================================
// CONFIG STYLES
// =============================================================================

var (
	configSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("255")). // White
				MarginTop(1)

	configKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")). // Light gray
			Width(26)

	configValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")) // Green

	configMaskedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("242")) // Dim

	configPathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)
)

const configUsage = "instachat config show|path|init|keys|get <key>|set <key> <value>"

// HandleConfig runs a config subcommand. It never needs the backend.
func HandleConfig(env Env) error {
	switch env.Args.Subcommand {
	case "", "show":
		return handleConfigShow(env)
	case "path":
		return handleConfigPath(env)
	case "init":
		return handleConfigInit(env)
	case "keys":
		for _, k := range config.GetAllKeys() {
			fmt.Fprintln(env.Out, k)
		}
		return nil
	case "get":
		return handleConfigGet(env)
	case "set":
		return handleConfigSet(env)
	default:
		return &UsageError{Message: fmt.Sprintf("unknown config subcommand %q", env.Args.Subcommand), Usage: configUsage}
	}
}

// =============================================================================
// SUBCOMMANDS
// =============================================================================

func handleConfigShow(env Env) error {
	cfg, err := LoadConfig(env.Args, env.Err)
	if err != nil {
		return err
	}

	fmt.Fprintln(env.Out, TitleStyle.Render("instachat Configuration"))
	fmt.Fprintln(env.Out, RenderSeparator(41))

	section := ""
	for _, key := range config.GetAllKeys() {
		sec, field, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		if sec != section {
			section = sec
			fmt.Fprintln(env.Out, configSectionStyle.Render("["+sec+"]"))
		}
		val, err := cfg.Get(key)
		if err != nil {
			return err
		}
		text := fmt.Sprint(val)
		if isSecretKey(key) {
			fmt.Fprintf(env.Out, "  %s%s\n", configKeyStyle.Render(field+":"), configMaskedStyle.Render(maskSecret(text)))
			continue
		}
		if text == "" {
			text = "(not set)"
		}
		fmt.Fprintf(env.Out, "  %s%s\n", configKeyStyle.Render(field+":"), configValueStyle.Render(text))
	}

	fmt.Fprintln(env.Out)
	fmt.Fprintln(env.Out, SeparatorStyle.Render(strings.Repeat("-", 41)))
	path, err := configFilePath(env.Args)
	if err == nil {
		fmt.Fprintf(env.Out, "Config file: %s\n", configPathStyle.Render(path))
	}
	return nil
}

func handleConfigPath(env Env) error {
	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	path, err := configFilePath(env.Args)
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(env.Args, env.Err)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.Out, RenderField("Config directory", dir))
	fmt.Fprintln(env.Out, RenderField("Config file", path))
	if p, err := cfg.SessionPath(); err == nil {
		fmt.Fprintln(env.Out, RenderField("Session store", p))
	}
	if p, err := cfg.LogPath(); err == nil {
		fmt.Fprintln(env.Out, RenderField("Log file", p))
	}
	return nil
}

func handleConfigGet(env Env) error {
	key := env.Args.ConfigKey
	if key == "" {
		return ErrMissingArgument("key", "instachat config get <key>")
	}
	cfg, err := LoadConfig(env.Args, env.Err)
	if err != nil {
		return err
	}
	val, err := cfg.Get(key)
	if err != nil {
		return &UsageError{Message: err.Error(), Usage: "instachat config keys"}
	}
	fmt.Fprintln(env.Out, val)
	return nil
}

func handleConfigSet(env Env) error {
	key, value := env.Args.ConfigKey, env.Args.ConfigVal
	if key == "" {
		return ErrMissingArgument("key", "instachat config set <key> <value>")
	}

	path, err := configFilePath(env.Args)
	if err != nil {
		return err
	}
	cfg, err := loadFileConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return &UsageError{Message: err.Error(), Usage: "instachat config keys"}
	}
	cfg.Migrate()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := saveFileConfig(cfg, path); err != nil {
		return err
	}

	shown := value
	if isSecretKey(key) {
		shown = maskSecret(value)
	}
	fmt.Fprintf(env.Out, "%s %s = %s\n", SuccessStyle.Render("[OK]"), key, shown)
	return nil
}

func handleConfigInit(env Env) error {
	if env.Prompter == nil {
		return &TTYRequiredError{Operation: "initialize the config"}
	}
	path, err := configFilePath(env.Args)
	if err != nil {
		return err
	}
	cfg, err := loadFileConfig(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(env.Out, TitleStyle.Render("instachat setup"))
	if cfg.Backend.URL, err = env.Prompter.Line("Project URL", cfg.Backend.URL); err != nil {
		return err
	}
	if cfg.Backend.AnonKey, err = env.Prompter.Line("Anon key", cfg.Backend.AnonKey); err != nil {
		return err
	}
	if cfg.Auth.Email, err = env.Prompter.Line("Default email (optional)", cfg.Auth.Email); err != nil {
		return err
	}

	cfg.Migrate()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := saveFileConfig(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s wrote %s\n", SuccessStyle.Render("[OK]"), configPathStyle.Render(path))
	fmt.Fprintln(env.Out, DimStyle.Render("Next: instachat signup or instachat login"))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// configFilePath is the file config set and init write to.
func configFilePath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPathTOML()
}

// loadFileConfig reads only the file at path, without environment overrides,
// so that writing it back does not persist values from the environment.
func loadFileConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		if strings.HasSuffix(path, ".json") {
			err = config.LoadJSON(cfg, path)
		} else {
			err = config.LoadTOML(cfg, path)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		err = statErr
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

func saveFileConfig(cfg *config.Config, path string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"key", "secret", "passphrase", "token", "password"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// maskSecret shows a short SHA-256 fingerprint instead of the value.
func maskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	hash := sha256.Sum256([]byte(value))
	return fmt.Sprintf("sha256:%x...", hash[:4])
}
