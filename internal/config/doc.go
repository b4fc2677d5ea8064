// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the instachat configuration.
//
// Values come from, in increasing precedence:
//
//   - built-in defaults (Default)
//   - ~/.instachat/config.toml, or config.json when no TOML file exists
//   - .env in the working directory and in ~/.instachat
//   - SUPABASE_* and INSTACHAT_* environment variables
//
// INSTACHAT_HOME relocates the configuration directory.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Backend.URL)
//
//	_ = cfg.Set("ui.theme", "dark")
//	_ = config.Save(cfg)
//
// Config files are written atomically with 0600 permissions since they may
// hold a TOTP secret or a session passphrase. String redacts both.
package config
