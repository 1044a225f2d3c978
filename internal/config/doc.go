// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for ragchat.
//
// Supports TOML, JSON and YAML configuration formats, with sensible defaults,
// environment variable overrides, struct-tag validation and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - APIConfig: Backend location, credential and request shaping
//   - StreamConfig: Push transport selection and idle timeout
//   - UploadConfig: Attachment validation policy and upload concurrency
//   - NotifyConfig: Notification durations and capacity
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RAGCHAT_*)
//   - ~/.ragchat/config.toml
//   - ~/.ragchat/config.json
//   - ~/.ragchat/config.yaml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	w, err := config.Watch(path, func(cfg *config.Config, err error) { ... })
//	defer w.Close()
package config
