// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/ragchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ragchat configuration.
type Config struct {
	API    APIConfig    `toml:"api" json:"api" yaml:"api"`
	Stream StreamConfig `toml:"stream" json:"stream" yaml:"stream"`
	Upload UploadConfig `toml:"upload" json:"upload" yaml:"upload"`
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`
	Log    LogConfig    `toml:"log" json:"log" yaml:"log"`
	UI     UIConfig     `toml:"ui" json:"ui" yaml:"ui"`
}

// APIConfig locates the backend and shapes REST traffic.
type APIConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:8000
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url" validate:"required,url"`

	// Token is the bearer credential. Prefer RAGCHAT_TOKEN over storing it here.
	Token string `toml:"token" json:"token,omitempty" yaml:"token,omitempty"`

	// Timeout bounds a single REST round-trip (not stream sessions)
	Timeout Duration `toml:"timeout" json:"timeout" yaml:"timeout" validate:"gte=0"`

	// MaxRetries is the number of retries for 5xx and network errors
	MaxRetries int `toml:"max_retries" json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`

	// RequestsPerSecond throttles outgoing REST calls (0 = unlimited)
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size
	Burst int `toml:"burst" json:"burst" yaml:"burst" validate:"gte=0"`
}

// StreamConfig selects the push transport.
type StreamConfig struct {
	// Transport is "sse" or "websocket"
	Transport string `toml:"transport" json:"transport" yaml:"transport" validate:"oneof=sse websocket"`

	// IdleTimeout aborts a session that receives nothing for this long (0 = disabled)
	IdleTimeout Duration `toml:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`
}

// UploadConfig is the attachment validation policy.
type UploadConfig struct {
	MaxFileSize       int64    `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size" validate:"gt=0"`
	MaxFiles          int      `toml:"max_files" json:"max_files" yaml:"max_files" validate:"gt=0"`
	AllowedTypes      []string `toml:"allowed_types" json:"allowed_types" yaml:"allowed_types" validate:"dive,required,contains=/"`
	AllowedExtensions []string `toml:"allowed_extensions" json:"allowed_extensions" yaml:"allowed_extensions" validate:"dive,required,startswith=."`

	// Concurrency bounds parallel uploads in UploadAll
	Concurrency int `toml:"concurrency" json:"concurrency" yaml:"concurrency" validate:"gte=1,lte=16"`
}

// NotifyConfig controls the notification center.
type NotifyConfig struct {
	// DefaultDuration applies to every severity when non-zero; zero selects
	// the per-severity defaults.
	DefaultDuration  Duration `toml:"default_duration" json:"default_duration" yaml:"default_duration" validate:"gte=0"`
	MaxNotifications int      `toml:"max_notifications" json:"max_notifications" yaml:"max_notifications" validate:"gte=1,lte=50"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" json:"format" yaml:"format" validate:"oneof=json console"`
	// File receives log output; empty means stderr for CLI commands and
	// ~/.ragchat/ragchat.log for the TUI.
	File string `toml:"file" json:"file,omitempty" yaml:"file,omitempty"`
}

// UIConfig contains terminal UI preferences.
type UIConfig struct {
	Theme         string `toml:"theme" json:"theme" yaml:"theme" validate:"oneof=dark light auto"`
	Markdown      bool   `toml:"markdown" json:"markdown" yaml:"markdown"`
	ShowCitations bool   `toml:"show_citations" json:"show_citations" yaml:"show_citations"`
	// PageSize is the number of conversations fetched per listing request
	PageSize int `toml:"page_size" json:"page_size" yaml:"page_size" validate:"gte=1,lte=500"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultBaseURL     = "http://localhost:8000"
	DefaultMaxFileSize = 50 * 1024 * 1024
	DefaultMaxFiles    = 5
)

// DefaultAllowedTypes mirrors the MIME types the backend accepts.
var DefaultAllowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"text/plain",
	"text/log",
	"application/json",
	"text/csv",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DefaultAllowedExtensions are accepted even when the MIME type is unknown.
var DefaultAllowedExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp",
	".txt", ".log", ".out", ".json", ".csv", ".md",
	".pdf", ".doc", ".docx",
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           DefaultBaseURL,
			Timeout:           Duration(30 * time.Second),
			MaxRetries:        3,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Stream: StreamConfig{
			Transport:   "sse",
			IdleTimeout: Duration(60 * time.Second),
		},
		Upload: UploadConfig{
			MaxFileSize:       DefaultMaxFileSize,
			MaxFiles:          DefaultMaxFiles,
			AllowedTypes:      append([]string(nil), DefaultAllowedTypes...),
			AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
			Concurrency:       2,
		},
		Notify: NotifyConfig{
			MaxNotifications: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		UI: UIConfig{
			Theme:         "dark",
			Markdown:      true,
			ShowCitations: true,
			PageSize:      50,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the ragchat configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat"), nil
}

// ConfigPath returns the path to the primary (TOML) config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// candidatePaths lists config files in load order.
func candidatePaths() ([]string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.toml"),
		filepath.Join(dir, "config.json"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
	}, nil
}

// ensureSecurePermissions tightens a config file to 0600 since it may hold a token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the first config file found in ~/.ragchat,
// falling back to defaults. Environment overrides are applied last and the
// result is validated.
func Load() (*Config, error) {
	paths, err := candidatePaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. The format is chosen by extension; unknown extensions are
// read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeFile(cfg *Config, path string) error {
	// Token may live in the file: tighten permissions but don't fail when
	// the filesystem refuses.
	_ = ensureSecurePermissions(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return Decode(cfg, data, formatFor(path))
}

// Format names a supported file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Decode parses data in the given format on top of cfg. Keys absent from
// data keep their current values.
func Decode(cfg *Config, data []byte, format Format) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	case FormatTOML, "":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
	return nil
}

// fillDefaults repairs values a file may have blanked out explicitly.
// Zero durations are meaningful (disabled / per-severity) and stay zero.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaults.API.BaseURL
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = defaults.Stream.Transport
	}
	cfg.Stream.Transport = strings.ToLower(cfg.Stream.Transport)

	if cfg.Upload.MaxFileSize == 0 {
		cfg.Upload.MaxFileSize = defaults.Upload.MaxFileSize
	}
	if cfg.Upload.MaxFiles == 0 {
		cfg.Upload.MaxFiles = defaults.Upload.MaxFiles
	}
	if len(cfg.Upload.AllowedTypes) == 0 && len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedTypes = defaults.Upload.AllowedTypes
		cfg.Upload.AllowedExtensions = defaults.Upload.AllowedExtensions
	}
	for i, ext := range cfg.Upload.AllowedExtensions {
		cfg.Upload.AllowedExtensions[i] = strings.ToLower(ext)
	}
	if cfg.Upload.Concurrency == 0 {
		cfg.Upload.Concurrency = defaults.Upload.Concurrency
	}

	if cfg.Notify.MaxNotifications == 0 {
		cfg.Notify.MaxNotifications = defaults.Notify.MaxNotifications
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	if cfg.UI.Theme == "" {
		cfg.UI.Theme = defaults.UI.Theme
	}
	if cfg.UI.PageSize == 0 {
		cfg.UI.PageSize = defaults.UI.PageSize
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to ~/.ragchat/config.toml.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes cfg atomically with 0600 permissions, encoding by extension.
func SaveToPath(cfg *Config, path string) error {
	data, err := Encode(cfg, formatFor(path))
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Encode renders cfg in the given format.
func Encode(cfg *Config, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
	default:
		fmt.Fprintln(&buf, "# ragchat configuration file")
		fmt.Fprintln(&buf, "# Generated by ragchat - edit with care")
		fmt.Fprintln(&buf, "")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RAGCHAT_API_URL: overrides api.base_url
//   - RAGCHAT_TOKEN: overrides api.token
//   - RAGCHAT_TRANSPORT: overrides stream.transport
//   - RAGCHAT_LOG_LEVEL: overrides log.level
//   - RAGCHAT_MAX_FILES: overrides upload.max_files
//   - RAGCHAT_MAX_FILE_SIZE: overrides upload.max_file_size (bytes)
//
// Unparseable numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if url := os.Getenv("RAGCHAT_API_URL"); url != "" {
		c.API.BaseURL = url
	}
	if token := os.Getenv("RAGCHAT_TOKEN"); token != "" {
		c.API.Token = token
	}
	if transport := os.Getenv("RAGCHAT_TRANSPORT"); transport != "" {
		c.Stream.Transport = strings.ToLower(transport)
	}
	if level := os.Getenv("RAGCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = strings.ToLower(level)
	}
	if v := os.Getenv("RAGCHAT_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.MaxFiles = n
		}
	}
	if v := os.Getenv("RAGCHAT_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Upload.MaxFileSize = n
		}
	}
}

// =============================================================================
// CLONE / STRING
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Upload.AllowedTypes = append([]string(nil), c.Upload.AllowedTypes...)
	clone.Upload.AllowedExtensions = append([]string(nil), c.Upload.AllowedExtensions...)
	return &clone
}

// Redacted returns a copy with the bearer token masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.API.Token != "" {
		safe.API.Token = "[REDACTED]"
	}
	return safe
}

// String returns a JSON representation of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// ErrNoConfigFile is returned by FindConfigFile when no file exists.
var ErrNoConfigFile = errors.New("no config file found")

// FindConfigFile returns the first existing config file in ~/.ragchat.
func FindConfigFile() (string, error) {
	paths, err := candidatePaths()
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNoConfigFile
}
