// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/logging"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// =============================================================================
// APP STATE
// =============================================================================

// app is shared by every command of one root command tree.
type app struct {
	configPath  string
	apiURL      string
	token       string
	transport   string
	logLevel    string
	metricsAddr string
	jsonOutput  bool

	cfg     *config.Config
	logFile *os.File
}

// loadConfig runs once before any command that needs configuration:
// .env files, then the config file, then RAGCHAT_* overrides, then flags.
func (a *app) loadConfig(cmd *cobra.Command) error {
	applyColorProfile()

	if err := config.LoadDotEnv(config.DotEnvPaths()...); err != nil {
		return &ConfigError{Err: err}
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return &ConfigError{Path: a.configPath, Err: err}
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.API.BaseURL = a.apiURL
	}
	if flags.Changed("token") {
		cfg.API.Token = a.token
	}
	if flags.Changed("transport") {
		cfg.Stream.Transport = strings.ToLower(a.transport)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Path: a.configPath, Err: err}
	}

	a.cfg = cfg
	return nil
}

// watchedConfigPath returns the config file to watch for changes, if any.
func (a *app) watchedConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	path, err := config.FindConfigFile()
	if err != nil {
		return ""
	}
	return path
}

// logger builds the zap logger. toFile sends output to the configured log
// file, or ~/.ragchat/ragchat.log, so it does not corrupt a full-screen UI.
func (a *app) logger(stderr io.Writer, toFile bool) (*zap.Logger, error) {
	out := stderr
	if a.cfg.Log.File != "" || toFile {
		path := a.cfg.Log.File
		if path == "" {
			dir, err := config.ConfigDir()
			if err != nil {
				return nil, &ConfigError{Err: err}
			}
			path = filepath.Join(dir, "ragchat.log")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, &ConfigError{Err: err}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		a.logFile = f
		out = f
	}
	log, err := logging.New(logging.Config{Level: a.cfg.Log.Level, Format: a.cfg.Log.Format, Output: out})
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return log, nil
}

// runtime assembles the client stack and starts the metrics endpoint when
// --metrics-addr is set. The caller must call the returned cleanup.
func (a *app) runtime(cmd *cobra.Command, toFile bool) (*Runtime, func(), error) {
	log, err := a.logger(cmd.ErrOrStderr(), toFile)
	if err != nil {
		return nil, nil, err
	}
	rt, err := NewRuntime(a.cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if a.metricsAddr != "" {
		if _, err := rt.ServeMetrics(a.metricsAddr); err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
	}
	cleanup := func() {
		if err := rt.Close(); err != nil {
			log.Debug("runtime close", zap.Error(err))
		}
		_ = log.Sync()
		if a.logFile != nil {
			_ = a.logFile.Close()
			a.logFile = nil
		}
	}
	return rt, cleanup, nil
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCmd builds the ragchat command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "ragchat",
		Short: "Terminal client for a retrieval-augmented chat backend",
		Long: "ragchat chats with a document-grounded assistant. Attach files, ask\n" +
			"questions and read streamed answers with their sources.\n\n" +
			"Without a subcommand on a terminal, ragchat opens the chat UI.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !Interactive() {
				return &UsageError{
					Reason:  "no terminal attached; choose a subcommand",
					Example: "ragchat ask \"what changed?\"",
				}
			}
			return runTUI(cmd, a)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.ragchat/config.toml)")
	pf.StringVar(&a.apiURL, "api-url", "", "backend base URL")
	pf.StringVar(&a.token, "token", "", "bearer token")
	pf.StringVar(&a.transport, "transport", "", "stream transport: sse or websocket")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&a.jsonOutput, "json", false, "JSON output where supported")

	cmd.AddCommand(newTUICmd(a))
	cmd.AddCommand(newChatCmd(a))
	cmd.AddCommand(newAskCmd(a))
	cmd.AddCommand(newConversationsCmd(a))
	cmd.AddCommand(newFilesCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	return execute(ctx, NewRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		jsonMode, _ := cmd.PersistentFlags().GetBool("json")
		DisplayError(cmd.ErrOrStderr(), err, jsonMode)
	}
	return ExitCode(err)
}

// interruptible returns cmd's context cancelled on Ctrl+C.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

// =============================================================================
// HELPERS
// =============================================================================

// exactArgs is cobra.ExactArgs with a UsageError carrying an example.
func exactArgs(n int, example string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &UsageError{
				Reason:  fmt.Sprintf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args)),
				Example: example,
			}
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs with a UsageError carrying an example.
func minArgs(n int, example string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return &UsageError{
				Reason:  fmt.Sprintf("%s expects at least %d argument(s)", cmd.CommandPath(), n),
				Example: example,
			}
		}
		return nil
	}
}
