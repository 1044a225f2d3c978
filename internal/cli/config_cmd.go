// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/ragchat/internal/config"
)

// skipConfig replaces the root pre-run for commands that must work with a
// missing or broken config.
func skipConfig(*cobra.Command, []string) error {
	applyColorProfile()
	return nil
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, validate and initialize configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigValidateCmd(a))
	cmd.AddCommand(newConfigPathCmd(a))
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with the token redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				format = string(config.FormatJSON)
			}
			f := config.Format(format)
			switch f {
			case config.FormatTOML, config.FormatJSON, config.FormatYAML:
			default:
				return &UsageError{Reason: fmt.Sprintf("unknown format %q", format), Example: "ragchat config show --format yaml"}
			}
			data, err := config.Encode(a.cfg.Redacted(), f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(config.FormatTOML), "output format: toml, json or yaml")
	return cmd
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "validate [PATH]",
		Short:             "Check a config file without running anything",
		Args:              cobra.MaximumNArgs(1),
		PersistentPreRunE: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				found, err := config.FindConfigFile()
				if errors.Is(err, config.ErrNoConfigFile) {
					fmt.Fprintln(cmd.OutOrStdout(), "No config file; defaults are valid")
					return nil
				}
				if err != nil {
					return &ConfigError{Err: err}
				}
				path = found
			}
			if _, err := config.LoadFromPath(path); err != nil {
				return &ConfigError{Path: path, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("[OK]"), path)
			return nil
		},
	}
}

func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "path",
		Short:             "Print the config file in use",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				found, err := config.FindConfigFile()
				switch {
				case errors.Is(err, config.ErrNoConfigFile):
					if path, err = config.ConfigPath(); err != nil {
						return &ConfigError{Err: err}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s (not created)\n", path)
					return nil
				case err != nil:
					return &ConfigError{Err: err}
				}
				path = found
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:               "init",
		Short:             "Write a default config to ~/.ragchat/config.toml",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ConfigPath()
			if err != nil {
				return &ConfigError{Err: err}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &UsageError{Reason: path + " already exists", Example: "ragchat config init --force"}
			}
			if err := config.Save(config.Default()); err != nil {
				return &ConfigError{Path: path, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("Wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
