// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/ui/chat"
	"github.com/jeranaias/ragchat/internal/ui/styles"
	"github.com/jeranaias/ragchat/internal/upload"
)

func newTUICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the full-screen chat UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !Interactive() {
				return &UsageError{Reason: "the chat UI needs a terminal", Example: "ragchat chat"}
			}
			return runTUI(cmd, a)
		},
	}
}

func runTUI(cmd *cobra.Command, a *app) error {
	rt, cleanup, err := a.runtime(cmd, true)
	if err != nil {
		return err
	}
	defer cleanup()

	if path := a.watchedConfigPath(); path != "" {
		w, err := config.Watch(path, reloadHandler(rt))
		if err != nil {
			rt.log.Warn("config watch unavailable", zap.String("path", path), zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	return chat.Run(cmd.Context(), rt.Service, chat.Options{
		UI:    a.cfg.UI,
		Theme: styles.NewTheme(a.cfg.UI.Theme),
	})
}

// reloadHandler applies the parts of a changed config file that can change
// while running. Connection settings need a restart.
func reloadHandler(rt *Runtime) func(*config.Config, error) {
	notes := rt.Service.Notifications()
	return func(cfg *config.Config, err error) {
		if err != nil {
			notes.Add(notify.Notification{
				Severity: notify.SeverityWarning,
				Title:    "Config not reloaded",
				Message:  err.Error(),
			})
			return
		}
		rt.Service.Uploads().SetPolicy(upload.PolicyFromConfig(cfg.Upload))
		notes.Info("Config reloaded", "Upload limits updated.")
	}
}
