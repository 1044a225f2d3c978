// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command ragchat-mockapi serves the ragchat backend API with canned,
// streamed replies for local development.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/mockapi"
)

type serveFlags struct {
	addr            string
	token           string
	delay           time.Duration
	processingDelay time.Duration
	maxFileSize     int64
	db              string
	logLevel        string
}

func newRootCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "ragchat-mockapi",
		Short: "Development backend for ragchat",
		Long: `Serves /api/conversations, /api/files and the stream endpoint over SSE
and WebSocket. Messages starting with !error, !malformed or !hang produce
the matching stream fault.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.addr, "addr", "127.0.0.1:8000", "listen address")
	flags.StringVar(&f.token, "token", "", "require this bearer token (empty disables auth)")
	flags.DurationVar(&f.delay, "delay", mockapi.DefaultFragmentDelay, "pause between streamed fragments")
	flags.DurationVar(&f.processingDelay, "processing-delay", 0, "time before an upload reports processed")
	flags.Int64Var(&f.maxFileSize, "max-file-size", mockapi.DefaultMaxFileSize, "largest accepted upload in bytes")
	flags.StringVar(&f.db, "db", "", "persist conversations and files to this BoltDB file")
	flags.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func serve(ctx context.Context, f serveFlags) error {
	log, err := logging.New(logging.Config{Level: f.logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv, err := mockapi.New(mockapi.Options{
		Token:           f.token,
		FragmentDelay:   f.delay,
		ProcessingDelay: f.processingDelay,
		MaxFileSize:     f.maxFileSize,
		DBPath:          f.db,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	log.Info("starting dev backend", zap.Bool("auth", f.token != ""), zap.String("db", f.db))
	return srv.ListenAndServe(ctx, f.addr)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
