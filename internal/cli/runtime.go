// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jeranaias/ragchat/internal/api"
	core "github.com/jeranaias/ragchat/internal/chat"
	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/conversation"
	"github.com/jeranaias/ragchat/internal/logging"
	"github.com/jeranaias/ragchat/internal/metrics"
	"github.com/jeranaias/ragchat/internal/notify"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/transport"
	"github.com/jeranaias/ragchat/internal/upload"
)

// =============================================================================
// RUNTIME
// =============================================================================

// Runtime is the assembled client stack for one command invocation.
type Runtime struct {
	Config   *config.Config
	Client   *api.Client
	Service  *core.Service
	Registry *prometheus.Registry

	log        *zap.Logger
	metricsSrv *http.Server
}

// NewRuntime wires the REST client, transport and core components from cfg.
func NewRuntime(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	log = logging.OrNop(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client, err := api.New(api.Options{
		BaseURL:     cfg.API.BaseURL,
		TokenSource: api.StaticToken(cfg.API.Token),
		AuthHandler: api.AuthHandlerFunc(func() {
			log.Warn("backend rejected the credential", zap.String("base_url", cfg.API.BaseURL))
		}),
		Timeout:           cfg.API.Timeout.Std(),
		MaxRetries:        cfg.API.MaxRetries,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	// Stream sessions outlive the REST timeout, so SSE gets its own client.
	tr, err := transport.New(transport.Kind(cfg.Stream.Transport), client, transport.Options{
		HTTPClient: &http.Client{},
		Logger:     log,
	})
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	notes := notify.New(notify.Options{
		DefaultDuration:  cfg.Notify.DefaultDuration.Std(),
		MaxNotifications: cfg.Notify.MaxNotifications,
		Logger:           log,
		Metrics:          m,
	})
	store := conversation.New(conversation.Options{Backend: client, Logger: log})
	queue := upload.New(upload.Options{
		Policy:      upload.PolicyFromConfig(cfg.Upload),
		Uploader:    client,
		Reporter:    notes,
		Concurrency: cfg.Upload.Concurrency,
		Logger:      log,
		Metrics:     m,
	})
	coord := stream.New(stream.Options{
		Transport:   tr,
		Store:       store,
		Reporter:    notes,
		IdleTimeout: cfg.Stream.IdleTimeout.Std(),
		Logger:      log,
		Metrics:     m,
	})

	svc, err := core.New(core.Deps{
		Sender:        client,
		Store:         store,
		Uploads:       queue,
		Streamer:      coord,
		Notifications: notes,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("runtime ready",
		zap.String("base_url", cfg.API.BaseURL),
		zap.String("transport", cfg.Stream.Transport))

	return &Runtime{
		Config:   cfg,
		Client:   client,
		Service:  svc,
		Registry: reg,
		log:      log,
	}, nil
}

// ServeMetrics exposes the registry at /metrics on addr until Close. The
// returned address is the one actually bound.
func (r *Runtime) ServeMetrics(addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{}))
	r.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := r.metricsSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	r.log.Info("serving metrics", zap.String("addr", l.Addr().String()))
	return l.Addr().String(), nil
}

// Close stops any live stream and the metrics server.
func (r *Runtime) Close() error {
	r.Service.Stop()
	if r.metricsSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.metricsSrv.Shutdown(ctx)
}
