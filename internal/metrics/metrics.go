// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for the chat core.
//
// A *Metrics is optional everywhere: every method is safe on a nil receiver
// so components can be constructed without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ragchat"

// Metrics groups the collectors registered for one client instance.
type Metrics struct {
	streamsStarted  prometheus.Counter
	streamsFinished *prometheus.CounterVec
	fragments       prometheus.Counter
	uploads         *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	requests        *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_started_total",
			Help:      "Streaming sessions opened.",
		}),
		streamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_finished_total",
			Help:      "Streaming sessions ended, by outcome.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "fragments_total",
			Help:      "Fragments applied to a live session.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Upload queue entries that reached a terminal state, by status.",
		}, []string{"status"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes sent for completed uploads.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "REST round-trip latency, by operation and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "code"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications raised, by severity.",
		}, []string{"severity"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.streamsStarted,
			m.streamsFinished,
			m.fragments,
			m.uploads,
			m.uploadBytes,
			m.requests,
			m.notifications,
		)
	}
	return m
}

// StreamStarted counts a new session.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsStarted.Inc()
}

// StreamFinished counts a session end. outcome is completed, stopped,
// superseded, timeout or failed.
func (m *Metrics) StreamFinished(outcome string) {
	if m == nil {
		return
	}
	m.streamsFinished.WithLabelValues(outcome).Inc()
}

// Fragment counts one applied fragment.
func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

// UploadFinished counts an entry reaching status with size bytes.
func (m *Metrics) UploadFinished(status string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(status).Inc()
	if status == "completed" {
		m.uploadBytes.Add(float64(size))
	}
}

// Request observes one REST round-trip.
func (m *Metrics) Request(op string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, statusClass(code)).Observe(d.Seconds())
}

// Notification counts a raised notification.
func (m *Metrics) Notification(severity string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(severity).Inc()
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
