// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamFinished("completed")
	m.Fragment()
	m.UploadFinished("completed", 10)
	m.Request("list conversations", 200, time.Millisecond)
	m.Notification("error")
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StreamStarted()
	m.StreamFinished("completed")
	m.StreamFinished("failed")
	m.StreamFinished("failed")
	m.UploadFinished("completed", 2048)
	m.UploadFinished("error", 99)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamsFinished.WithLabelValues("failed")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("error")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "error", statusClass(0))
	assert.Equal(t, "2xx", statusClass(201))
	assert.Equal(t, "4xx", statusClass(401))
	assert.Equal(t, "5xx", statusClass(503))
}
