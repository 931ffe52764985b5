/*
 * Copyright 2025 The Coral Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes Prometheus metrics of the synchronization engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coral-db/coral/internal/version"
)

const namespace = "coral"

// Metrics manages the metric information of the client.
type Metrics struct {
	registry *prometheus.Registry

	clientInfo             *prometheus.GaugeVec
	watchStreamConnects    prometheus.Counter
	watchStreamFailures    prometheus.Counter
	snapshotsCommitted     prometheus.Counter
	batchesAcknowledged    prometheus.Counter
	batchesRejected        prometheus.Counter
	documentsEvicted       prometheus.Counter
	activeTargets          prometheus.Gauge
	activeLimboResolutions prometheus.Gauge
	enqueuedLimboKeys      prometheus.Gauge
	primaryState           prometheus.Gauge
}

// NewMetrics creates a Metrics with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: reg,
		clientInfo: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "info",
			Help:      "information of the client.",
		}, []string{"version"}),
		watchStreamConnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchstream",
			Name:      "connects_total",
			Help:      "total number of watch stream connections opened.",
		}),
		watchStreamFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchstream",
			Name:      "failures_total",
			Help:      "total number of watch stream failures.",
		}),
		snapshotsCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "snapshots_committed_total",
			Help:      "total number of remote snapshots committed.",
		}),
		batchesAcknowledged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writestream",
			Name:      "batches_acknowledged_total",
			Help:      "total number of mutation batches acknowledged.",
		}),
		batchesRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writestream",
			Name:      "batches_rejected_total",
			Help:      "total number of mutation batches rejected.",
		}),
		documentsEvicted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "documents_evicted_total",
			Help:      "total number of cached documents evicted.",
		}),
		activeTargets: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_targets",
			Help:      "number of active listen targets.",
		}),
		activeLimboResolutions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_limbo_resolutions",
			Help:      "number of limbo documents with a dedicated watch target.",
		}),
		enqueuedLimboKeys: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "enqueued_limbo_keys",
			Help:      "number of limbo documents waiting for a resolution slot.",
		}),
		primaryState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "primary_state",
			Help:      "1 when this instance is primary, 0 otherwise.",
		}),
	}
	metrics.clientInfo.With(prometheus.Labels{
		"version": version.Version,
	}).Set(1)

	return metrics
}

// Registry returns the registry of this metrics, usable with an HTTP
// handler chosen by the embedding application.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddWatchStreamConnects increases the count of opened watch streams.
func (m *Metrics) AddWatchStreamConnects() {
	m.watchStreamConnects.Inc()
}

// AddWatchStreamFailures increases the count of watch stream failures.
func (m *Metrics) AddWatchStreamFailures() {
	m.watchStreamFailures.Inc()
}

// AddSnapshotsCommitted increases the count of committed snapshots.
func (m *Metrics) AddSnapshotsCommitted() {
	m.snapshotsCommitted.Inc()
}

// AddBatchesAcknowledged increases the count of acknowledged batches.
func (m *Metrics) AddBatchesAcknowledged() {
	m.batchesAcknowledged.Inc()
}

// AddBatchesRejected increases the count of rejected batches.
func (m *Metrics) AddBatchesRejected() {
	m.batchesRejected.Inc()
}

// AddDocumentsEvicted increases the count of evicted documents.
func (m *Metrics) AddDocumentsEvicted(count int) {
	m.documentsEvicted.Add(float64(count))
}

// SetActiveTargets sets the number of active listen targets.
func (m *Metrics) SetActiveTargets(count int) {
	m.activeTargets.Set(float64(count))
}

// SetActiveLimboResolutions sets the number of active limbo resolutions.
func (m *Metrics) SetActiveLimboResolutions(count int) {
	m.activeLimboResolutions.Set(float64(count))
}

// SetEnqueuedLimboKeys sets the number of enqueued limbo keys.
func (m *Metrics) SetEnqueuedLimboKeys(count int) {
	m.enqueuedLimboKeys.Set(float64(count))
}

// SetPrimaryState records whether this instance is primary.
func (m *Metrics) SetPrimaryState(primary bool) {
	if primary {
		m.primaryState.Set(1)
		return
	}
	m.primaryState.Set(0)
}
