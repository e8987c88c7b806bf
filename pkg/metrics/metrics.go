// Copyright 2024 The Nexus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the cluster's Prometheus metric set: one gauge or
// counter per subsystem, registered against the default registry so
// cmd/nexusd only needs to mount promhttp.Handler once.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsActive tracks live bidirectional streams held by the
	// Connection Plane.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Number of live client connections held by the Connection Plane.",
	})

	// PushDropsTotal counts payloads dropped because a connection's
	// outbound queue was full or it had already closed.
	PushDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "connection",
		Name:      "push_drops_total",
		Help:      "Total pushes dropped due to a full or closed outbound queue.",
	})

	// ConfigPublishTotal counts successful Config Subsystem publishes.
	ConfigPublishTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "config",
		Name:      "publish_total",
		Help:      "Total ConfigPublish commands proposed successfully.",
	})

	// ConfigRemoveTotal counts successful Config Subsystem removals.
	ConfigRemoveTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "config",
		Name:      "remove_total",
		Help:      "Total ConfigRemove commands proposed successfully.",
	})

	// ServiceChangeNotifyTotal counts service instance-list change pushes
	// sent by the Naming Subsystem.
	ServiceChangeNotifyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "naming",
		Name:      "service_change_notify_total",
		Help:      "Total service change notifications pushed to subscribers.",
	})

	// EphemeralInstancesExpiredTotal counts ephemeral instances removed by
	// the heartbeat expiry sweep.
	EphemeralInstancesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "naming",
		Name:      "ephemeral_instances_expired_total",
		Help:      "Total ephemeral instances removed for missing their heartbeat deadline.",
	})

	// DistroSyncBatchesTotal counts sync batches shipped to peers.
	DistroSyncBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "distro",
		Name:      "sync_batches_total",
		Help:      "Total Distro sync batches shipped to peers.",
	})

	// DistroSyncFailuresTotal counts sync batches that failed and were
	// queued for retry.
	DistroSyncFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "distro",
		Name:      "sync_failures_total",
		Help:      "Total Distro sync batches that failed delivery and were retried.",
	})

	// DistroVerifyDivergenceTotal counts instance IDs found to have
	// diverged during a verify sweep.
	DistroVerifyDivergenceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "distro",
		Name:      "verify_divergence_total",
		Help:      "Total instance IDs found diverged by a Distro verify sweep.",
	})

	// DistroSyncDroppedTotal counts sync tasks abandoned after exceeding the
	// Distro retry cap.
	DistroSyncDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "distro",
		Name:      "sync_dropped_total",
		Help:      "Total Distro sync tasks dropped after exceeding the retry cap.",
	})

	// RaftAppliedIndex reports the last Raft log index applied to the
	// state machine.
	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexus",
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last Raft log index applied to the state machine.",
	})

	// LockAcquireTotal counts successful Lock acquisitions (including
	// re-acquire-as-renewal by the same owner).
	LockAcquireTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Total successful Lock acquisitions.",
	})

	// LockExpireTotal counts locks reclaimed by the TTL expiry sweep.
	LockExpireTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "lock",
		Name:      "expire_total",
		Help:      "Total locks reclaimed for missing their TTL deadline.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		PushDropsTotal,
		ConfigPublishTotal,
		ConfigRemoveTotal,
		ServiceChangeNotifyTotal,
		EphemeralInstancesExpiredTotal,
		DistroSyncBatchesTotal,
		DistroSyncFailuresTotal,
		DistroVerifyDivergenceTotal,
		DistroSyncDroppedTotal,
		RaftAppliedIndex,
		LockAcquireTotal,
		LockExpireTotal,
	)
}
