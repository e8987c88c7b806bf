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

// Package distro implements the Distro Protocol of §4.4: AP gossip of
// ephemeral instance state across the cluster, with locality-aware
// scheduling (local peers sync first, cross-datacenter peers trail by an
// extra delay), a bounded retry count before a task is dropped, and
// last-write-wins conflict resolution by version, plus periodic
// cross-peer verification to catch missed deliveries.
package distro

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/metrics"
	"github.com/nexuscluster/nexus/pkg/model"
)

// Config collects the Distro loop's timing and fan-out parameters.
// Defaults mirror the reference implementation's tuning (original_source
// distro defaults).
type Config struct {
	SyncDelay      time.Duration
	SyncTimeout    time.Duration
	SyncRetryDelay time.Duration
	VerifyInterval time.Duration
	VerifyTimeout  time.Duration

	// ReplicationFactor bounds how many local-datacenter peers each
	// instance change is gossiped to directly; the rest learn of it via
	// those peers' own re-gossip and the verify sweep.
	ReplicationFactor int
	// CrossDCReplication, if true, also gossips to every peer in a
	// different datacenter, delayed by CrossDCDelay behind the local fan-out
	// so same-DC readers see the change first (§4.4 locality-aware sync).
	CrossDCReplication bool
	CrossDCDelay       time.Duration
	// MaxSyncRetries bounds how many times a failed sync task is retried
	// before it is dropped (relying on the verify sweep to eventually
	// reconcile it instead).
	MaxSyncRetries int
}

// syncTickInterval is how often the sync worker scans the queue for due
// tasks; each task's ScheduledAtMs decides when it is actually sent.
const syncTickInterval = 100 * time.Millisecond

// DefaultConfig returns the reference tuning: 1s sync delay, 3s sync
// timeout, 3s retry backoff, 5s verify tick, 3s verify timeout, 3-way local
// replication, cross-DC replication delayed by 1s, 3 retries before drop.
func DefaultConfig() Config {
	return Config{
		SyncDelay:          1000 * time.Millisecond,
		SyncTimeout:        3000 * time.Millisecond,
		SyncRetryDelay:     3000 * time.Millisecond,
		VerifyInterval:     5000 * time.Millisecond,
		VerifyTimeout:      3000 * time.Millisecond,
		ReplicationFactor:  3,
		CrossDCReplication: true,
		CrossDCDelay:       1000 * time.Millisecond,
		MaxSyncRetries:     3,
	}
}

// InstanceApplier is the Naming Subsystem capability Distro feeds gossiped
// changes into.
type InstanceApplier interface {
	ApplyGossipedInstance(inst model.Instance)
	ApplyGossipedRemoval(namespace, group, serviceName, instanceID string)
}

// ClusterTransport is the peer-RPC capability Distro uses to ship sync and
// verify batches; implemented over api/nexuspb.RequestClient per peer.
type ClusterTransport interface {
	SyncData(ctx context.Context, peerAddr string, batch SyncBatch) error
	VerifyData(ctx context.Context, peerAddr string, digest VerifyDigest) (VerifyResult, error)
}

// DatacenterManager resolves the current membership Distro gossips across,
// split by locality so the Engine can prefer same-datacenter peers (§4.4);
// backed by raftcore's Raft configuration in production wiring, or a
// static list in tests.
type DatacenterManager interface {
	Peers() []string // every peer, local and cross-DC, excluding self
	LocalPeers() []string
	CrossDCPeers() []string
	Self() string
}

// versionedInstance is the gossip envelope: an Instance plus the
// wall-clock version and source address used to break conflicts.
type versionedInstance struct {
	Instance   model.Instance
	VersionMs  int64
	SourceAddr string
	Tombstone  bool // true: this envelope represents a removal
}

// SyncTask is one pending gossip item addressed to a specific peer. It
// carries only the InstanceID, not a captured envelope: drainQueue re-reads
// the current value out of e.versions at send time, so a task that sat in
// the queue behind a retry or a locality delay never ships stale data
// (§4.4).
type SyncTask struct {
	PeerAddr      string
	InstanceID    string
	ScheduledAtMs int64
	RetryCount    int
}

// SyncBatch is what one sync round ships to a peer.
type SyncBatch struct {
	Envelopes []versionedInstance
}

// VerifyDigest summarizes local state for a cross-peer reconciliation pass.
type VerifyDigest struct {
	Checksums map[string]string // instanceID -> checksum
}

// VerifyResult reports which instanceIDs the peer believes are missing or
// stale locally.
type VerifyResult struct {
	Missing []string
}

// Engine drives the sync-task queue and the periodic verify sweep.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	transport ClusterTransport
	dc        DatacenterManager
	applier   InstanceApplier

	mu    sync.Mutex
	queue []SyncTask

	versionsMu sync.RWMutex
	versions   map[string]versionedInstance // instanceID -> latest known envelope

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine wires the Distro Protocol to its collaborators.
func NewEngine(cfg Config, clk clock.Clock, transport ClusterTransport, dc DatacenterManager, applier InstanceApplier) *Engine {
	return &Engine{
		cfg: cfg, clock: clk, transport: transport, dc: dc, applier: applier,
		versions: make(map[string]versionedInstance),
		stop:     make(chan struct{}),
	}
}

// Start launches the sync and verify ticker loops; Stop halts them.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.syncLoop()
	go e.verifyLoop()
}

// Stop halts both ticker loops and waits for them to exit.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// PublishInstance enqueues a gossip task for inst, stamping it with the
// current wall-clock version (§4.4 conflict resolution).
func (e *Engine) PublishInstance(inst model.Instance) {
	env := versionedInstance{Instance: inst, VersionMs: e.clock.NowMs(), SourceAddr: e.dc.Self()}
	instanceID := inst.InstanceID()
	e.recordLocal(instanceID, env)
	e.enqueueLocalityAware(instanceID)
}

// PublishRemoval enqueues a tombstone gossip task.
func (e *Engine) PublishRemoval(namespace, group, serviceName, instanceID string) {
	env := versionedInstance{
		Instance:   model.Instance{Namespace: namespace, Group: group, ServiceName: serviceName},
		VersionMs:  e.clock.NowMs(),
		SourceAddr: e.dc.Self(),
		Tombstone:  true,
	}
	e.recordLocal(instanceID, env)
	e.enqueueLocalityAware(instanceID)
}

func (e *Engine) recordLocal(instanceID string, env versionedInstance) {
	e.versionsMu.Lock()
	e.versions[instanceID] = env
	e.versionsMu.Unlock()
}

// enqueueLocalityAware schedules instanceID to up to ReplicationFactor
// local peers after SyncDelay, and (if enabled) every cross-DC peer delayed
// by an additional CrossDCDelay, so same-datacenter reads converge first
// (§4.4 locality-aware sync).
func (e *Engine) enqueueLocalityAware(instanceID string) {
	now := e.clock.NowMs()
	localDeadline := now + e.cfg.SyncDelay.Milliseconds()

	local := e.dc.LocalPeers()
	if n := e.cfg.ReplicationFactor; n > 0 && len(local) > n {
		local = local[:n]
	}

	e.mu.Lock()
	for _, peerAddr := range local {
		e.queue = append(e.queue, SyncTask{PeerAddr: peerAddr, InstanceID: instanceID, ScheduledAtMs: localDeadline})
	}
	if e.cfg.CrossDCReplication {
		crossDeadline := localDeadline + e.cfg.CrossDCDelay.Milliseconds()
		for _, peerAddr := range e.dc.CrossDCPeers() {
			e.queue = append(e.queue, SyncTask{PeerAddr: peerAddr, InstanceID: instanceID, ScheduledAtMs: crossDeadline})
		}
	}
	e.mu.Unlock()
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(syncTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.drainQueue()
		}
	}
}

// drainQueue splits the queue into tasks whose scheduled time has arrived
// and tasks still waiting (locality delay not yet elapsed), batches the
// ready ones per peer, re-reads each instance's CURRENT envelope out of
// e.versions at send time (so a task delayed behind a locality window or a
// retry never ships a value that's gone stale since it was enqueued), and
// ships each peer's batch.
func (e *Engine) drainQueue() {
	now := e.clock.NowMs()

	e.mu.Lock()
	var ready, pending []SyncTask
	for _, task := range e.queue {
		if task.ScheduledAtMs <= now {
			ready = append(ready, task)
		} else {
			pending = append(pending, task)
		}
	}
	e.queue = pending
	e.mu.Unlock()
	if len(ready) == 0 {
		return
	}

	byPeer := make(map[string][]SyncTask)
	for _, task := range ready {
		byPeer[task.PeerAddr] = append(byPeer[task.PeerAddr], task)
	}

	e.versionsMu.RLock()
	for peerAddr, tasks := range byPeer {
		envs := make([]versionedInstance, 0, len(tasks))
		for _, task := range tasks {
			if env, ok := e.versions[task.InstanceID]; ok {
				envs = append(envs, env)
			}
		}
		if len(envs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SyncTimeout)
		err := e.transport.SyncData(ctx, peerAddr, SyncBatch{Envelopes: envs})
		cancel()
		if err != nil {
			metrics.DistroSyncFailuresTotal.Inc()
			klog.V(2).InfoS("distro sync failed, will retry", "peer", peerAddr, "err", err)
			e.retryOrDrop(peerAddr, tasks, err)
			continue
		}
		metrics.DistroSyncBatchesTotal.Inc()
	}
	e.versionsMu.RUnlock()
}

// retryOrDrop re-enqueues every task in tasks with an incremented retry
// count and a new deadline after SyncRetryDelay, unless a task has already
// hit MaxSyncRetries, in which case it is logged and dropped (§4.4 retry
// cap: the periodic verify sweep is what eventually reconciles it instead
// of retrying forever).
func (e *Engine) retryOrDrop(peerAddr string, tasks []SyncTask, sendErr error) {
	nextDeadline := e.clock.NowMs() + e.cfg.SyncRetryDelay.Milliseconds()
	var retry []SyncTask
	for _, task := range tasks {
		task.RetryCount++
		if task.RetryCount > e.cfg.MaxSyncRetries {
			metrics.DistroSyncDroppedTotal.Inc()
			klog.ErrorS(sendErr, "distro sync task exceeded retry cap, dropping", "peer", peerAddr, "instanceId", task.InstanceID, "retries", task.RetryCount)
			continue
		}
		task.ScheduledAtMs = nextDeadline
		retry = append(retry, task)
	}
	if len(retry) == 0 {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, retry...)
	e.mu.Unlock()
}

func (e *Engine) verifyLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.VerifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.verifyAgainstPeers()
		}
	}
}

func (e *Engine) verifyAgainstPeers() {
	digest := e.localDigest()
	for _, peerAddr := range e.dc.Peers() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.VerifyTimeout)
		result, err := e.transport.VerifyData(ctx, peerAddr, digest)
		cancel()
		if err != nil {
			klog.V(3).InfoS("distro verify failed", "peer", peerAddr, "err", err)
			continue
		}
		if len(result.Missing) > 0 {
			metrics.DistroVerifyDivergenceTotal.Add(float64(len(result.Missing)))
			klog.V(2).InfoS("distro verify found divergence", "peer", peerAddr, "missing", len(result.Missing))
			e.resyncMissing(peerAddr, result.Missing)
		}
	}
}

func (e *Engine) localDigest() VerifyDigest {
	e.versionsMu.RLock()
	defer e.versionsMu.RUnlock()
	sums := make(map[string]string, len(e.versions))
	for id, env := range e.versions {
		sums[id] = env.SourceAddr + ":" + itoa64(env.VersionMs)
	}
	return VerifyDigest{Checksums: sums}
}

// resyncMissing enqueues an immediate (non-delayed) sync task per missing
// instanceID; drainQueue's re-read of e.versions at send time means this
// doesn't need to look up envelopes itself.
func (e *Engine) resyncMissing(peerAddr string, instanceIDs []string) {
	now := e.clock.NowMs()
	e.mu.Lock()
	for _, id := range instanceIDs {
		e.queue = append(e.queue, SyncTask{PeerAddr: peerAddr, InstanceID: id, ScheduledAtMs: now})
	}
	e.mu.Unlock()
}

// ReceiveBatch is called by the peer RPC handler when another node's
// SyncData call lands locally: it applies last-write-wins by VersionMs,
// breaking exact ties by comparing SourceAddr (§4.4 conflict resolution).
func (e *Engine) ReceiveBatch(batch SyncBatch) {
	for _, env := range batch.Envelopes {
		instanceID := env.Instance.InstanceID()
		e.versionsMu.Lock()
		existing, ok := e.versions[instanceID]
		accept := !ok || env.VersionMs > existing.VersionMs ||
			(env.VersionMs == existing.VersionMs && env.SourceAddr > existing.SourceAddr)
		if accept {
			e.versions[instanceID] = env
		}
		e.versionsMu.Unlock()
		if !accept {
			continue
		}
		if env.Tombstone {
			e.applier.ApplyGossipedRemoval(env.Instance.Namespace, env.Instance.Group, env.Instance.ServiceName, instanceID)
		} else {
			e.applier.ApplyGossipedInstance(env.Instance)
		}
	}
}

// ReceiveVerify answers a peer's digest with the instanceIDs it is
// missing or holds a stale version of.
func (e *Engine) ReceiveVerify(digest VerifyDigest) VerifyResult {
	e.versionsMu.RLock()
	defer e.versionsMu.RUnlock()
	var missing []string
	for id, env := range e.versions {
		peerSum, ok := digest.Checksums[id]
		localSum := env.SourceAddr + ":" + itoa64(env.VersionMs)
		if !ok || peerSum != localSum {
			missing = append(missing, id)
		}
	}
	return VerifyResult{Missing: missing}
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
