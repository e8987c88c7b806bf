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

package distro

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/model"
)

type staticDC struct {
	self   string
	local  []string
	crossDC []string
}

func (d staticDC) Peers() []string {
	all := make([]string, 0, len(d.local)+len(d.crossDC))
	all = append(all, d.local...)
	all = append(all, d.crossDC...)
	return all
}
func (d staticDC) LocalPeers() []string   { return d.local }
func (d staticDC) CrossDCPeers() []string { return d.crossDC }
func (d staticDC) Self() string           { return d.self }

type fakeApplier struct {
	mu       sync.Mutex
	applied  []model.Instance
	removed  [][4]string
}

func (f *fakeApplier) ApplyGossipedInstance(inst model.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, inst)
}

func (f *fakeApplier) ApplyGossipedRemoval(namespace, group, serviceName, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, [4]string{namespace, group, serviceName, instanceID})
}

type recordingTransport struct {
	mu      sync.Mutex
	batches []SyncBatch
	fail    map[string]bool
}

func (r *recordingTransport) SyncData(_ context.Context, peerAddr string, batch SyncBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerAddr] {
		return context.DeadlineExceeded
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingTransport) VerifyData(_ context.Context, _ string, _ VerifyDigest) (VerifyResult, error) {
	return VerifyResult{}, nil
}

func TestReceiveBatchAcceptsHigherVersion(t *testing.T) {
	applier := &fakeApplier{}
	e := NewEngine(DefaultConfig(), clock.NewFakeClock(1000), &recordingTransport{}, staticDC{self: "a"}, applier)

	inst := model.Instance{Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a", ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "b"}}})
	require.Len(t, applier.applied, 1)

	// Stale version is rejected.
	staleInst := inst
	staleInst.Weight = 99
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: staleInst, VersionMs: 50, SourceAddr: "b"}}})
	require.Len(t, applier.applied, 1)

	// Newer version is accepted.
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 200, SourceAddr: "b"}}})
	require.Len(t, applier.applied, 2)
}

func TestReceiveBatchBreaksTieBySourceAddr(t *testing.T) {
	applier := &fakeApplier{}
	e := NewEngine(DefaultConfig(), clock.NewFakeClock(1000), &recordingTransport{}, staticDC{self: "a"}, applier)

	inst := model.Instance{Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a", ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "m"}}})
	require.Len(t, applier.applied, 1)

	// Same version, lexicographically smaller source loses.
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "a"}}})
	require.Len(t, applier.applied, 1)

	// Same version, lexicographically larger source wins.
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "z"}}})
	require.Len(t, applier.applied, 2)
}

func TestReceiveBatchTombstoneAppliesRemoval(t *testing.T) {
	applier := &fakeApplier{}
	e := NewEngine(DefaultConfig(), clock.NewFakeClock(1000), &recordingTransport{}, staticDC{self: "a"}, applier)

	inst := model.Instance{Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a", ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "b", Tombstone: true}}})

	require.Len(t, applier.removed, 1)
	require.Equal(t, "svc-a", applier.removed[0][2])
}

func TestPublishInstanceEnqueuesAndDrainQueueShipsToAllPeers(t *testing.T) {
	transport := &recordingTransport{fail: map[string]bool{}}
	applier := &fakeApplier{}
	fc := clock.NewFakeClock(1000)
	e := NewEngine(DefaultConfig(), fc, transport, staticDC{self: "a", local: []string{"b", "c"}}, applier)

	inst := model.Instance{Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a", ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.PublishInstance(inst)

	fc.Advance(e.cfg.SyncDelay)
	e.drainQueue()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.batches, 2)
}

func TestReceiveVerifyReportsMissingWhenDigestDiffers(t *testing.T) {
	applier := &fakeApplier{}
	e := NewEngine(DefaultConfig(), clock.NewFakeClock(1000), &recordingTransport{}, staticDC{self: "a"}, applier)

	inst := model.Instance{Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a", ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080}
	e.ReceiveBatch(SyncBatch{Envelopes: []versionedInstance{{Instance: inst, VersionMs: 100, SourceAddr: "b"}}})

	result := e.ReceiveVerify(VerifyDigest{Checksums: map[string]string{}})
	require.Len(t, result.Missing, 1)

	result = e.ReceiveVerify(VerifyDigest{Checksums: map[string]string{inst.InstanceID(): "b:100"}})
	require.Len(t, result.Missing, 0)
}
