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

// Package naming implements the Naming Subsystem of §4.8: persistent
// instance registration (replicated via raftcore), ephemeral instance
// registration (in-memory with Distro gossip and heartbeat expiry),
// service aggregation, and the protect-threshold policy that keeps a
// service usable when most of its instances go unhealthy at once.
package naming

import (
	"crypto/md5" //nolint:gosec // host-list fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/connection"
	"github.com/nexuscluster/nexus/pkg/fuzzywatch"
	"github.com/nexuscluster/nexus/pkg/metrics"
	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

// DefaultHeartbeatIntervalMs is the client re-registration cadence assumed
// absent an explicit override (§5 Timeouts).
const DefaultHeartbeatIntervalMs = 5000

// DefaultHeartbeatTimeoutMs marks an ephemeral instance unhealthy after
// this much silence.
const DefaultHeartbeatTimeoutMs = 15000

// DefaultIPDeleteTimeoutMs removes an ephemeral instance entirely after
// this much silence.
const DefaultIPDeleteTimeoutMs = 30000

// ExpiryScanInterval is how often the heartbeat sweep runs.
const ExpiryScanInterval = 5 * time.Second

// DefaultProtectThreshold is the fraction of healthy instances below which
// a service reports every instance as reachable rather than emptying out
// (§4.8 Protect threshold).
const DefaultProtectThreshold = 0.0

// DistroPublisher is the capability the Naming Subsystem uses to gossip an
// ephemeral instance change to the rest of the cluster (§4.4).
type DistroPublisher interface {
	PublishInstance(inst model.Instance)
	PublishRemoval(namespace, group, serviceName, instanceID string)
}

// serviceTable holds the instances of one service, keyed in Manager by
// (namespace, group, serviceName).
type serviceTable struct {
	mu        sync.RWMutex
	instances map[string]*model.Instance // instanceID -> instance
	protect   float64
}

// Manager owns ephemeral instance state and the service read-projection;
// persistent instances are read straight from the KV store.
type Manager struct {
	node     statemachine.Proposer
	kv       store.KV
	clock    clock.Clock
	notifier connection.Notifier
	distro   DistroPublisher
	fuzzy    *fuzzywatch.Index

	mu        sync.RWMutex
	services  map[string]*serviceTable // ServiceKey -> table
	subscribe map[string]map[string]bool // ServiceKey -> connID set
}

// NewManager wires the Naming Subsystem to its collaborators.
func NewManager(node statemachine.Proposer, kv store.KV, clk clock.Clock, notifier connection.Notifier, distro DistroPublisher) *Manager {
	return &Manager{
		node: node, kv: kv, clock: clk, notifier: notifier, distro: distro,
		fuzzy:     fuzzywatch.NewIndex(),
		services:  make(map[string]*serviceTable),
		subscribe: make(map[string]map[string]bool),
	}
}

// SetDistroPublisher binds the Distro gossip capability after construction,
// which breaks the Manager/Engine construction cycle (the Engine itself
// needs a Manager as its InstanceApplier).
func (m *Manager) SetDistroPublisher(distro DistroPublisher) {
	m.distro = distro
}

func (m *Manager) table(serviceKey string) *serviceTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.services[serviceKey]
	if !ok {
		t = &serviceTable{instances: make(map[string]*model.Instance), protect: DefaultProtectThreshold}
		m.services[serviceKey] = t
	}
	return t
}

// RegisterEphemeral upserts an in-memory instance and gossips it via Distro
// (§4.8/§4.4). The heartbeat clock starts immediately.
func (m *Manager) RegisterEphemeral(inst model.Instance) {
	inst.Ephemeral = true
	if inst.HeartbeatIntervalMs == 0 {
		inst.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if inst.HeartbeatTimeoutMs == 0 {
		inst.HeartbeatTimeoutMs = DefaultHeartbeatTimeoutMs
	}
	if inst.IPDeleteTimeoutMs == 0 {
		inst.IPDeleteTimeoutMs = DefaultIPDeleteTimeoutMs
	}
	inst.LastHeartbeatMs = m.clock.NowMs()
	inst.Healthy = true

	serviceKey := model.ServiceKey(inst.Namespace, inst.Group, inst.ServiceName)
	t := m.table(serviceKey)
	t.mu.Lock()
	t.instances[inst.InstanceID()] = &inst
	t.mu.Unlock()

	if m.distro != nil {
		m.distro.PublishInstance(inst)
	}
	m.notifyServiceChange(inst.Namespace, inst.Group, inst.ServiceName)
}

// Heartbeat refreshes an ephemeral instance's liveness clock.
func (m *Manager) Heartbeat(namespace, group, serviceName, instanceID string) error {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	t := m.table(serviceKey)
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[instanceID]
	if !ok {
		return errors.New("instance not registered")
	}
	inst.LastHeartbeatMs = m.clock.NowMs()
	if !inst.Healthy {
		inst.Healthy = true
		go m.notifyServiceChange(namespace, group, serviceName)
	}
	return nil
}

// DeregisterEphemeral removes an in-memory instance immediately.
func (m *Manager) DeregisterEphemeral(namespace, group, serviceName, instanceID string) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	t := m.table(serviceKey)
	t.mu.Lock()
	delete(t.instances, instanceID)
	t.mu.Unlock()

	if m.distro != nil {
		m.distro.PublishRemoval(namespace, group, serviceName, instanceID)
	}
	m.notifyServiceChange(namespace, group, serviceName)
}

// ApplyGossipedInstance installs an instance received from a Distro sync
// round, without re-publishing it (the remote origin already did).
func (m *Manager) ApplyGossipedInstance(inst model.Instance) {
	serviceKey := model.ServiceKey(inst.Namespace, inst.Group, inst.ServiceName)
	t := m.table(serviceKey)
	t.mu.Lock()
	t.instances[inst.InstanceID()] = &inst
	t.mu.Unlock()
	m.notifyServiceChange(inst.Namespace, inst.Group, inst.ServiceName)
}

// ApplyGossipedRemoval removes an instance received from a Distro sync
// round.
func (m *Manager) ApplyGossipedRemoval(namespace, group, serviceName, instanceID string) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	t := m.table(serviceKey)
	t.mu.Lock()
	delete(t.instances, instanceID)
	t.mu.Unlock()
	m.notifyServiceChange(namespace, group, serviceName)
}

// RegisterPersistent proposes a PersistentInstanceRegister command.
func (m *Manager) RegisterPersistent(inst model.Instance) error {
	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindPersistentInstanceRegister,
		InstanceRegister: &statemachine.InstanceUpsertCmd{
			Namespace: inst.Namespace, Group: inst.Group, ServiceName: inst.ServiceName,
			ClusterName: inst.ClusterName, IP: inst.IP, Port: inst.Port, Weight: inst.Weight,
			Healthy: inst.Healthy, Enabled: inst.Enabled, Metadata: inst.Metadata,
		},
	})
	if err == nil {
		m.notifyServiceChange(inst.Namespace, inst.Group, inst.ServiceName)
	}
	return err
}

// DeregisterPersistent proposes a PersistentInstanceDeregister command.
func (m *Manager) DeregisterPersistent(namespace, group, serviceName, instanceID string) error {
	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindPersistentInstanceDeregister,
		InstanceDeregister: &statemachine.InstanceDeregisterCmd{
			Namespace: namespace, Group: group, ServiceName: serviceName, InstanceID: instanceID,
		},
	})
	if err == nil {
		m.notifyServiceChange(namespace, group, serviceName)
	}
	return err
}

// QueryService aggregates persistent (KV) and ephemeral (in-memory)
// instances into a single ServiceInfo projection, applying the
// protect-threshold policy (§4.8).
func (m *Manager) QueryService(namespace, group, serviceName string) (*model.ServiceInfo, error) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)

	var hosts []*model.Instance
	err := m.kv.PrefixScan(store.CFInstances, []byte(serviceKey+"@@"), func(_, v []byte) error {
		var inst model.Instance
		if err := json.Unmarshal(v, &inst); err != nil {
			return nil
		}
		hosts = append(hosts, &inst)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan persistent instances")
	}

	t := m.table(serviceKey)
	t.mu.RLock()
	for _, inst := range t.instances {
		cp := *inst
		hosts = append(hosts, &cp)
	}
	protect := t.protect
	t.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].InstanceID() < hosts[j].InstanceID() })

	healthy := 0
	for _, h := range hosts {
		if h.Healthy {
			healthy++
		}
	}
	reachProtect := len(hosts) > 0 && float64(healthy)/float64(len(hosts)) < protect
	if reachProtect {
		for _, h := range hosts {
			h.Healthy = true
		}
	}

	return &model.ServiceInfo{
		Name: serviceName, GroupName: group, Hosts: hosts,
		Checksum: ContentChecksum(hosts), ReachProtectionThreshold: reachProtect, ProtectThreshold: protect,
	}, nil
}

// Subscribe registers connID for push notification on changes to a
// service's instance list.
func (m *Manager) Subscribe(connID, namespace, group, serviceName string) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribe[serviceKey] == nil {
		m.subscribe[serviceKey] = make(map[string]bool)
	}
	m.subscribe[serviceKey][connID] = true
}

// Unsubscribe removes connID's interest in a service.
func (m *Manager) Unsubscribe(connID, namespace, group, serviceName string) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subscribe[serviceKey]; ok {
		delete(set, connID)
	}
}

// RegisterFuzzyWatch registers connID against a namespace+group+service
// glob pattern (§4.9).
func (m *Manager) RegisterFuzzyWatch(connID, pattern string) (bool, error) {
	return m.fuzzy.RegisterWatch(connID, pattern)
}

// UnregisterFuzzyWatch removes connID's registration for pattern.
func (m *Manager) UnregisterFuzzyWatch(connID, pattern string) {
	m.fuzzy.UnregisterWatch(connID, pattern)
}

// RemoveConnection purges every subscription and fuzzy-watch registration
// connID holds. The connection server's stream teardown does not call it,
// so a closed connection's subscriptions stay until this is called.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	for _, set := range m.subscribe {
		delete(set, connID)
	}
	m.mu.Unlock()
	m.fuzzy.RemoveConnection(connID)
}

// ExpireEphemeral scans every ephemeral instance and marks unhealthy or
// removes those past their heartbeat deadlines (§4.8 Heartbeat expiry),
// intended to be driven by a single ticking goroutine every
// ExpiryScanInterval.
func (m *Manager) ExpireEphemeral() {
	now := m.clock.NowMs()

	m.mu.RLock()
	tables := make(map[string]*serviceTable, len(m.services))
	for k, v := range m.services {
		tables[k] = v
	}
	m.mu.RUnlock()

	for serviceKey, t := range tables {
		var toRemove []string
		changed := false
		t.mu.Lock()
		for id, inst := range t.instances {
			if !inst.Ephemeral {
				continue
			}
			silentFor := now - inst.LastHeartbeatMs
			switch {
			case silentFor >= inst.IPDeleteTimeoutMs:
				toRemove = append(toRemove, id)
				changed = true
			case silentFor >= inst.HeartbeatTimeoutMs:
				if inst.Healthy {
					inst.Healthy = false
					changed = true
				}
			}
		}
		for _, id := range toRemove {
			delete(t.instances, id)
		}
		t.mu.Unlock()
		if len(toRemove) > 0 {
			metrics.EphemeralInstancesExpiredTotal.Add(float64(len(toRemove)))
		}

		if changed {
			namespace, group, serviceName := splitServiceKey(serviceKey)
			m.notifyServiceChange(namespace, group, serviceName)
		}
	}
}

func (m *Manager) notifyServiceChange(namespace, group, serviceName string) {
	serviceKey := model.ServiceKey(namespace, group, serviceName)
	groupKey := model.ServiceGroupKey(namespace, group, serviceName)

	info, err := m.QueryService(namespace, group, serviceName)
	if err != nil {
		klog.ErrorS(err, "query service for notification failed", "serviceKey", serviceKey)
		return
	}
	payload, err := nexuspb.NewPayload(ServiceChangeNotifyType, "naming", info)
	if err != nil {
		klog.ErrorS(err, "encode service change notification failed")
		return
	}

	// Copy subscriber membership out while still holding the lock -- the
	// plain map reference isn't safe to keep reading once unlocked, since a
	// concurrent Subscribe/Unsubscribe could mutate it underneath us
	// (mirrors fuzzywatch.Index.GetWatchersFor's lock-then-copy pattern).
	m.mu.RLock()
	subs := make(map[string]bool, len(m.subscribe[serviceKey]))
	for connID := range m.subscribe[serviceKey] {
		subs[connID] = true
	}
	m.mu.RUnlock()

	for connID := range subs {
		m.notifier.Push(connID, payload)
		metrics.ServiceChangeNotifyTotal.Inc()
	}
	for connID := range m.fuzzy.GetWatchersFor(groupKey) {
		if subs[connID] {
			continue
		}
		m.notifier.Push(connID, payload)
		metrics.ServiceChangeNotifyTotal.Inc()
	}
}

// ServiceChangeNotifyType is the Metadata.Type of a server-pushed service
// instance-list change.
const ServiceChangeNotifyType = "ServiceChangeNotifyRequest"

// ContentChecksum is a cheap, order-independent-enough fingerprint of a
// host list used by clients to skip redundant re-renders.
func ContentChecksum(hosts []*model.Instance) string {
	var b []byte
	for _, h := range hosts {
		b = append(b, []byte(h.InstanceID())...)
		if h.Healthy {
			b = append(b, '1')
		} else {
			b = append(b, '0')
		}
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func splitServiceKey(serviceKey string) (namespace, group, serviceName string) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(serviceKey)-1; i++ {
		if serviceKey[i] == '@' && serviceKey[i+1] == '@' {
			parts = append(parts, serviceKey[start:i])
			start = i + 2
			i++
		}
	}
	parts = append(parts, serviceKey[start:])
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}
