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

package naming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/connection"
	"github.com/nexuscluster/nexus/pkg/model"
)

func newTestManager(t *testing.T) (*Manager, *connection.Registry, *clock.FakeClock, *fakeDistro) {
	t.Helper()
	p := newFSMProposer(t)
	registry := connection.NewRegistry()
	fc := clock.NewFakeClock(1_000_000)
	distro := &fakeDistro{}
	m := NewManager(p, p.kv, fc, registry, distro)
	return m, registry, fc, distro
}

func TestRegisterEphemeralAppearsInQueryAndGossips(t *testing.T) {
	m, _, _, distro := newTestManager(t)

	m.RegisterEphemeral(model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
		ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080, Weight: 1, Enabled: true,
	})

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 1)
	require.True(t, info.Hosts[0].Healthy)
	require.Len(t, distro.published, 1)
}

func TestHeartbeatRestoresHealthAfterTimeout(t *testing.T) {
	m, _, fc, _ := newTestManager(t)
	inst := model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
		ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080, Enabled: true,
	}
	m.RegisterEphemeral(inst)

	fc.Set(fc.NowMs() + DefaultHeartbeatTimeoutMs + 1)
	m.ExpireEphemeral()

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.False(t, info.Hosts[0].Healthy)

	require.NoError(t, m.Heartbeat("ns", "DEFAULT_GROUP", "svc-a", inst.InstanceID()))

	info, err = m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.True(t, info.Hosts[0].Healthy)
}

func TestExpireEphemeralMarksUnhealthyThenRemoves(t *testing.T) {
	m, _, fc, _ := newTestManager(t)
	inst := model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
		ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080, Enabled: true,
	}
	m.RegisterEphemeral(inst)

	fc.Set(fc.NowMs() + DefaultHeartbeatTimeoutMs + 1)
	m.ExpireEphemeral()

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 1)
	require.False(t, info.Hosts[0].Healthy)

	fc.Set(fc.NowMs() + DefaultIPDeleteTimeoutMs + 1)
	m.ExpireEphemeral()

	info, err = m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 0)
}

func TestProtectThresholdKeepsAllInstancesReachableWhenBreached(t *testing.T) {
	m, _, fc, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		m.RegisterEphemeral(model.Instance{
			Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
			ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080 + i, Enabled: true,
		})
	}

	serviceKey := model.ServiceKey("ns", "DEFAULT_GROUP", "svc-a")
	tbl := m.table(serviceKey)
	tbl.mu.Lock()
	tbl.protect = 1.0 // every instance must stay reachable regardless of health
	tbl.mu.Unlock()

	fc.Set(fc.NowMs() + DefaultHeartbeatTimeoutMs + 1)
	m.ExpireEphemeral()

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.True(t, info.ReachProtectionThreshold)
	for _, h := range info.Hosts {
		require.True(t, h.Healthy)
	}
}

func TestRegisterPersistentThenDeregister(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	inst := model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-b",
		ClusterName: "DEFAULT", IP: "10.0.0.2", Port: 9090, Enabled: true, Healthy: true,
	}
	require.NoError(t, m.RegisterPersistent(inst))

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-b")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 1)

	require.NoError(t, m.DeregisterPersistent("ns", "DEFAULT_GROUP", "svc-b", inst.InstanceID()))

	info, err = m.QueryService("ns", "DEFAULT_GROUP", "svc-b")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 0)
}

func TestSubscribePushesOnServiceChange(t *testing.T) {
	m, registry, _, _ := newTestManager(t)
	conn := registry.Register("conn-1", "10.0.0.9")
	m.Subscribe("conn-1", "ns", "DEFAULT_GROUP", "svc-a")

	m.RegisterEphemeral(model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
		ClusterName: "DEFAULT", IP: "10.0.0.1", Port: 8080, Enabled: true,
	})

	select {
	case payload := <-conn.Outbound():
		require.Equal(t, ServiceChangeNotifyType, payload.Metadata.Type)
	default:
		t.Fatal("expected a service change push")
	}
}

func TestApplyGossipedInstanceAndRemoval(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	inst := model.Instance{
		Namespace: "ns", Group: "DEFAULT_GROUP", ServiceName: "svc-a",
		ClusterName: "DEFAULT", IP: "10.0.0.5", Port: 8080, Enabled: true, Healthy: true,
	}
	m.ApplyGossipedInstance(inst)

	info, err := m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 1)

	m.ApplyGossipedRemoval("ns", "DEFAULT_GROUP", "svc-a", inst.InstanceID())

	info, err = m.QueryService("ns", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, err)
	require.Len(t, info.Hosts, 0)
}
