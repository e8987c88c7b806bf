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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/connection"
)

func TestPublishThenQueryReturnsContent(t *testing.T) {
	p := newFSMProposer(t)
	m := NewManager(p, p.kv, clock.NewFakeClock(1000), connection.NewRegistry())

	require.NoError(t, m.Publish("ns", "DEFAULT_GROUP", "app.yaml", "k: v", "yaml", "app", "alice", "127.0.0.1"))

	item, err := m.Query("ns", "DEFAULT_GROUP", "app.yaml", "")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "k: v", item.Content)
	require.Equal(t, ContentMD5("k: v"), item.ContentMD5)
}

func TestRemoveDeletesContent(t *testing.T) {
	p := newFSMProposer(t)
	m := NewManager(p, p.kv, clock.NewFakeClock(1000), connection.NewRegistry())

	require.NoError(t, m.Publish("ns", "DEFAULT_GROUP", "app.yaml", "k: v", "yaml", "app", "alice", "127.0.0.1"))
	require.NoError(t, m.Remove("ns", "DEFAULT_GROUP", "app.yaml", "alice", "127.0.0.1"))

	item, err := m.Query("ns", "DEFAULT_GROUP", "app.yaml", "")
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, item)
}

func TestBatchListenPushesExactChangeNotification(t *testing.T) {
	p := newFSMProposer(t)
	registry := connection.NewRegistry()
	m := NewManager(p, p.kv, clock.NewFakeClock(1000), registry)

	conn := registry.Register("conn-1", "10.0.0.1")
	_, err := m.BatchListen("conn-1", true, []ListenKey{{Namespace: "ns", Group: "DEFAULT_GROUP", DataID: "app.yaml"}})
	require.NoError(t, err)

	require.NoError(t, m.Publish("ns", "DEFAULT_GROUP", "app.yaml", "k: v", "yaml", "app", "alice", "127.0.0.1"))

	select {
	case payload := <-conn.Outbound():
		require.Equal(t, ChangeNotifyType, payload.Metadata.Type)
	default:
		t.Fatal("expected a push notification on the outbound queue")
	}
}

func TestRemoveListenerStopsFurtherPushes(t *testing.T) {
	p := newFSMProposer(t)
	registry := connection.NewRegistry()
	m := NewManager(p, p.kv, clock.NewFakeClock(1000), registry)

	conn := registry.Register("conn-1", "10.0.0.1")
	_, err := m.BatchListen("conn-1", true, []ListenKey{{Namespace: "ns", Group: "DEFAULT_GROUP", DataID: "app.yaml"}})
	require.NoError(t, err)
	m.RemoveListener("conn-1")

	require.NoError(t, m.Publish("ns", "DEFAULT_GROUP", "app.yaml", "k: v", "yaml", "app", "alice", "127.0.0.1"))

	select {
	case <-conn.Outbound():
		t.Fatal("expected no push after RemoveListener")
	default:
	}
}

func TestFuzzyWatchReceivesChangeWithinGroup(t *testing.T) {
	p := newFSMProposer(t)
	registry := connection.NewRegistry()
	m := NewManager(p, p.kv, clock.NewFakeClock(1000), registry)

	conn := registry.Register("conn-1", "10.0.0.1")
	isNew, err := m.RegisterFuzzyWatch("conn-1", "ns+DEFAULT_GROUP+*")
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, m.Publish("ns", "DEFAULT_GROUP", "app.yaml", "k: v", "yaml", "app", "alice", "127.0.0.1"))

	select {
	case payload := <-conn.Outbound():
		require.Equal(t, ChangeNotifyType, payload.Metadata.Type)
	default:
		t.Fatal("expected a fuzzy-watch push notification")
	}
}
