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

package connection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/api/nexuspb"
)

func TestRegistryRegisterGetRemove(t *testing.T) {
	r := NewRegistry()
	c := r.Register("conn-1", "10.0.0.1:5000")
	require.Equal(t, 1, r.Count())

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	require.Same(t, c, got)

	r.Remove("conn-1")
	require.Equal(t, 0, r.Count())

	_, ok = r.Get("conn-1")
	require.False(t, ok)

	select {
	case <-c.Closed():
	default:
		t.Fatal("expected connection to be closed after Remove")
	}
}

func TestPushDeliversUntilCapacity(t *testing.T) {
	r := NewRegistry()
	r.Register("conn-1", "10.0.0.1:5000")

	payload, err := nexuspb.NewPayload("ConfigChangeNotifyRequest", "config", map[string]string{"dataId": "x"})
	require.NoError(t, err)

	for i := 0; i < OutboundQueueCapacity; i++ {
		require.True(t, r.Push("conn-1", payload), "push %d should succeed within capacity", i)
	}
	require.False(t, r.Push("conn-1", payload), "push beyond capacity should report false")
}

func TestPushUnknownConnectionReturnsFalse(t *testing.T) {
	r := NewRegistry()
	payload, err := nexuspb.NewPayload("ConfigChangeNotifyRequest", "config", map[string]string{})
	require.NoError(t, err)
	require.False(t, r.Push("does-not-exist", payload))
}

func TestPushAfterRemoveReturnsFalse(t *testing.T) {
	r := NewRegistry()
	r.Register("conn-1", "10.0.0.1:5000")
	r.Remove("conn-1")

	payload, err := nexuspb.NewPayload("ConfigChangeNotifyRequest", "config", map[string]string{})
	require.NoError(t, err)
	require.False(t, r.Push("conn-1", payload))
}
