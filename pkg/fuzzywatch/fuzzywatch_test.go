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

package fuzzywatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterWatchIsIdempotent(t *testing.T) {
	idx := NewIndex()
	isNew, err := idx.RegisterWatch("conn-1", "tenant1+*+*")
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = idx.RegisterWatch("conn-1", "tenant1+*+*")
	require.NoError(t, err)
	require.False(t, isNew)
}

func TestGetWatchersForMatchesWithinSegment(t *testing.T) {
	idx := NewIndex()
	_, err := idx.RegisterWatch("conn-1", "tenant1+*+*")
	require.NoError(t, err)

	watchers := idx.GetWatchersFor("tenant1+groupA+dataId1")
	require.Contains(t, watchers, "conn-1")

	watchers = idx.GetWatchersFor("tenant2+groupA+dataId1")
	require.NotContains(t, watchers, "conn-1")
}

func TestGlobStarDoesNotCrossSegmentBoundary(t *testing.T) {
	idx := NewIndex()
	_, err := idx.RegisterWatch("conn-1", "tenant1+*")
	require.NoError(t, err)

	// "*" is scoped to a single "+"-delimited segment, so this pattern
	// must not match a three-segment key.
	watchers := idx.GetWatchersFor("tenant1+groupA+dataId1")
	require.NotContains(t, watchers, "conn-1")
}

func TestUnregisterWatchRemovesPatternWhenEmpty(t *testing.T) {
	idx := NewIndex()
	idx.RegisterWatch("conn-1", "tenant1+*+*")
	idx.UnregisterWatch("conn-1", "tenant1+*+*")

	watchers := idx.GetWatchersFor("tenant1+groupA+dataId1")
	require.Empty(t, watchers)
}

func TestMarkReceivedAndReceivedSet(t *testing.T) {
	idx := NewIndex()
	idx.RegisterWatch("conn-1", "tenant1+*+*")
	idx.MarkReceived("conn-1", "tenant1+groupA+dataId1")

	received := idx.ReceivedSet("conn-1")
	require.True(t, received["tenant1+groupA+dataId1"])
	require.False(t, received["tenant1+groupA+dataId2"])
}

func TestRemoveConnectionPurgesEverything(t *testing.T) {
	idx := NewIndex()
	idx.RegisterWatch("conn-1", "tenant1+*+*")
	idx.MarkReceived("conn-1", "tenant1+groupA+dataId1")

	idx.RemoveConnection("conn-1")

	require.Empty(t, idx.GetWatchersFor("tenant1+groupA+dataId1"))
	require.Empty(t, idx.ReceivedSet("conn-1"))
}
