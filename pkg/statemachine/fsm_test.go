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

package statemachine

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/store"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nexus.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func applyCmd(t *testing.T, f *FSM, cmd Command) Response {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	out := f.Apply(&raft.Log{Data: data})
	resp, ok := out.(Response)
	require.True(t, ok)
	return resp
}

func TestApplyConfigPublishThenQueryable(t *testing.T) {
	f := newTestFSM(t)
	resp := applyCmd(t, f, Command{
		Kind: KindConfigPublish,
		ConfigPublish: &ConfigPublishCmd{
			Namespace: "ns", Group: "g", DataID: "d", Content: "hello", ContentMD5: "abc", LastModifiedMs: 100,
		},
	})
	require.True(t, resp.Success)

	var item model.ConfigItem
	ok, err := f.getJSON(store.CFConfig, model.ConfigKey("ns", "g", "d"), &item)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", item.Content)
}

func TestApplyConfigRemoveDeletesItem(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindConfigPublish, ConfigPublish: &ConfigPublishCmd{Namespace: "ns", Group: "g", DataID: "d", Content: "x"}})
	resp := applyCmd(t, f, Command{Kind: KindConfigRemove, ConfigRemove: &ConfigRemoveCmd{Namespace: "ns", Group: "g", DataID: "d"}})
	require.True(t, resp.Success)

	var item model.ConfigItem
	ok, err := f.getJSON(store.CFConfig, model.ConfigKey("ns", "g", "d"), &item)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyConfigTagsUpdateAddAndDelete(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindConfigPublish, ConfigPublish: &ConfigPublishCmd{Namespace: "ns", Group: "g", DataID: "d", Content: "x"}})

	resp := applyCmd(t, f, Command{Kind: KindConfigTagsUpdate, ConfigTagsUpdate: &ConfigTagsCmd{Namespace: "ns", Group: "g", DataID: "d", Tag: "blue"}})
	require.True(t, resp.Success)

	var item model.ConfigItem
	f.getJSON(store.CFConfig, model.ConfigKey("ns", "g", "d"), &item)
	require.Equal(t, "blue", item.Tags)

	applyCmd(t, f, Command{Kind: KindConfigTagsDelete, ConfigTagsDelete: &ConfigTagsCmd{Namespace: "ns", Group: "g", DataID: "d", Tag: "blue"}})
	f.getJSON(store.CFConfig, model.ConfigKey("ns", "g", "d"), &item)
	require.Equal(t, "", item.Tags)
}

func TestApplyLockAcquireRejectsDifferentOwnerWhileHeld(t *testing.T) {
	f := newTestFSM(t)
	resp := applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "alice", TTLMs: 10000, FenceToken: 1, NowMs: 1000,
	}})
	require.True(t, resp.Success)

	resp = applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "bob", TTLMs: 10000, FenceToken: 2, NowMs: 2000,
	}})
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "alice")
}

func TestApplyLockAcquireSameOwnerRenewsInPlace(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "alice", TTLMs: 10000, FenceToken: 1, NowMs: 1000,
	}})
	resp := applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "alice", TTLMs: 10000, FenceToken: 2, NowMs: 5000,
	}})
	require.True(t, resp.Success)

	var lock model.Lock
	f.getJSON(store.CFLocks, model.LockKey("ns", "mylock"), &lock)
	require.EqualValues(t, 1000, lock.AcquiredAtMs)
	require.EqualValues(t, 2, lock.FenceToken)
}

func TestApplyLockAcquireAllowsAfterExpiry(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "alice", TTLMs: 1000, FenceToken: 1, NowMs: 1000,
	}})
	resp := applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "bob", TTLMs: 1000, FenceToken: 2, NowMs: 10000,
	}})
	require.True(t, resp.Success)
	var lock model.Lock
	f.getJSON(store.CFLocks, model.LockKey("ns", "mylock"), &lock)
	require.Equal(t, "bob", lock.Owner)
}

func TestApplyLockReleaseChecksOwnerAndFenceToken(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindLockAcquire, LockAcquire: &LockAcquireCmd{
		Namespace: "ns", Name: "mylock", Owner: "alice", TTLMs: 10000, FenceToken: 7, NowMs: 1000,
	}})

	resp := applyCmd(t, f, Command{Kind: KindLockRelease, LockRelease: &LockReleaseCmd{Namespace: "ns", Name: "mylock", Owner: "bob"}})
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "owner")

	badToken := uint64(99)
	resp = applyCmd(t, f, Command{Kind: KindLockRelease, LockRelease: &LockReleaseCmd{Namespace: "ns", Name: "mylock", Owner: "alice", FenceToken: &badToken}})
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "Fence token")

	resp = applyCmd(t, f, Command{Kind: KindLockRelease, LockRelease: &LockReleaseCmd{Namespace: "ns", Name: "mylock", Owner: "alice"}})
	require.True(t, resp.Success)

	var lock model.Lock
	f.getJSON(store.CFLocks, model.LockKey("ns", "mylock"), &lock)
	require.Equal(t, model.LockFree, lock.State)
}

func TestApplyLockExpireIsIdempotentOnMissingLock(t *testing.T) {
	f := newTestFSM(t)
	resp := applyCmd(t, f, Command{Kind: KindLockExpire, LockExpire: &LockKeyCmd{Namespace: "ns", Name: "nope"}})
	require.True(t, resp.Success)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newTestFSM(t)
	applyCmd(t, f, Command{Kind: KindConfigPublish, ConfigPublish: &ConfigPublishCmd{Namespace: "ns", Group: "g", DataID: "d", Content: "hi"}})
	applyCmd(t, f, Command{Kind: KindNamespaceCreate, NamespaceCreate: &NamespaceUpsertCmd{ID: "tenant1", Name: "Tenant One", NowMs: 42}})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := newMemSink()
	require.NoError(t, snap.Persist(sink))

	f2 := newTestFSM(t)
	require.NoError(t, f2.Restore(sink.toReadCloser()))

	var item model.ConfigItem
	ok, err := f2.getJSON(store.CFConfig, model.ConfigKey("ns", "g", "d"), &item)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", item.Content)
}
