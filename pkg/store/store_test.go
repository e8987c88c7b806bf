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

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexus.bolt")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(CFConfig, []byte("k1"), []byte("v1")))
	v, err := s.Get(CFConfig, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete(CFConfig, []byte("k1")))
	v, err = s.Get(CFConfig, []byte("k1"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestGetMissReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Get(CFConfig, []byte("missing"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestPrefixScanOrdersByKeyAndRespectsBoundary(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(CFConfig, []byte("ns@@g@@a"), []byte("1")))
	require.NoError(t, s.Put(CFConfig, []byte("ns@@g@@b"), []byte("2")))
	require.NoError(t, s.Put(CFConfig, []byte("other@@g@@c"), []byte("3")))

	var keys []string
	err := s.PrefixScan(CFConfig, []byte("ns@@"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ns@@g@@a", "ns@@g@@b"}, keys)
}

func TestBatchAppliesAtomically(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(CFConfig, []byte("to-delete"), []byte("x")))

	err := s.Batch([]WriteOp{
		Put(CFConfig, []byte("a"), []byte("1")),
		Put(CFConfig, []byte("b"), []byte("2")),
		Del(CFConfig, []byte("to-delete")),
	})
	require.NoError(t, err)

	a, _ := s.Get(CFConfig, []byte("a"))
	require.Equal(t, []byte("1"), a)
	deleted, _ := s.Get(CFConfig, []byte("to-delete"))
	require.Nil(t, deleted)
}

func TestDumpAllAndLoadAllRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(CFNamespace, []byte("ns1"), []byte(`{"id":"ns1"}`)))
	require.NoError(t, s.Put(CFNamespace, []byte("ns2"), []byte(`{"id":"ns2"}`)))

	dump, err := s.DumpAll(CFNamespace)
	require.NoError(t, err)
	require.Len(t, dump, 2)

	require.NoError(t, s.Put(CFNamespace, []byte("ns3"), []byte(`{"id":"ns3"}`)))
	require.NoError(t, s.LoadAll(CFNamespace, dump))

	v, err := s.Get(CFNamespace, []byte("ns3"))
	require.NoError(t, err)
	require.Nil(t, v, "LoadAll should replace the bucket wholesale")

	v, err = s.Get(CFNamespace, []byte("ns1"))
	require.NoError(t, err)
	require.NotNil(t, v)
}
