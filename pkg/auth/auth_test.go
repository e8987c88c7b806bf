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

package auth

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/store"
)

func TestHashPasswordProducesUniqueSaltsAndVerifies(t *testing.T) {
	h1, err := HashPassword("hunter2")
	require.NoError(t, err)
	h2, err := HashPassword("hunter2")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2, "each hash should carry a distinct random salt")
	require.True(t, VerifyPassword("hunter2", h1))
	require.True(t, VerifyPassword("hunter2", h2))
	require.False(t, VerifyPassword("wrong-password", h1))
}

func TestVerifyPasswordRejectsMalformedDigest(t *testing.T) {
	require.False(t, VerifyPassword("anything", "not-a-valid-digest"))
}

func TestResolvePermissionsAggregatesAcrossRoles(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "nexus.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	putRole := func(role, username string) {
		b, _ := json.Marshal(model.Role{Role: role, Username: username})
		require.NoError(t, kv.Put(store.CFRoles, []byte(model.RoleKey(role, username)), b))
	}
	putPermission := func(role, resource, action string) {
		b, _ := json.Marshal(model.Permission{Role: role, Resource: resource, Action: action})
		require.NoError(t, kv.Put(store.CFPermissions, []byte(model.PermissionKey(role, resource, action)), b))
	}

	putRole("config-admin", "alice")
	putRole("naming-reader", "alice")
	putPermission("config-admin", "config", "write")
	putPermission("config-admin", "config", "read")
	putPermission("naming-reader", "naming", "read")

	m := &Manager{kv: kv}
	roles, err := m.rolesForUser("alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"config-admin", "naming-reader"}, roles)

	perms, err := m.resolvePermissions(roles)
	require.NoError(t, err)
	require.True(t, perms["config:write"])
	require.True(t, perms["config:read"])
	require.True(t, perms["naming:read"])
	require.False(t, perms["naming:write"])
}

func TestResolvePermissionsIgnoresOtherUsersRoles(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "nexus.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	b, _ := json.Marshal(model.Role{Role: "config-admin", Username: "bob"})
	require.NoError(t, kv.Put(store.CFRoles, []byte(model.RoleKey("config-admin", "bob")), b))

	m := &Manager{kv: kv}
	roles, err := m.rolesForUser("alice")
	require.NoError(t, err)
	require.Empty(t, roles)
}
