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

// Package auth implements the RBAC capability of §4.6/§4.8: users, roles,
// and permissions are replicated state (written through raftcore.Node,
// read from the KV store), and login issues a bearer token the Dispatcher
// maps back to a RequestContext.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

// ErrInvalidCredentials is returned by Login on a username/password miss.
var ErrInvalidCredentials = errors.New("invalid username or password")

// TokenTTL is how long an issued bearer token remains valid.
const TokenTTL = 12 * time.Hour

// saltSize is the per-user password salt length in bytes.
const saltSize = 16

// HashPassword derives a salted digest for storage. No bcrypt/scrypt
// package appears anywhere in the example pack for this role, so this is
// built on the standard library crypto/sha256 with a random per-user salt
// and a fixed iteration count -- see DESIGN.md for the justification.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	return hashWithSalt(password, salt), nil
}

// VerifyPassword reports whether password matches a digest produced by
// HashPassword.
func VerifyPassword(password, stored string) bool {
	saltHex, _, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	return hashWithSalt(password, salt) == stored
}

func hashWithSalt(password string, salt []byte) string {
	const iterations = 10000
	sum := append([]byte(nil), salt...)
	sum = append(sum, []byte(password)...)
	for i := 0; i < iterations; i++ {
		h := sha256.Sum256(sum)
		sum = h[:]
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum)
}

// Session is an issued login token bound to a username and its resolved
// permission set.
type Session struct {
	Token       string
	Username    string
	Permissions map[string]bool
	ExpiresAt   time.Time
}

// Manager is the RBAC capability: it writes through raftcore for mutation
// and reads the KV store directly for lookups, consistent with §4.2 (the
// state machine owns writes, callers may read committed state locally).
type Manager struct {
	node statemachine.Proposer
	kv   store.KV

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager binds a Manager to the cluster's Raft node and KV store.
func NewManager(node statemachine.Proposer, kv store.KV) *Manager {
	return &Manager{node: node, kv: kv, sessions: make(map[string]*Session)}
}

// CreateUser proposes a new user with a freshly hashed password.
func (m *Manager) CreateUser(username, password string) error {
	digest, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = m.node.Propose(statemachine.Command{
		Kind: statemachine.KindUserCreate,
		UserCreate: &statemachine.UserUpsertCmd{
			Username: username, PasswordHash: digest, Enabled: true,
		},
	})
	return err
}

// GrantRole proposes a role-to-user grant.
func (m *Manager) GrantRole(username, role string) error {
	_, err := m.node.Propose(statemachine.Command{
		Kind:       statemachine.KindRoleCreate,
		RoleCreate: &statemachine.RoleCmd{Role: role, Username: username},
	})
	return err
}

// GrantPermission proposes a permission grant to a role.
func (m *Manager) GrantPermission(role, resource, action string) error {
	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindPermissionGrant,
		PermissionGrant: &statemachine.PermissionCmd{
			Role: role, Resource: resource, Action: action,
		},
	})
	return err
}

// Login validates credentials against the committed KV state and, on
// success, mints a Session holding the resolved permission set.
func (m *Manager) Login(username, password string) (*Session, error) {
	raw, err := m.kv.Get(store.CFUsers, []byte(username))
	if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	if raw == nil {
		return nil, ErrInvalidCredentials
	}
	var u model.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, errors.Wrap(err, "decode user")
	}
	if !u.Enabled || !VerifyPassword(password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	roles, err := m.rolesForUser(username)
	if err != nil {
		return nil, err
	}
	perms, err := m.resolvePermissions(roles)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sess := &Session{Token: token, Username: username, Permissions: perms, ExpiresAt: time.Now().Add(TokenTTL)}
	m.mu.Lock()
	m.sessions[token] = sess
	m.mu.Unlock()
	return sess, nil
}

// Authenticate resolves a bearer token into its Session, if still valid.
func (m *Manager) Authenticate(token string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, false
	}
	return sess, true
}

// rolesForUser scans the Roles column family (keyed "role@@username") for
// every grant matching username; RBAC grants are infrequent enough that a
// full-family scan is acceptable rather than maintaining a reverse index.
func (m *Manager) rolesForUser(username string) ([]string, error) {
	var roles []string
	err := m.kv.PrefixScan(store.CFRoles, nil, func(_, v []byte) error {
		var r model.Role
		if err := json.Unmarshal(v, &r); err != nil {
			return nil
		}
		if r.Username == username {
			roles = append(roles, r.Role)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan roles")
	}
	return roles, nil
}

func (m *Manager) resolvePermissions(roles []string) (map[string]bool, error) {
	perms := make(map[string]bool)
	for _, role := range roles {
		prefix := []byte(role + "@@")
		err := m.kv.PrefixScan(store.CFPermissions, prefix, func(_, v []byte) error {
			var p model.Permission
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			perms[p.Resource+":"+p.Action] = true
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "scan permissions")
		}
	}
	return perms, nil
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
