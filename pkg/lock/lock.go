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

// Package lock implements the distributed mutex of §4.9: Raft-replicated
// acquire/release/renew with a monotonically increasing fence token per
// lock so a stale holder's writes can be rejected by whatever resource it
// guards, plus a background sweep that reclaims locks past their TTL.
package lock

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/metrics"
	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

// ErrConflict indicates the lock is already held by a different owner.
var ErrConflict = errors.New("lock: held by another owner")

// ErrNotFound indicates no lock is currently held at that key.
var ErrNotFound = errors.New("lock: not found")

// ExpiryScanInterval is how often the TTL sweep runs.
const ExpiryScanInterval = 5 * time.Second

// Manager is the Lock Subsystem capability: it proposes fencing-token-
// bearing commands against the replicated FSM and never mutates lock state
// directly.
type Manager struct {
	node  statemachine.Proposer
	kv    store.KV
	clock clock.Clock

	mu         sync.Mutex
	fenceToken uint64
}

// NewManager wires the Lock Subsystem to its collaborators.
func NewManager(node statemachine.Proposer, kv store.KV, clk clock.Clock) *Manager {
	return &Manager{node: node, kv: kv, clock: clk}
}

// nextFenceToken returns a value guaranteed to exceed any fence token this
// lock has ever issued, even across a leader election or process restart:
// it reads the currently stored lock (if any) and takes the larger of its
// FenceToken and this Manager's own in-memory monotonic counter, so a newly
// elected leader with a reset counter can never regress below what a prior
// leader already handed out.
func (m *Manager) nextFenceToken(namespace, name string) (uint64, error) {
	floor := uint64(0)
	raw, err := m.kv.Get(store.CFLocks, []byte(model.LockKey(namespace, name)))
	if err != nil {
		return 0, errors.Wrap(err, "read lock for fence floor")
	}
	if raw != nil {
		var existing model.Lock
		if err := json.Unmarshal(raw, &existing); err != nil {
			return 0, errors.Wrap(err, "decode lock for fence floor")
		}
		floor = existing.FenceToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fenceToken < floor {
		m.fenceToken = floor
	}
	m.fenceToken++
	return m.fenceToken, nil
}

// Acquire attempts to take the lock at (namespace, name) for owner with the
// given TTL, re-acquiring (and renewing) if owner already holds it. It
// returns ErrConflict if a different owner currently holds an unexpired
// lock.
func (m *Manager) Acquire(namespace, name, owner, ownerMetadata string, ttl time.Duration) (*model.Lock, error) {
	token, err := m.nextFenceToken(namespace, name)
	if err != nil {
		return nil, err
	}
	resp, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindLockAcquire,
		LockAcquire: &statemachine.LockAcquireCmd{
			Namespace: namespace, Name: name, Owner: owner, OwnerMetadata: ownerMetadata,
			TTLMs: ttl.Milliseconds(), FenceToken: token, NowMs: m.clock.NowMs(),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "propose lock acquire")
	}
	if !resp.Success {
		return nil, errors.Wrap(ErrConflict, resp.Message)
	}
	var lock model.Lock
	if err := json.Unmarshal(resp.Data, &lock); err != nil {
		return nil, errors.Wrap(err, "decode acquired lock")
	}
	metrics.LockAcquireTotal.Inc()
	return &lock, nil
}

// Release gives up the lock held by owner. If fenceToken is non-nil, the
// release is only honored when it matches the lock's current token.
func (m *Manager) Release(namespace, name, owner string, fenceToken *uint64) error {
	resp, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindLockRelease,
		LockRelease: &statemachine.LockReleaseCmd{
			Namespace: namespace, Name: name, Owner: owner, FenceToken: fenceToken,
		},
	})
	if err != nil {
		return errors.Wrap(err, "propose lock release")
	}
	if !resp.Success {
		return errors.Wrap(ErrNotFound, resp.Message)
	}
	return nil
}

// Renew extends owner's hold by ttl from now, failing if owner no longer
// holds the lock.
func (m *Manager) Renew(namespace, name, owner string, ttl time.Duration) (*model.Lock, error) {
	now := m.clock.NowMs()
	current, err := m.Query(namespace, name)
	if err != nil {
		return nil, err
	}
	if current.ExpiresAtMs > 0 && current.ExpiresAtMs <= now {
		return nil, errors.Wrap(ErrNotFound, "Lock has expired")
	}
	resp, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindLockRenew,
		LockRenew: &statemachine.LockRenewCmd{
			Namespace: namespace, Name: name, Owner: owner,
			TTLMs: ttl.Milliseconds(), NewExpireMs: now + ttl.Milliseconds(),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "propose lock renew")
	}
	if !resp.Success {
		return nil, errors.Wrap(ErrNotFound, resp.Message)
	}
	var lock model.Lock
	if err := json.Unmarshal(resp.Data, &lock); err != nil {
		return nil, errors.Wrap(err, "decode renewed lock")
	}
	return &lock, nil
}

// ForceRelease removes the lock at (namespace, name) regardless of owner,
// an administrative override.
func (m *Manager) ForceRelease(namespace, name string) error {
	resp, err := m.node.Propose(statemachine.Command{
		Kind:             statemachine.KindLockForceRelease,
		LockForceRelease: &statemachine.LockKeyCmd{Namespace: namespace, Name: name},
	})
	if err != nil {
		return errors.Wrap(err, "propose lock force release")
	}
	if !resp.Success {
		return errors.Wrap(ErrNotFound, resp.Message)
	}
	return nil
}

// Query returns the current state of the lock at (namespace, name),
// ErrNotFound if none exists.
func (m *Manager) Query(namespace, name string) (*model.Lock, error) {
	raw, err := m.kv.Get(store.CFLocks, []byte(model.LockKey(namespace, name)))
	if err != nil {
		return nil, errors.Wrap(err, "read lock")
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var lock model.Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, errors.Wrap(err, "decode lock")
	}
	return &lock, nil
}

// ExpireLocks scans every held lock and proposes a LockExpire for any past
// its ExpiresAtMs deadline (§4.9 TTL expiry), intended to be driven by a
// single ticking goroutine every ExpiryScanInterval.
func (m *Manager) ExpireLocks() {
	now := m.clock.NowMs()
	var expired []model.Lock
	err := m.kv.PrefixScan(store.CFLocks, nil, func(_, value []byte) error {
		var lock model.Lock
		if err := json.Unmarshal(value, &lock); err != nil {
			return err
		}
		if lock.State == model.LockLocked && lock.ExpiresAtMs > 0 && lock.ExpiresAtMs <= now {
			expired = append(expired, lock)
		}
		return nil
	})
	if err != nil {
		klog.ErrorS(err, "lock expiry scan failed")
		return
	}

	for _, lock := range expired {
		resp, err := m.node.Propose(statemachine.Command{
			Kind:       statemachine.KindLockExpire,
			LockExpire: &statemachine.LockKeyCmd{Namespace: lock.Namespace, Name: lock.Name},
		})
		if err != nil || !resp.Success {
			klog.ErrorS(err, "propose lock expire failed", "namespace", lock.Namespace, "name", lock.Name)
			continue
		}
		metrics.LockExpireTotal.Inc()
	}
}
