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

// Package statemachine applies Raft-committed Commands to the KV Store
// deterministically (§4.2). It never reads wall-clock time for a decision
// that gates a command's outcome -- every time-dependent field arrives
// already baked into the command by the proposer.
package statemachine

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/pkg/metrics"
	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/store"
)

// FSM implements raft.FSM over a store.KV, plus snapshot build/install.
type FSM struct {
	mu    sync.Mutex // serializes Apply; bbolt already serializes writers
	kv    *store.BoltStore
}

// New returns an FSM backed by kv.
func New(kv *store.BoltStore) *FSM {
	return &FSM{kv: kv}
}

// Apply decodes one Raft log entry and applies it to the store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		klog.ErrorS(err, "failed to decode raft command", "index", log.Index)
		return Fail("malformed command")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	metrics.RaftAppliedIndex.Set(float64(log.Index))
	return f.apply(cmd)
}

func (f *FSM) apply(cmd Command) Response {
	switch cmd.Kind {
	case KindConfigPublish:
		return f.applyConfigPublish(cmd.ConfigPublish)
	case KindConfigRemove:
		return f.applyConfigRemove(cmd.ConfigRemove)
	case KindConfigHistoryInsert:
		return f.applyConfigHistoryInsert(cmd.ConfigHistoryInsert)
	case KindConfigTagsUpdate:
		return f.applyConfigTagsUpdate(cmd.ConfigTagsUpdate, true)
	case KindConfigTagsDelete:
		return f.applyConfigTagsUpdate(cmd.ConfigTagsDelete, false)
	case KindConfigGrayPublish:
		return f.applyConfigGrayPublish(cmd.ConfigGrayPublish)
	case KindConfigGrayRemove:
		return f.applyConfigGrayRemove(cmd.ConfigGrayRemove)
	case KindNamespaceCreate:
		return f.applyNamespaceUpsert(cmd.NamespaceCreate)
	case KindNamespaceUpdate:
		return f.applyNamespaceUpsert(cmd.NamespaceUpdate)
	case KindNamespaceDelete:
		return f.applyNamespaceDelete(cmd.NamespaceDelete)
	case KindUserCreate:
		return f.applyUserUpsert(cmd.UserCreate)
	case KindUserUpdate:
		return f.applyUserUpsert(cmd.UserUpdate)
	case KindUserDelete:
		return f.applyUserDelete(cmd.UserDelete)
	case KindRoleCreate:
		return f.applyRole(cmd.RoleCreate, true)
	case KindRoleDelete:
		return f.applyRole(cmd.RoleDelete, false)
	case KindPermissionGrant:
		return f.applyPermission(cmd.PermissionGrant, true)
	case KindPermissionRevoke:
		return f.applyPermission(cmd.PermissionRevoke, false)
	case KindPersistentInstanceRegister, KindPersistentInstanceUpdate:
		return f.applyInstanceUpsert(cmd.InstanceRegister)
	case KindPersistentInstanceDeregister:
		return f.applyInstanceDeregister(cmd.InstanceDeregister)
	case KindLockAcquire:
		return f.applyLockAcquire(cmd.LockAcquire)
	case KindLockRelease:
		return f.applyLockRelease(cmd.LockRelease)
	case KindLockRenew:
		return f.applyLockRenew(cmd.LockRenew)
	case KindLockForceRelease:
		return f.applyLockForceRelease(cmd.LockForceRelease)
	case KindLockExpire:
		return f.applyLockExpire(cmd.LockExpire)
	case KindNoop:
		return Ok()
	default:
		return Fail("unknown command kind: " + string(cmd.Kind))
	}
}

func (f *FSM) putJSON(cf, key string, v interface{}) Response {
	b, err := json.Marshal(v)
	if err != nil {
		return Fail(errors.Wrap(err, "marshal value").Error())
	}
	if err := f.kv.Put(cf, []byte(key), b); err != nil {
		return Fail(errors.Wrap(err, "write store").Error())
	}
	return Ok()
}

func (f *FSM) getJSON(cf, key string, v interface{}) (bool, error) {
	b, err := f.kv.Get(cf, []byte(key))
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- Config ---

func (f *FSM) applyConfigPublish(c *ConfigPublishCmd) Response {
	item := model.ConfigItem{
		Namespace: c.Namespace, Group: c.Group, DataID: c.DataID,
		Content: c.Content, ContentMD5: c.ContentMD5, Type: c.Type,
		AppName: c.AppName, Tags: c.Tags, Description: c.Description,
		EncryptedDataKey: c.EncryptedDataKey, LastModifiedMs: c.LastModifiedMs,
		SrcUser: c.SrcUser, SrcIP: c.SrcIP,
	}
	return f.putJSON(store.CFConfig, model.ConfigKey(c.Namespace, c.Group, c.DataID), item)
}

func (f *FSM) applyConfigRemove(c *ConfigRemoveCmd) Response {
	if err := f.kv.Delete(store.CFConfig, []byte(model.ConfigKey(c.Namespace, c.Group, c.DataID))); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

func (f *FSM) applyConfigHistoryInsert(c *ConfigHistoryInsertCmd) Response {
	entry := model.ConfigHistory{
		ID: c.ID, Namespace: c.Namespace, Group: c.Group, DataID: c.DataID,
		Content: c.Content, MD5: c.MD5, SrcUser: c.SrcUser, SrcIP: c.SrcIP,
		OpType: c.OpType, CreatedAtMs: c.CreatedAtMs, LastModifiedAtMs: c.LastModifiedAtMs,
	}
	key := model.ConfigHistoryKeyPrefix(c.Namespace, c.Group, c.DataID) + EncodeSeqID(c.ID)
	return f.putJSON(store.CFConfigHistory, key, entry)
}

func (f *FSM) applyConfigTagsUpdate(c *ConfigTagsCmd, add bool) Response {
	var item model.ConfigItem
	key := model.ConfigKey(c.Namespace, c.Group, c.DataID)
	ok, err := f.getJSON(store.CFConfig, key, &item)
	if err != nil {
		return Fail(err.Error())
	}
	if !ok {
		return Fail("config not found")
	}
	item.Tags = editTagList(item.Tags, c.Tag, add)
	return f.putJSON(store.CFConfig, key, item)
}

func (f *FSM) applyConfigGrayPublish(c *ConfigGrayPublishCmd) Response {
	item := model.ConfigGrayItem{
		Namespace: c.Namespace, Group: c.Group, DataID: c.DataID, GrayName: c.GrayName,
		GrayRule: c.GrayRule, Content: c.Content, ContentMD5: c.ContentMD5, LastModifiedMs: c.LastModifiedMs,
	}
	return f.putJSON(store.CFConfigGray, model.ConfigGrayKey(c.Namespace, c.Group, c.DataID, c.GrayName), item)
}

func (f *FSM) applyConfigGrayRemove(c *ConfigGrayRemoveCmd) Response {
	if err := f.kv.Delete(store.CFConfigGray, []byte(model.ConfigGrayKey(c.Namespace, c.Group, c.DataID, c.GrayName))); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

// --- Namespace ---

func (f *FSM) applyNamespaceUpsert(c *NamespaceUpsertCmd) Response {
	var existing model.Namespace
	found, _ := f.getJSON(store.CFNamespace, c.ID, &existing)
	ns := model.Namespace{ID: c.ID, Name: c.Name, Description: c.Description, UpdatedAtMs: c.NowMs}
	if found {
		ns.CreatedAtMs = existing.CreatedAtMs
	} else {
		ns.CreatedAtMs = c.NowMs
	}
	return f.putJSON(store.CFNamespace, c.ID, ns)
}

func (f *FSM) applyNamespaceDelete(c *NamespaceDeleteCmd) Response {
	if err := f.kv.Delete(store.CFNamespace, []byte(c.ID)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

// --- RBAC ---

func (f *FSM) applyUserUpsert(c *UserUpsertCmd) Response {
	u := model.User{Username: c.Username, PasswordHash: c.PasswordHash, Salt: c.Salt, Enabled: c.Enabled}
	return f.putJSON(store.CFUsers, c.Username, u)
}

func (f *FSM) applyUserDelete(c *UserDeleteCmd) Response {
	if err := f.kv.Delete(store.CFUsers, []byte(c.Username)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

func (f *FSM) applyRole(c *RoleCmd, grant bool) Response {
	key := model.RoleKey(c.Role, c.Username)
	if grant {
		return f.putJSON(store.CFRoles, key, model.Role{Role: c.Role, Username: c.Username})
	}
	if err := f.kv.Delete(store.CFRoles, []byte(key)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

func (f *FSM) applyPermission(c *PermissionCmd, grant bool) Response {
	key := model.PermissionKey(c.Role, c.Resource, c.Action)
	if grant {
		return f.putJSON(store.CFPermissions, key, model.Permission{Role: c.Role, Resource: c.Resource, Action: c.Action})
	}
	if err := f.kv.Delete(store.CFPermissions, []byte(key)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

// --- Persistent instances ---

func (f *FSM) applyInstanceUpsert(c *InstanceUpsertCmd) Response {
	instanceID := c.ClusterName + "#" + c.IP + "#" + itoa(c.Port)
	key := model.InstanceKey(c.Namespace, c.Group, c.ServiceName, instanceID)
	inst := model.Instance{
		Namespace: c.Namespace, Group: c.Group, ServiceName: c.ServiceName,
		ClusterName: c.ClusterName, IP: c.IP, Port: c.Port, Weight: c.Weight,
		Healthy: c.Healthy, Enabled: c.Enabled, Ephemeral: false, Metadata: c.Metadata,
	}
	return f.putJSON(store.CFInstances, key, inst)
}

func (f *FSM) applyInstanceDeregister(c *InstanceDeregisterCmd) Response {
	key := model.InstanceKey(c.Namespace, c.Group, c.ServiceName, c.InstanceID)
	if err := f.kv.Delete(store.CFInstances, []byte(key)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

// --- Locks ---

func (f *FSM) applyLockAcquire(c *LockAcquireCmd) Response {
	key := model.LockKey(c.Namespace, c.Name)
	var existing model.Lock
	found, _ := f.getJSON(store.CFLocks, key, &existing)
	expiresAt := c.NowMs + c.TTLMs

	if found && existing.State == model.LockLocked && existing.ExpiresAtMs > c.NowMs {
		if existing.Owner != c.Owner {
			return Fail("Lock is held by " + existing.Owner)
		}
		// Same owner re-acquiring: treat as renewal, keep acquired_at.
		lock := model.Lock{
			Namespace: c.Namespace, Name: c.Name, Owner: c.Owner, State: model.LockLocked,
			FenceToken: c.FenceToken, TTLMs: c.TTLMs, AcquiredAtMs: existing.AcquiredAtMs,
			ExpiresAtMs: expiresAt, RenewalCount: existing.RenewalCount, OwnerMetadata: c.OwnerMetadata,
		}
		resp := f.putJSON(store.CFLocks, key, lock)
		if resp.Success {
			return OkWithData(mustJSON(lock))
		}
		return resp
	}

	lock := model.Lock{
		Namespace: c.Namespace, Name: c.Name, Owner: c.Owner, State: model.LockLocked,
		FenceToken: c.FenceToken, TTLMs: c.TTLMs, AcquiredAtMs: c.NowMs,
		ExpiresAtMs: expiresAt, RenewalCount: 0, OwnerMetadata: c.OwnerMetadata,
	}
	resp := f.putJSON(store.CFLocks, key, lock)
	if resp.Success {
		return OkWithData(mustJSON(lock))
	}
	return resp
}

func (f *FSM) applyLockRelease(c *LockReleaseCmd) Response {
	key := model.LockKey(c.Namespace, c.Name)
	var existing model.Lock
	found, _ := f.getJSON(store.CFLocks, key, &existing)
	if !found {
		return Fail("Lock not found")
	}
	if existing.Owner != c.Owner {
		return Fail("Not the lock owner")
	}
	if c.FenceToken != nil && existing.FenceToken != *c.FenceToken {
		return Fail("Fence token mismatch")
	}
	lock := model.Lock{
		Namespace: c.Namespace, Name: c.Name, State: model.LockFree,
		FenceToken: existing.FenceToken, TTLMs: existing.TTLMs,
	}
	return f.putJSON(store.CFLocks, key, lock)
}

func (f *FSM) applyLockRenew(c *LockRenewCmd) Response {
	key := model.LockKey(c.Namespace, c.Name)
	var existing model.Lock
	found, _ := f.getJSON(store.CFLocks, key, &existing)
	if !found || existing.State != model.LockLocked {
		return Fail("Lock not found")
	}
	if existing.Owner != c.Owner {
		return Fail("Not the lock owner")
	}
	lock := existing
	lock.TTLMs = c.TTLMs
	lock.ExpiresAtMs = c.NewExpireMs
	lock.RenewalCount++
	return f.putJSON(store.CFLocks, key, lock)
}

func (f *FSM) applyLockForceRelease(c *LockKeyCmd) Response {
	key := model.LockKey(c.Namespace, c.Name)
	if err := f.kv.Delete(store.CFLocks, []byte(key)); err != nil {
		return Fail(err.Error())
	}
	return Ok()
}

func (f *FSM) applyLockExpire(c *LockKeyCmd) Response {
	key := model.LockKey(c.Namespace, c.Name)
	var existing model.Lock
	found, _ := f.getJSON(store.CFLocks, key, &existing)
	if !found {
		return Ok()
	}
	existing.State = model.LockExpired
	existing.Owner = ""
	return f.putJSON(store.CFLocks, key, existing)
}

// --- Snapshot / Restore ---

type snapshotRecord struct {
	CF  string `json:"cf"`
	Key string `json:"key"`
	Val string `json:"val"` // raw value bytes carried as a JSON string
}

type fsmSnapshot struct {
	cfs map[string]map[string][]byte
}

// Snapshot captures every column family's contents except meta as a keyed
// map.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfs := map[string]map[string][]byte{}
	for _, cf := range store.AllColumnFamilies {
		if cf == store.CFMeta {
			continue
		}
		dump, err := f.kv.DumpAll(cf)
		if err != nil {
			return nil, err
		}
		cfs[cf] = dump
	}
	return &fsmSnapshot{cfs: cfs}, nil
}

// Persist writes the snapshot as newline-delimited JSON records.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	for cf, kvs := range s.cfs {
		for k, v := range kvs {
			rec := snapshotRecord{CF: cf, Key: k, Val: string(v)}
			if err := enc.Encode(rec); err != nil {
				_ = sink.Cancel()
				return err
			}
		}
	}
	return sink.Close()
}

// Release is a no-op; the snapshot holds no external resources.
func (s *fsmSnapshot) Release() {}

// Restore clears and replaces every column family except meta from the
// snapshot stream, atomically per family.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	f.mu.Lock()
	defer f.mu.Unlock()

	staged := map[string]map[string][]byte{}
	dec := json.NewDecoder(rc)
	for dec.More() {
		var rec snapshotRecord
		if err := dec.Decode(&rec); err != nil {
			return errors.Wrap(err, "decode snapshot record")
		}
		if staged[rec.CF] == nil {
			staged[rec.CF] = map[string][]byte{}
		}
		staged[rec.CF][rec.Key] = []byte(rec.Val)
	}
	for _, cf := range store.AllColumnFamilies {
		if cf == store.CFMeta {
			continue
		}
		data := staged[cf]
		if data == nil {
			data = map[string][]byte{}
		}
		if err := f.kv.LoadAll(cf, data); err != nil {
			return errors.Wrapf(err, "restore %s", cf)
		}
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// EncodeSeqID renders id as a fixed-width 16-char hex string so that
// lexicographic key order (what PrefixScan walks) matches numeric order;
// callers wanting newest-first history reverse the scanned slice instead.
func EncodeSeqID(id uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[id&0xf]
		id >>= 4
	}
	return string(buf)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func editTagList(tags, tag string, add bool) string {
	seen := map[string]bool{}
	var out []string
	for _, t := range splitComma(tags) {
		if t == "" || t == tag {
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if add {
		out = append(out, tag)
	}
	return joinComma(out)
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}
