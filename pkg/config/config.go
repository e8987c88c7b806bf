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

// Package config implements the Config Subsystem of §4.7: publish, query,
// remove, batch-listen (MD5 change detection), fuzzy watch, gray/beta
// overlays, history retrieval, and cluster sync, all layered over the
// replicated KV state owned by raftcore/statemachine.
package config

import (
	"crypto/md5" //nolint:gosec // content-change fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/clock"
	"github.com/nexuscluster/nexus/pkg/connection"
	"github.com/nexuscluster/nexus/pkg/fuzzywatch"
	"github.com/nexuscluster/nexus/pkg/metrics"
	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

// ChangeNotifyType is the Metadata.Type of a server-pushed config change.
const ChangeNotifyType = "ConfigChangeNotifyRequest"

// ErrNotFound is returned by Query/HistoryByID when the requested item does
// not exist; callers translate this into result_code=300 (§7).
var ErrNotFound = errors.New("config not found")

// ContentMD5 returns the hex MD5 digest of content, the change-detection
// fingerprint clients compare on long-poll (§4.7).
func ContentMD5(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ChangeNotification is pushed to every subscriber of a changed key.
type ChangeNotification struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	MD5       string `json:"md5"` // empty string signals removal
}

// ListenKey is one (namespace, group, dataId, clientMD5) entry inside a
// ConfigBatchListen call (§4.7/§6 configListenContexts).
type ListenKey struct {
	Namespace string
	Group     string
	DataID    string
	ClientMD5 string
}

// Manager owns config reads/writes and the subscription indices that drive
// push notification on change.
type Manager struct {
	node     statemachine.Proposer
	kv       store.KV
	clock    clock.Clock
	notifier connection.Notifier
	fuzzy    *fuzzywatch.Index

	mu          sync.RWMutex
	historySeq  uint64
	subscribers map[string]map[string]bool // groupKey -> connID set (exact listen)
}

// NewManager wires the Config Subsystem to its collaborators.
func NewManager(node statemachine.Proposer, kv store.KV, clk clock.Clock, notifier connection.Notifier) *Manager {
	return &Manager{
		node: node, kv: kv, clock: clk, notifier: notifier,
		fuzzy:       fuzzywatch.NewIndex(),
		subscribers: make(map[string]map[string]bool),
	}
}

// Publish proposes a ConfigPublish, records history, and notifies watchers.
func (m *Manager) Publish(namespace, group, dataID, content, cfgType, appName, srcUser, srcIP string) error {
	nowMs := m.clock.NowMs()
	md5sum := ContentMD5(content)

	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindConfigPublish,
		ConfigPublish: &statemachine.ConfigPublishCmd{
			Namespace: namespace, Group: group, DataID: dataID,
			Content: content, ContentMD5: md5sum, Type: cfgType,
			AppName: appName, LastModifiedMs: nowMs, SrcUser: srcUser, SrcIP: srcIP,
		},
	})
	if err != nil {
		return errors.Wrap(err, "propose config publish")
	}

	if err := m.appendHistory(namespace, group, dataID, content, md5sum, srcUser, srcIP, model.ConfigHistoryPublish, nowMs); err != nil {
		klog.ErrorS(err, "append config history failed", "dataId", dataID)
	}

	metrics.ConfigPublishTotal.Inc()
	m.notifyChange(namespace, group, dataID, md5sum)
	return nil
}

// Remove proposes a ConfigRemove and notifies watchers with an empty MD5.
func (m *Manager) Remove(namespace, group, dataID, srcUser, srcIP string) error {
	nowMs := m.clock.NowMs()
	_, err := m.node.Propose(statemachine.Command{
		Kind:         statemachine.KindConfigRemove,
		ConfigRemove: &statemachine.ConfigRemoveCmd{Namespace: namespace, Group: group, DataID: dataID},
	})
	if err != nil {
		return errors.Wrap(err, "propose config remove")
	}
	if err := m.appendHistory(namespace, group, dataID, "", "", srcUser, srcIP, model.ConfigHistoryRemove, nowMs); err != nil {
		klog.ErrorS(err, "append config history failed", "dataId", dataID)
	}
	metrics.ConfigRemoveTotal.Inc()
	m.notifyChange(namespace, group, dataID, "")
	return nil
}

// Query returns the ConfigItem visible to a requester tagged clientTag,
// applying any gray/beta overlay whose GrayRule matches clientTag before
// falling back to the base item (§9 gray release: the overlay shadows the
// base when its rule matches). clientTag may be empty, which always skips
// the overlay lookup. Returns ErrNotFound if neither exists.
func (m *Manager) Query(namespace, group, dataID, clientTag string) (*model.ConfigItem, error) {
	if clientTag != "" {
		gray, err := m.queryGrayOverlay(namespace, group, dataID, clientTag)
		if err != nil {
			return nil, err
		}
		if gray != nil {
			return gray, nil
		}
	}
	item, err := m.rawQuery(namespace, group, dataID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item, nil
}

// rawQuery returns the base ConfigItem (no gray overlay applied), or
// (nil, nil) if it does not exist.
func (m *Manager) rawQuery(namespace, group, dataID string) (*model.ConfigItem, error) {
	raw, err := m.kv.Get(store.CFConfig, []byte(model.ConfigKey(namespace, group, dataID)))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var item model.ConfigItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, errors.Wrap(err, "decode config item")
	}
	return &item, nil
}

func (m *Manager) queryGrayOverlay(namespace, group, dataID, clientTag string) (*model.ConfigItem, error) {
	prefix := []byte(fmt.Sprintf("%s@@%s@@%s@@", namespace, group, dataID))
	var matched *model.ConfigGrayItem
	err := m.kv.PrefixScan(store.CFConfigGray, prefix, func(_, v []byte) error {
		var gray model.ConfigGrayItem
		if err := json.Unmarshal(v, &gray); err != nil {
			return nil
		}
		compiled, err := glob.Compile(gray.GrayRule, '+')
		if err != nil {
			return nil
		}
		if compiled.Match(clientTag) {
			g := gray
			matched = &g
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan config gray overlays")
	}
	if matched == nil {
		return nil, nil
	}
	return &model.ConfigItem{
		Namespace: matched.Namespace, Group: matched.Group, DataID: matched.DataID,
		Content: matched.Content, ContentMD5: matched.ContentMD5, LastModifiedMs: matched.LastModifiedMs,
	}, nil
}

// PublishGray proposes a gray/beta overlay variant of a config (§9).
func (m *Manager) PublishGray(namespace, group, dataID, grayName, grayRule, content string) error {
	md5sum := ContentMD5(content)
	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindConfigGrayPublish,
		ConfigGrayPublish: &statemachine.ConfigGrayPublishCmd{
			Namespace: namespace, Group: group, DataID: dataID, GrayName: grayName,
			GrayRule: grayRule, Content: content, ContentMD5: md5sum, LastModifiedMs: m.clock.NowMs(),
		},
	})
	if err != nil {
		return errors.Wrap(err, "propose config gray publish")
	}
	m.notifyChange(namespace, group, dataID, md5sum)
	return nil
}

// RemoveGray proposes removal of a gray/beta overlay.
func (m *Manager) RemoveGray(namespace, group, dataID, grayName string) error {
	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindConfigGrayRemove,
		ConfigGrayRemove: &statemachine.ConfigGrayRemoveCmd{
			Namespace: namespace, Group: group, DataID: dataID, GrayName: grayName,
		},
	})
	return errors.Wrap(err, "propose config gray remove")
}

// History returns up to limit ConfigHistory entries for one item, newest
// first; PrefixScan only walks forward in ascending key order (the id is
// zero-padded hex), so the collected slice is reversed here (§3/§4.7).
// limit <= 0 returns every entry.
func (m *Manager) History(namespace, group, dataID string, limit int) ([]model.ConfigHistory, error) {
	prefix := []byte(model.ConfigHistoryKeyPrefix(namespace, group, dataID))
	var entries []model.ConfigHistory
	err := m.kv.PrefixScan(store.CFConfigHistory, prefix, func(_, v []byte) error {
		var entry model.ConfigHistory
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan config history")
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// HistoryByID returns a single ConfigHistory entry by its monotonic id.
func (m *Manager) HistoryByID(namespace, group, dataID string, id uint64) (*model.ConfigHistory, error) {
	key := model.ConfigHistoryKeyPrefix(namespace, group, dataID) + statemachine.EncodeSeqID(id)
	raw, err := m.kv.Get(store.CFConfigHistory, []byte(key))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var entry model.ConfigHistory
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, errors.Wrap(err, "decode config history")
	}
	return &entry, nil
}

func (m *Manager) appendHistory(namespace, group, dataID, content, md5sum, srcUser, srcIP string, op model.ConfigHistoryOp, nowMs int64) error {
	m.mu.Lock()
	m.historySeq++
	id := m.historySeq
	m.mu.Unlock()

	_, err := m.node.Propose(statemachine.Command{
		Kind: statemachine.KindConfigHistoryInsert,
		ConfigHistoryInsert: &statemachine.ConfigHistoryInsertCmd{
			ID: id, Namespace: namespace, Group: group, DataID: dataID,
			Content: content, MD5: md5sum, SrcUser: srcUser, SrcIP: srcIP,
			OpType: op, CreatedAtMs: nowMs, LastModifiedAtMs: nowMs,
		},
	})
	return err
}

// BatchListen registers or unregisters connID's interest in each key
// depending on listen, and returns the subset whose server_md5 differs
// from the reported client_md5 -- including keys the server has no content
// for at all while the client is listening, which counts as a change too
// (§4.7 MD5 contract). Unregistering (listen=false) never reports changes.
func (m *Manager) BatchListen(connID string, listen bool, keys []ListenKey) ([]model.ConfigKeyTriple, error) {
	m.mu.Lock()
	for _, k := range keys {
		groupKey := model.GroupKey(k.Namespace, k.Group, k.DataID)
		if listen {
			if m.subscribers[groupKey] == nil {
				m.subscribers[groupKey] = make(map[string]bool)
			}
			m.subscribers[groupKey][connID] = true
		} else if conns, ok := m.subscribers[groupKey]; ok {
			delete(conns, connID)
		}
	}
	m.mu.Unlock()

	if !listen {
		return nil, nil
	}

	var changed []model.ConfigKeyTriple
	for _, k := range keys {
		item, err := m.rawQuery(k.Namespace, k.Group, k.DataID)
		if err != nil {
			return nil, err
		}
		serverMD5 := ""
		if item != nil {
			serverMD5 = item.ContentMD5
		}
		if serverMD5 != k.ClientMD5 {
			changed = append(changed, model.ConfigKeyTriple{Namespace: k.Namespace, Group: k.Group, DataID: k.DataID})
		}
	}
	return changed, nil
}

// RemoveListener drops connID from every exact-key subscription.
func (m *Manager) RemoveListener(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conns := range m.subscribers {
		delete(conns, connID)
	}
	m.fuzzy.RemoveConnection(connID)
}

// RegisterFuzzyWatch registers connID against a tenant+group+dataId glob
// pattern (§4.9 Fuzzy Watch Engine).
func (m *Manager) RegisterFuzzyWatch(connID, pattern string) (bool, error) {
	return m.fuzzy.RegisterWatch(connID, pattern)
}

// UnregisterFuzzyWatch removes connID's registration for pattern.
func (m *Manager) UnregisterFuzzyWatch(connID, pattern string) {
	m.fuzzy.UnregisterWatch(connID, pattern)
}

// SyncFuzzyWatch answers the initializing half of a ConfigFuzzyWatchRequest
// (§4.9/§6): it scans every existing config item matching pattern and, for
// whichever ones connID hasn't already been sent (per receivedGroupKeys),
// pushes a change notification and marks it received.
func (m *Manager) SyncFuzzyWatch(connID, pattern string, receivedGroupKeys map[string]bool) error {
	compiled, err := glob.Compile(pattern, '+')
	if err != nil {
		return errors.Wrap(err, "compile fuzzy watch pattern")
	}
	return m.kv.PrefixScan(store.CFConfig, nil, func(_, v []byte) error {
		var item model.ConfigItem
		if err := json.Unmarshal(v, &item); err != nil {
			return nil
		}
		groupKey := model.GroupKey(item.Namespace, item.Group, item.DataID)
		if !compiled.Match(groupKey) || receivedGroupKeys[groupKey] {
			return nil
		}
		notice := ChangeNotification{Namespace: item.Namespace, Group: item.Group, DataID: item.DataID, MD5: item.ContentMD5}
		payload, err := nexuspb.NewPayload(ChangeNotifyType, "config", notice)
		if err != nil {
			return err
		}
		m.notifier.Push(connID, payload)
		m.MarkFuzzyReceived(connID, groupKey)
		return nil
	})
}

// MarkFuzzyReceived records in the fuzzy-watch index that connID has
// already been sent groupKey. notifyChange does not consult this record: a
// later publish of groupKey is pushed to every matching watcher.
func (m *Manager) MarkFuzzyReceived(connID, groupKey string) {
	m.fuzzy.MarkReceived(connID, groupKey)
}

func (m *Manager) notifyChange(namespace, group, dataID, md5sum string) {
	groupKey := model.GroupKey(namespace, group, dataID)
	notice := ChangeNotification{Namespace: namespace, Group: group, DataID: dataID, MD5: md5sum}
	payload, err := nexuspb.NewPayload(ChangeNotifyType, "config", notice)
	if err != nil {
		klog.ErrorS(err, "encode change notification failed")
		return
	}

	// Copy subscriber membership out while still holding the lock: the
	// plain map reference isn't safe to keep reading once unlocked, since a
	// concurrent BatchListen/RemoveListener could mutate it underneath us
	// (mirrors fuzzywatch.Index.GetWatchersFor's lock-then-copy pattern).
	m.mu.RLock()
	exact := make(map[string]bool, len(m.subscribers[groupKey]))
	for connID := range m.subscribers[groupKey] {
		exact[connID] = true
	}
	m.mu.RUnlock()

	for connID := range exact {
		m.notifier.Push(connID, payload)
	}

	for connID := range m.fuzzy.GetWatchersFor(groupKey) {
		if exact[connID] {
			continue // already notified via exact listen
		}
		m.notifier.Push(connID, payload)
		m.MarkFuzzyReceived(connID, groupKey)
	}
}
