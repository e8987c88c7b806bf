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

// Package fuzzywatch implements the Fuzzy Watch Engine (§4.9): two pattern
// indices (one for configs, one for services) mapping a "*"-segment glob
// pattern to the set of subscribed connections, plus a per-connection
// received-set used to suppress redundant push delivery.
package fuzzywatch

import (
	"sync"

	"github.com/gobwas/glob"
)

// WatchType distinguishes config fuzzy watches from naming fuzzy watches;
// both use the same engine shape but are kept in separate Index instances.
type WatchType string

const (
	WatchTypeConfig  WatchType = "config"
	WatchTypeService WatchType = "service"
)

type registration struct {
	pattern      string
	compiled     glob.Glob
	connections  map[string]bool
}

// Index is one pattern table (config-keyed or service-keyed), guarded by a
// single read-write lock per §4.9/§5.
type Index struct {
	mu       sync.RWMutex
	byPattern map[string]*registration
	// receivedByConn[connID] is the set of group keys already pushed to
	// that connection, across every pattern it watches.
	receivedByConn map[string]map[string]bool
}

// NewIndex returns an empty fuzzy-watch pattern index.
func NewIndex() *Index {
	return &Index{
		byPattern:      map[string]*registration{},
		receivedByConn: map[string]map[string]bool{},
	}
}

// RegisterWatch registers pattern for connID; idempotent, returns true iff
// this is a new registration for that (pattern, connID) pair.
func (idx *Index) RegisterWatch(connID, pattern string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	reg, ok := idx.byPattern[pattern]
	if !ok {
		compiled, err := glob.Compile(pattern, '+')
		if err != nil {
			return false, err
		}
		reg = &registration{pattern: pattern, compiled: compiled, connections: map[string]bool{}}
		idx.byPattern[pattern] = reg
	}
	isNew := !reg.connections[connID]
	reg.connections[connID] = true
	if idx.receivedByConn[connID] == nil {
		idx.receivedByConn[connID] = map[string]bool{}
	}
	return isNew, nil
}

// UnregisterWatch removes a single (pattern, connID) registration.
func (idx *Index) UnregisterWatch(connID, pattern string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if reg, ok := idx.byPattern[pattern]; ok {
		delete(reg.connections, connID)
		if len(reg.connections) == 0 {
			delete(idx.byPattern, pattern)
		}
	}
}

// MarkReceived records that groupKey has been delivered to connID, so
// future publishes of the same unchanged key can be suppressed for that
// connection regardless of which pattern matched it.
func (idx *Index) MarkReceived(connID, groupKey string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.receivedByConn[connID] == nil {
		idx.receivedByConn[connID] = map[string]bool{}
	}
	idx.receivedByConn[connID][groupKey] = true
}

// ReceivedSet returns the group keys already delivered to connID across
// every pattern it watches (read-only snapshot).
func (idx *Index) ReceivedSet(connID string) map[string]bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := map[string]bool{}
	for k := range idx.receivedByConn[connID] {
		out[k] = true
	}
	return out
}

// GetWatchersFor scans every registered pattern (bounded by unique pattern
// count) and returns the set of connection ids whose pattern matches
// groupKey.
func (idx *Index) GetWatchersFor(groupKey string) map[string]bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := map[string]bool{}
	for _, reg := range idx.byPattern {
		if reg.compiled.Match(groupKey) {
			for connID := range reg.connections {
				out[connID] = true
			}
		}
	}
	return out
}

// RemoveConnection purges every registration and received-set entry for
// connID. It is called from the config and naming managers'
// RemoveListener/RemoveConnection; the connection server's stream teardown
// does not call those.
func (idx *Index) RemoveConnection(connID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for pattern, reg := range idx.byPattern {
		delete(reg.connections, connID)
		if len(reg.connections) == 0 {
			delete(idx.byPattern, pattern)
		}
	}
	delete(idx.receivedByConn, connID)
}
