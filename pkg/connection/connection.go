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

// Package connection implements the Connection Plane of §4.5: a registry
// of long-lived bidirectional streams, each with an inbound task and a
// bounded outbound push channel, and the Notifier capability subsystems
// use to push server-initiated payloads without holding a reference back
// to the gRPC transport (§9 Async push).
package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/metrics"
)

// OutboundQueueCapacity bounds the per-connection push channel (§5
// Backpressure: 100 payloads in reference sizing).
const OutboundQueueCapacity = 100

// Connection is one client's long-lived stream plus its metadata.
type Connection struct {
	ID            string
	RemoteIP      string
	ClientVersion string
	Tenant        string
	Labels        map[string]string
	AppName       string
	Module        string

	lastActiveMs int64
	outbound     chan *nexuspb.Payload
	closed       chan struct{}
	closeOnce    sync.Once

	pendingMu sync.Mutex
	pending   map[string]int64 // requestId -> sentAtMs, pushes awaiting a PushAckRequest (§4.5 Async push)
}

func newConnection(id, remoteIP string) *Connection {
	return &Connection{
		ID:           id,
		RemoteIP:     remoteIP,
		lastActiveMs: time.Now().UnixMilli(),
		outbound:     make(chan *nexuspb.Payload, OutboundQueueCapacity),
		closed:       make(chan struct{}),
		pending:      make(map[string]int64),
	}
}

// Touch records activity for heartbeat/liveness bookkeeping.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActiveMs, time.Now().UnixMilli())
}

// LastActiveMs returns the last-recorded activity timestamp.
func (c *Connection) LastActiveMs() int64 {
	return atomic.LoadInt64(&c.lastActiveMs)
}

// Outbound returns the channel the stream-writer goroutine drains.
func (c *Connection) Outbound() <-chan *nexuspb.Payload {
	return c.outbound
}

// Closed returns a channel closed when the connection tears down.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// closeConn marks the connection torn down; safe to call more than once.
func (c *Connection) closeConn() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue attempts a non-blocking send on the outbound channel; it
// reports false on overflow or if the connection already closed, mirroring
// the fire-and-forget push contract of §4.5.
func (c *Connection) enqueue(p *nexuspb.Payload) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- p:
		return true
	default:
		return false
	}
}

// trackPush records that requestID was just pushed and is awaiting a
// PushAckRequest.
func (c *Connection) trackPush(requestID string) {
	c.pendingMu.Lock()
	c.pending[requestID] = time.Now().UnixMilli()
	c.pendingMu.Unlock()
}

// Ack marks requestID delivered, reporting whether it was still pending.
func (c *Connection) Ack(requestID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// Notifier is the capability subsystems depend on to push a payload to a
// connection without reaching into the registry's internals (§9 cyclic
// collaborator graph cue: message-passing plane for push).
type Notifier interface {
	Push(connID string, payload *nexuspb.Payload) bool
}

// Registry is the lock-free concurrent map owning every live Connection
// (§5 Shared-resource policy).
type Registry struct {
	conns sync.Map // connID -> *Connection
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry { return &Registry{} }

// Register creates and stores a new Connection for a freshly established
// stream, returning it for the owning stream-task to drive.
func (r *Registry) Register(id, remoteIP string) *Connection {
	c := newConnection(id, remoteIP)
	r.conns.Store(id, c)
	metrics.ConnectionsActive.Inc()
	return c
}

// Get returns the Connection for id, if still live.
func (r *Registry) Get(id string) (*Connection, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Remove tears down and forgets the Connection for id (§4.5 Teardown).
func (r *Registry) Remove(id string) {
	v, ok := r.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	v.(*Connection).closeConn()
	metrics.ConnectionsActive.Dec()
}

// Push enqueues payload on connID's outbound channel; false on overflow,
// drop, or unknown connection -- the caller logs the miss per §4.5. Every
// push is stamped with a requestId header so the client's eventual
// PushAckRequest can be correlated back to it.
func (r *Registry) Push(connID string, payload *nexuspb.Payload) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	if payload.Metadata != nil {
		if payload.Metadata.Headers == nil {
			payload.Metadata.Headers = make(map[string]string)
		}
		requestID := uuid.New().String()
		payload.Metadata.Headers["requestId"] = requestID
		c.trackPush(requestID)
	}
	ok = c.enqueue(payload)
	if !ok {
		metrics.PushDropsTotal.Inc()
		klog.V(2).InfoS("push dropped: outbound queue full or closed", "connectionId", connID)
	}
	return ok
}

// Range iterates every live connection; fn returning false stops the scan.
func (r *Registry) Range(fn func(*Connection) bool) {
	r.conns.Range(func(_, v interface{}) bool {
		return fn(v.(*Connection))
	})
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	r.conns.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
