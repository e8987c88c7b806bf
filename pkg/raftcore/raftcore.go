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

// Package raftcore wraps hashicorp/raft to provide the Raft Core of §4.3:
// leader election, log replication and joint-consensus membership change
// over a TCP transport, fronting the state machine's KV Store.
package raftcore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/pkg/statemachine"
)

// DefaultWriteTimeout is the bound on waiting for quorum commit of a
// client write (§5 Timeouts: Raft client-write default 5s).
const DefaultWriteTimeout = 5 * time.Second

// NodeID derives the cluster-member hash of an advertised address (§4.3
// Network identities).
func NodeID(advertiseAddr string) raft.ServerID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(advertiseAddr))
	return raft.ServerID(fmt.Sprintf("%x", h.Sum64()))
}

// Config collects the parameters needed to stand up a Raft node.
type Config struct {
	AdvertiseAddr string
	DataDir       string
	Bootstrap     bool
	WriteTimeout  time.Duration
}

// Node is the Raft Core capability consumed by the Config/Naming/Lock
// write paths.
type Node struct {
	raft      *raft.Raft
	fsm       *statemachine.FSM
	cfg       Config
	forwarder Forwarder
}

// New stands up a raft.Raft instance backed by raft-boltdb for the log and
// stable stores, a file snapshot store, and a TCP transport, applying fsm
// as its state machine.
func New(cfg Config, fsm *statemachine.FSM) (*Node, error) {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create raft data dir")
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = NodeID(cfg.AdvertiseAddr)
	raftCfg.Logger = nil // the teacher's klog handles logging; raft's hclog default is left alone.

	logStorePath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return nil, errors.Wrap(err, "open raft log store")
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "open raft snapshot store")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve advertise address")
	}
	transport, err := raft.NewTCPTransport(cfg.AdvertiseAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "create raft transport")
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, logStore, snapshotStore, transport)
	if err != nil {
		return nil, errors.Wrap(err, "create raft node")
	}

	if cfg.Bootstrap {
		cfgFuture := r.GetConfiguration()
		if err := cfgFuture.Error(); err != nil {
			return nil, err
		}
		if len(cfgFuture.Configuration().Servers) == 0 {
			bootstrapCfg := raft.Configuration{
				Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
			}
			if f := r.BootstrapCluster(bootstrapCfg); f.Error() != nil {
				klog.ErrorS(f.Error(), "raft bootstrap failed")
			}
		}
	}

	return &Node{raft: r, fsm: fsm, cfg: cfg}, nil
}

// SetForwarder installs the leader-forwarding transport after construction,
// the same way naming.Manager.SetDistroPublisher breaks its own
// construction cycle: the forwarder (a gRPC client to peer nodes) and the
// Node it forwards on behalf of are mutually dependent on the dispatcher
// wiring done in cmd/nexusd/main.go.
func (n *Node) SetForwarder(f Forwarder) {
	n.forwarder = f
}

// Propose serializes cmd and submits it to Raft, blocking for quorum
// commit up to the write timeout. If this node isn't the leader and a
// Forwarder is installed, it resolves the current leader and forwards the
// command over gRPC instead of failing the caller with raft.ErrNotLeader
// (§4.3 leader forwarding).
func (n *Node) Propose(cmd statemachine.Command) (statemachine.Response, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return statemachine.Response{}, errors.Wrap(err, "marshal command")
	}
	f := n.raft.Apply(data, n.cfg.WriteTimeout)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader && n.forwarder != nil {
			return n.forwardToLeader(cmd)
		}
		return statemachine.Response{}, err
	}
	resp, ok := f.Response().(statemachine.Response)
	if !ok {
		return statemachine.Response{}, errors.New("unexpected apply response type")
	}
	return resp, nil
}

func (n *Node) forwardToLeader(cmd statemachine.Command) (statemachine.Response, error) {
	leaderAddr := n.Leader()
	if leaderAddr == "" {
		return statemachine.Response{}, errors.New("no known raft leader to forward to")
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.WriteTimeout)
	defer cancel()
	return n.forwarder.ForwardPropose(ctx, leaderAddr, cmd)
}

// IsLeader reports whether this node currently holds leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader's advertised address, if known.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// ReadIndex exposes the linearizable-read capability of §4.3: it asks a
// quorum to confirm this node is still leader (raft.VerifyLeader) and
// returns that check's error, which is non-nil on a follower.
func (n *Node) ReadIndex() error {
	f := n.raft.VerifyLeader()
	return f.Error()
}

// AddVoter adds a voting member via joint consensus.
func (n *Node) AddVoter(id raft.ServerID, address raft.ServerAddress) error {
	return n.raft.AddVoter(id, address, 0, 0).Error()
}

// RemoveServer removes a member via joint consensus.
func (n *Node) RemoveServer(id raft.ServerID) error {
	return n.raft.RemoveServer(id, 0, 0).Error()
}

// Shutdown stops the Raft node.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
