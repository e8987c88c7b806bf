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

package distro

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pkg/errors"

	"github.com/nexuscluster/nexus/api/nexuspb"
)

// SyncDataType and VerifyDataType are the internal-only Metadata.Type
// values the Dispatcher gates behind dispatcher.AuthInternal (§4.6).
const (
	SyncDataType   = "DistroSyncDataRequest"
	VerifyDataType = "DistroVerifyDataRequest"
)

// GRPCTransport implements ClusterTransport over the hand-authored
// nexuspb.RequestClient, lazily dialing and caching one connection per
// peer address.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport returns a transport with an empty connection cache.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) clientFor(peerAddr string) (nexuspb.RequestClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cc, ok := t.conns[peerAddr]
	if !ok {
		var err error
		cc, err = grpc.Dial(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, errors.Wrapf(err, "dial peer %s", peerAddr)
		}
		t.conns[peerAddr] = cc
	}
	return nexuspb.NewRequestClient(cc), nil
}

// SyncData ships a gossip batch to peerAddr over the unary Request RPC.
func (t *GRPCTransport) SyncData(ctx context.Context, peerAddr string, batch SyncBatch) error {
	client, err := t.clientFor(peerAddr)
	if err != nil {
		return err
	}
	in, err := nexuspb.NewPayload(SyncDataType, "distro", batch)
	if err != nil {
		return err
	}
	_, err = client.Request(ctx, in)
	return err
}

// VerifyData exchanges digests with peerAddr, decoding its VerifyResult.
func (t *GRPCTransport) VerifyData(ctx context.Context, peerAddr string, digest VerifyDigest) (VerifyResult, error) {
	client, err := t.clientFor(peerAddr)
	if err != nil {
		return VerifyResult{}, err
	}
	in, err := nexuspb.NewPayload(VerifyDataType, "distro", digest)
	if err != nil {
		return VerifyResult{}, err
	}
	out, err := client.Request(ctx, in)
	if err != nil {
		return VerifyResult{}, err
	}
	var result VerifyResult
	if err := out.Unmarshal(&result); err != nil {
		return VerifyResult{}, errors.Wrap(err, "decode verify result")
	}
	return result, nil
}

// StaticDatacenterManager is a fixed peer list split by locality, used for
// single-process tests and for clusters whose membership is provided at
// startup rather than discovered from Raft configuration.
type StaticDatacenterManager struct {
	self         string
	localPeers   []string
	crossDCPeers []string
	allPeers     []string
}

// NewStaticDatacenterManager returns a DatacenterManager over a fixed,
// locality-split peer set, excluding self from its output even if present
// in either list.
func NewStaticDatacenterManager(self string, localPeers, crossDCPeers []string) *StaticDatacenterManager {
	filterSelf := func(peers []string) []string {
		filtered := make([]string, 0, len(peers))
		for _, p := range peers {
			if p != self {
				filtered = append(filtered, p)
			}
		}
		return filtered
	}
	local := filterSelf(localPeers)
	cross := filterSelf(crossDCPeers)
	all := make([]string, 0, len(local)+len(cross))
	all = append(all, local...)
	all = append(all, cross...)
	return &StaticDatacenterManager{self: self, localPeers: local, crossDCPeers: cross, allPeers: all}
}

// Peers returns every known peer address, local and cross-DC, excluding
// self.
func (d *StaticDatacenterManager) Peers() []string { return d.allPeers }

// LocalPeers returns same-datacenter peer addresses, excluding self.
func (d *StaticDatacenterManager) LocalPeers() []string { return d.localPeers }

// CrossDCPeers returns other-datacenter peer addresses.
func (d *StaticDatacenterManager) CrossDCPeers() []string { return d.crossDCPeers }

// Self returns this node's own advertise address.
func (d *StaticDatacenterManager) Self() string { return d.self }
