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

package raftcore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/statemachine"
)

// ClientWriteType is the internal-only Metadata.Type a follower uses to
// forward a Propose call to the current leader (§4.3 leader forwarding;
// gated behind dispatcher.AuthInternal alongside Distro's peer RPCs).
const ClientWriteType = "RaftClientWriteRequest"

// Forwarder ships a command to another node's Raft leader and waits for
// its applied Response.
type Forwarder interface {
	ForwardPropose(ctx context.Context, leaderAddr string, cmd statemachine.Command) (statemachine.Response, error)
}

// GRPCForwarder implements Forwarder over the hand-authored
// nexuspb.RequestClient, lazily dialing and caching one connection per
// leader address (mirrors distro.GRPCTransport.clientFor).
type GRPCForwarder struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCForwarder returns a forwarder with an empty connection cache.
func NewGRPCForwarder() *GRPCForwarder {
	return &GRPCForwarder{conns: make(map[string]*grpc.ClientConn)}
}

func (f *GRPCForwarder) clientFor(addr string) (nexuspb.RequestClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cc, ok := f.conns[addr]
	if !ok {
		var err error
		cc, err = grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, errors.Wrapf(err, "dial leader %s", addr)
		}
		f.conns[addr] = cc
	}
	return nexuspb.NewRequestClient(cc), nil
}

// ForwardPropose ships cmd to leaderAddr's RaftClientWriteRequest handler
// and decodes its Response.
func (f *GRPCForwarder) ForwardPropose(ctx context.Context, leaderAddr string, cmd statemachine.Command) (statemachine.Response, error) {
	client, err := f.clientFor(leaderAddr)
	if err != nil {
		return statemachine.Response{}, err
	}
	in, err := nexuspb.NewPayload(ClientWriteType, "raft", cmd)
	if err != nil {
		return statemachine.Response{}, err
	}
	out, err := client.Request(ctx, in)
	if err != nil {
		return statemachine.Response{}, errors.Wrap(err, "forward propose")
	}
	var result nexuspb.Result
	if err := out.Unmarshal(&result); err != nil {
		return statemachine.Response{}, errors.Wrap(err, "decode forwarded response envelope")
	}
	if result.ResultCode != nexuspb.ResultOK {
		return statemachine.Response{}, errors.Errorf("forwarded propose failed: %s", result.Message)
	}
	var resp statemachine.Response
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &resp); err != nil {
			return statemachine.Response{}, errors.Wrap(err, "decode forwarded response")
		}
	}
	return resp, nil
}
