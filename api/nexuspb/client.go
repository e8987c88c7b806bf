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

package nexuspb

import (
	"context"

	"google.golang.org/grpc"
)

// RequestClient is the hand-authored client stub for ServiceDesc, used by
// peer nodes for cluster-sync calls (ConfigChangeClusterSyncRequest) and
// by the Distro protocol for sync/verify RPCs.
type RequestClient interface {
	Request(ctx context.Context, in *Payload, opts ...grpc.CallOption) (*Payload, error)
}

type requestClient struct {
	cc grpc.ClientConnInterface
}

// NewRequestClient builds a RequestClient over an established connection.
func NewRequestClient(cc grpc.ClientConnInterface) RequestClient {
	return &requestClient{cc: cc}
}

func (c *requestClient) Request(ctx context.Context, in *Payload, opts ...grpc.CallOption) (*Payload, error) {
	out := new(Payload)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	err := c.cc.Invoke(ctx, "/nexus.connection.v1.BiRequestStream/Request", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
