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

	"github.com/pkg/errors"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
	"github.com/nexuscluster/nexus/pkg/statemachine"
)

// RegisterHandlers binds the peer-only leader-forward request type to node,
// gated behind AuthInternal so a plain client connection can never reach it
// (§4.3 leader forwarding, §4.6).
func RegisterHandlers(d *dispatcher.Dispatcher, node *Node) {
	d.Register(ClientWriteType, dispatcher.AuthInternal, "raft", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var cmd statemachine.Command
		if err := in.Unmarshal(&cmd); err != nil {
			return nil, errors.Wrap(err, "decode forwarded command")
		}
		resp, err := node.Propose(cmd)
		if err != nil {
			return nil, errors.Wrap(err, "apply forwarded command")
		}
		return nexuspb.NewResult(ClientWriteType, "raft", resp)
	})
}
