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

	"github.com/pkg/errors"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
)

// RegisterHandlers binds the peer-only sync/verify request types to engine,
// gated behind AuthInternal so a plain client connection can never reach
// them (§4.6).
func RegisterHandlers(d *dispatcher.Dispatcher, engine *Engine) {
	d.Register(SyncDataType, dispatcher.AuthInternal, "distro", "sync", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var batch SyncBatch
		if err := in.Unmarshal(&batch); err != nil {
			return nil, errors.Wrap(err, "decode sync batch")
		}
		engine.ReceiveBatch(batch)
		return nexuspb.NewPayload(SyncDataType, "distro", struct{}{})
	})

	d.Register(VerifyDataType, dispatcher.AuthInternal, "distro", "verify", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var digest VerifyDigest
		if err := in.Unmarshal(&digest); err != nil {
			return nil, errors.Wrap(err, "decode verify digest")
		}
		result := engine.ReceiveVerify(digest)
		return nexuspb.NewPayload(VerifyDataType, "distro", result)
	})
}
