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

package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscluster/nexus/api/nexuspb"
)

func echoHandler(_ context.Context, _ *RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
	return in, nil
}

func TestDispatchUnknownTypeReturnsErrUnknownType(t *testing.T) {
	d := New()
	in, err := nexuspb.NewPayload("NoSuchRequest", "test", map[string]string{})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), &RequestContext{}, in)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDispatchAuthNoneAllowsUnauthenticated(t *testing.T) {
	d := New()
	d.Register("PingRequest", AuthNone, "", "", echoHandler)

	in, _ := nexuspb.NewPayload("PingRequest", "test", map[string]string{})
	out, err := d.Dispatch(context.Background(), &RequestContext{}, in)
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestDispatchAuthAuthenticatedRejectsAnonymous(t *testing.T) {
	d := New()
	d.Register("SecureRequest", AuthAuthenticated, "", "", echoHandler)

	in, _ := nexuspb.NewPayload("SecureRequest", "test", map[string]string{})
	_, err := d.Dispatch(context.Background(), &RequestContext{Authenticated: false}, in)
	require.Error(t, err)
}

func TestDispatchAuthWriteRequiresPermission(t *testing.T) {
	d := New()
	d.Register("ConfigPublishRequest", AuthWrite, "config", "write", echoHandler)

	in, _ := nexuspb.NewPayload("ConfigPublishRequest", "config", map[string]string{})

	_, err := d.Dispatch(context.Background(), &RequestContext{Authenticated: true}, in)
	require.Error(t, err)

	rc := &RequestContext{Authenticated: true, Permissions: map[string]bool{"config:write": true}}
	_, err = d.Dispatch(context.Background(), rc, in)
	require.NoError(t, err)
}

func TestDispatchAuthInternalRejectsPlainConnection(t *testing.T) {
	d := New()
	d.Register("DistroSyncDataRequest", AuthInternal, "distro", "sync", echoHandler)

	in, _ := nexuspb.NewPayload("DistroSyncDataRequest", "distro", map[string]string{})
	_, err := d.Dispatch(context.Background(), &RequestContext{Tenant: "tenant1"}, in)
	require.Error(t, err)

	_, err = d.Dispatch(context.Background(), &RequestContext{Tenant: "__internal__"}, in)
	require.NoError(t, err)
}
