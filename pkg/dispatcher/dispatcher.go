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

// Package dispatcher implements the typed-payload router of §4.6: every
// inbound Payload is routed by its Metadata.Type to a registered
// PayloadHandler, gated by an AuthRequirement, independent of which
// transport (bidi stream or unary) delivered it.
package dispatcher

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
)

// AuthRequirement gates a handler behind the caller's established identity.
type AuthRequirement int

const (
	// AuthNone allows any caller, authenticated or not (e.g. ConnectionSetup).
	AuthNone AuthRequirement = iota
	// AuthAuthenticated requires a successfully authenticated connection.
	AuthAuthenticated
	// AuthRead requires read permission on the request's resource.
	AuthRead
	// AuthWrite requires write permission on the request's resource.
	AuthWrite
	// AuthInternal is reserved for peer-to-peer cluster RPCs (Distro,
	// cluster-sync); never reachable from a plain client connection.
	AuthInternal
)

// ErrUnknownType is returned for a Metadata.Type with no registered handler;
// the Connection Plane maps this to response code 302 per §4.6.
var ErrUnknownType = errors.New("unknown request type")

// ErrNotAuthenticated and ErrPermissionDenied are the sentinels checkAuth
// wraps its failures in, so the Connection Plane can classify a Dispatch
// error into a result_code/error_code pair (§7) via errors.Is instead of
// string-matching a message.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

// RequestContext carries the caller identity and connection attached to one
// dispatch call.
type RequestContext struct {
	ConnectionID string
	ClientIP     string
	Tenant       string
	Authenticated bool
	// Permissions is the set of "resource:action" strings granted to the
	// caller, checked by the Resource/Action pair a handler declares.
	Permissions map[string]bool
}

// HasPermission reports whether the context carries resource:action.
func (rc *RequestContext) HasPermission(resource, action string) bool {
	if rc.Permissions == nil {
		return false
	}
	return rc.Permissions[resource+":"+action]
}

// PayloadHandler answers one typed Payload.
type PayloadHandler func(ctx context.Context, rc *RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error)

// registration pairs a handler with its gate and the resource/action pair
// an AuthRead/AuthWrite check is evaluated against.
type registration struct {
	handler  PayloadHandler
	auth     AuthRequirement
	resource string
	action   string
}

// Dispatcher routes Payloads to registered handlers by Metadata.Type.
type Dispatcher struct {
	handlers map[string]registration
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]registration)}
}

// Register binds reqType to handler under the given auth gate. resource and
// action are consulted only when auth is AuthRead or AuthWrite.
func (d *Dispatcher) Register(reqType string, auth AuthRequirement, resource, action string, handler PayloadHandler) {
	d.handlers[reqType] = registration{handler: handler, auth: auth, resource: resource, action: action}
}

// Dispatch routes in to its registered handler, enforcing the auth gate
// first. An unregistered type yields ErrUnknownType.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
	if in.Metadata == nil {
		return nil, errors.New("payload missing metadata")
	}
	reg, ok := d.handlers[in.Metadata.Type]
	if !ok {
		klog.V(2).InfoS("dispatch: unknown request type", "type", in.Metadata.Type)
		return nil, ErrUnknownType
	}
	if err := d.checkAuth(rc, reg); err != nil {
		return nil, err
	}
	return reg.handler(ctx, rc, in)
}

func (d *Dispatcher) checkAuth(rc *RequestContext, reg registration) error {
	switch reg.auth {
	case AuthNone:
		return nil
	case AuthAuthenticated, AuthRead, AuthWrite:
		if rc == nil || !rc.Authenticated {
			return ErrNotAuthenticated
		}
		if (reg.auth == AuthRead || reg.auth == AuthWrite) && !rc.HasPermission(reg.resource, reg.action) {
			return errors.Wrapf(ErrPermissionDenied, "%s %s", reg.action, reg.resource)
		}
		return nil
	case AuthInternal:
		if rc == nil || rc.Tenant != "__internal__" {
			return errors.Wrap(ErrPermissionDenied, "internal RPC not permitted on this connection")
		}
		return nil
	default:
		return errors.New("unrecognized auth requirement")
	}
}
