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

package connection

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/peer"
	"k8s.io/klog/v2"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/auth"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
)

// SetupRequestType is the Metadata.Type every stream must send first,
// before any other request is accepted (§4.5 Connection setup).
const SetupRequestType = "ConnectionSetupRequest"

// SetupAckRequestType is the Metadata.Type of the server's reply to a
// ConnectionSetupRequest -- a distinct type from the request it answers,
// so a client demultiplexing frames by type never confuses the two.
const SetupAckRequestType = "SetupAckRequest"

// internalTenant marks a RequestContext built for the unary Request RPC,
// which §4.5 reserves for peer-to-peer cluster traffic (health checks,
// Distro/Raft cluster-sync) rather than arbitrary client calls -- so it is
// always trusted for AuthInternal-gated handlers.
const internalTenant = "__internal__"

// SetupRequest is the body of the first frame on a new stream.
type SetupRequest struct {
	ClientVersion string            `json:"clientVersion"`
	Tenant        string            `json:"tenant"`
	Labels        map[string]string `json:"labels,omitempty"`
	AppName       string            `json:"appName,omitempty"`
	Module        string            `json:"module,omitempty"`
}

// Authenticator resolves a bearer token into an auth.Session, mirroring
// auth.Manager.Authenticate without binding the Connection Plane to the
// concrete auth package beyond the Session type it already owns.
type Authenticator interface {
	Authenticate(token string) (*auth.Session, bool)
}

// Server implements nexuspb.RequestServer over a Registry and Dispatcher,
// binding the gRPC transport to the rest of the Connection Plane (§4.5).
type Server struct {
	registry   *Registry
	dispatcher *dispatcher.Dispatcher
	authMgr    Authenticator
}

// NewServer wires a Registry, Dispatcher, and Authenticator into a
// gRPC-facing server.
func NewServer(registry *Registry, d *dispatcher.Dispatcher, authMgr Authenticator) *Server {
	return &Server{registry: registry, dispatcher: d, authMgr: authMgr}
}

// Request serves the stateless unary RPC, used for one-shot calls that
// don't require an established stream (health checks, peer cluster-sync).
// Every caller of this RPC is treated as cluster-internal (§4.5); it is
// never the transport a plain client uses for config/naming/lock traffic.
func (s *Server) Request(ctx context.Context, in *nexuspb.Payload) (*nexuspb.Payload, error) {
	rc := &dispatcher.RequestContext{ClientIP: peerAddr(ctx), Tenant: internalTenant}
	s.authenticate(in, rc)
	out, err := s.dispatcher.Dispatch(ctx, rc, in)
	if err != nil {
		return errorPayload(in, err), nil
	}
	return out, nil
}

// RequestBiStream drives one client's persistent connection: it expects a
// ConnectionSetupRequest first, registers the Connection, then alternates
// between reading inbound requests (routed through the Dispatcher) and
// draining the Connection's outbound push queue until the stream ends.
func (s *Server) RequestBiStream(stream nexuspb.BiRequestStream_RequestBiStreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Metadata == nil || first.Metadata.Type != SetupRequestType {
		return errors.New("first frame on stream must be ConnectionSetupRequest")
	}
	var setup SetupRequest
	if err := first.Unmarshal(&setup); err != nil {
		return errors.Wrap(err, "decode ConnectionSetupRequest")
	}

	connID := uuid.New().String()
	conn := s.registry.Register(connID, peerAddr(stream.Context()))
	conn.ClientVersion = setup.ClientVersion
	conn.Tenant = setup.Tenant
	conn.Labels = setup.Labels
	conn.AppName = setup.AppName
	conn.Module = setup.Module
	defer s.registry.Remove(connID)

	klog.InfoS("connection established", "connectionId", connID, "tenant", setup.Tenant, "remote", conn.RemoteIP)

	ack, err := nexuspb.NewPayload(SetupAckRequestType, "internal", map[string]string{"connectionId": connID})
	if err != nil {
		return err
	}
	if err := stream.Send(ack); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go s.readLoop(stream, conn, errCh)

	for {
		select {
		case err := <-errCh:
			return err
		case p, ok := <-conn.outbound:
			if !ok {
				return nil
			}
			if err := stream.Send(p); err != nil {
				return err
			}
		case <-conn.Closed():
			return nil
		}
	}
}

func (s *Server) readLoop(stream nexuspb.BiRequestStream_RequestBiStreamServer, conn *Connection, errCh chan<- error) {
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			errCh <- nil
			return
		}
		if err != nil {
			errCh <- err
			return
		}
		conn.Touch()

		rc := &dispatcher.RequestContext{ConnectionID: conn.ID, ClientIP: conn.RemoteIP, Tenant: conn.Tenant}
		s.authenticate(in, rc)

		out, err := s.dispatcher.Dispatch(stream.Context(), rc, in)
		if err != nil {
			klog.V(2).InfoS("dispatch error", "connectionId", conn.ID, "type", in.Metadata.Type, "err", err)
			out = errorPayload(in, err)
		}
		if out == nil {
			continue
		}
		if !conn.enqueue(out) {
			klog.V(2).InfoS("response dropped: outbound queue full", "connectionId", conn.ID)
		}
	}
}

// authenticate resolves the bearer token carried in in's "authorization"
// header (an optional "Bearer " prefix is stripped) and, if it names a live
// Session, marks rc authenticated with that session's granted permissions.
// A missing or invalid token simply leaves rc unauthenticated -- AuthNone
// handlers (login, health check, connection setup) still run.
func (s *Server) authenticate(in *nexuspb.Payload, rc *dispatcher.RequestContext) {
	if s.authMgr == nil || in.Metadata == nil || in.Metadata.Headers == nil {
		return
	}
	token := in.Metadata.Headers["authorization"]
	if token == "" {
		return
	}
	token = strings.TrimPrefix(token, "Bearer ")
	sess, ok := s.authMgr.Authenticate(token)
	if !ok {
		return
	}
	rc.Authenticated = true
	rc.Permissions = sess.Permissions
}

// errorPayload translates a Dispatch error into the result_code/error_code
// envelope of §7, classifying by sentinel rather than string so the
// connection plane never has to know a handler's error-message wording.
func errorPayload(in *nexuspb.Payload, err error) *nexuspb.Payload {
	reqType, module := "", ""
	if in.Metadata != nil {
		reqType, module = in.Metadata.Type, in.Metadata.Module
	}
	resultCode, errorCode := nexuspb.ResultFail, nexuspb.ErrorCodeNone
	switch {
	case errors.Is(err, dispatcher.ErrUnknownType):
		resultCode, errorCode = nexuspb.ResultFail, nexuspb.ErrorCodeNoHandler
	case errors.Is(err, dispatcher.ErrNotAuthenticated), errors.Is(err, dispatcher.ErrPermissionDenied):
		resultCode, errorCode = nexuspb.ResultNoRight, nexuspb.ErrorCodeForbidden
	}
	out, buildErr := nexuspb.NewErrorResult(reqType, module, resultCode, errorCode, err.Error())
	if buildErr != nil {
		klog.ErrorS(buildErr, "failed to build error payload", "type", reqType)
		return nil
	}
	return out
}

// PushClientDetection asks connID's client to confirm it is still alive
// (§9 ClientDetectionRequest: the server may send this at any time).
func (s *Server) PushClientDetection(connID string) bool {
	p, err := nexuspb.NewPayload(nexuspb.ClientDetectionRequestType, "internal", nexuspb.ClientDetectionRequest{})
	if err != nil {
		klog.ErrorS(err, "failed to build ClientDetectionRequest", "connectionId", connID)
		return false
	}
	return s.registry.Push(connID, p)
}

// PushConnectReset tells connID's client to reconnect, optionally to a
// different server (§9 ConnectResetRequest: used to rebalance connections).
func (s *Server) PushConnectReset(connID, serverIP string, serverPort int) bool {
	p, err := nexuspb.NewPayload(nexuspb.ConnectResetRequestType, "internal", nexuspb.ConnectResetRequest{ServerIP: serverIP, ServerPort: serverPort})
	if err != nil {
		klog.ErrorS(err, "failed to build ConnectResetRequest", "connectionId", connID)
		return false
	}
	return s.registry.Push(connID, p)
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
