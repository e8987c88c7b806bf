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

// Metadata.Type values for the connection-plane bookkeeping requests of
// §9: liveness checks, client-initiated/server-initiated detection, forced
// reconnects, and push acknowledgement.
const (
	HealthCheckRequestType      = "HealthCheckRequest"
	ClientDetectionRequestType  = "ClientDetectionRequest"
	ConnectResetRequestType     = "ConnectResetRequest"
	PushAckRequestType          = "PushAckRequest"
)

// HealthCheckRequest is an empty liveness probe a client sends; the server
// answers immediately with a success Result.
type HealthCheckRequest struct{}

// ClientDetectionRequest is a server-initiated push asking a client to
// confirm liveness; the client answers with a HealthCheckRequest.
type ClientDetectionRequest struct{}

// ConnectResetRequest is a server-initiated push asking a client to drop
// and re-establish its stream, optionally against a different server.
type ConnectResetRequest struct {
	ServerIP   string `json:"serverIp,omitempty"`
	ServerPort int    `json:"serverPort,omitempty"`
}

// PushAckRequest correlates back to a prior server push via the requestId
// the Connection Plane stamped into that push's Metadata.Headers.
type PushAckRequest struct {
	RequestID string `json:"requestId"`
}
