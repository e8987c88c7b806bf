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

// Package nexuspb defines the wire envelope of §6: a two-part Payload of
// Metadata (request-type tag, client ip, headers) and an opaque JSON body.
// The envelope itself travels over gRPC using a hand-rolled JSON codec
// (codec.go) rather than protoc-generated protobuf messages, since the
// spec mandates a camelCase JSON body and this exercise does not invoke
// protoc -- see DESIGN.md for the grounding of this choice.
package nexuspb

// Metadata carries the request-type tag consulted by the Dispatcher, plus
// transport-level context.
type Metadata struct {
	Type     string            `json:"type"`
	ClientIP string            `json:"clientIp,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Module   string            `json:"module,omitempty"`
}

// Payload is the outer envelope of every request/response/push frame.
type Payload struct {
	Metadata *Metadata `json:"metadata"`
	Body     []byte    `json:"body"` // JSON encoding of the type named by Metadata.Type
}

// NewPayload builds a Payload whose body is the JSON encoding of v.
func NewPayload(reqType, module string, v interface{}) (*Payload, error) {
	body, err := marshalBody(v)
	if err != nil {
		return nil, err
	}
	return &Payload{Metadata: &Metadata{Type: reqType, Module: module}, Body: body}, nil
}

// Unmarshal decodes the Payload's body into v.
func (p *Payload) Unmarshal(v interface{}) error {
	return unmarshalBody(p.Body, v)
}
