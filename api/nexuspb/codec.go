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
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype this codec registers under.
const CodecName = "json"

func marshalBody(v interface{}) ([]byte, error) { return json.Marshal(v) }
func unmarshalBody(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, so Payload frames can be sent as the plain JSON objects
// §6 specifies instead of protoc-generated protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
