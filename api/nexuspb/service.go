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

// RequestServer is implemented by the Connection Plane to serve both the
// one-shot unary Request RPC and the long-lived bidirectional stream that
// carries every typed request/push frame of §4.5.
type RequestServer interface {
	// Request answers a single Payload with a single Payload (used for
	// stateless calls such as HealthCheckRequest / ServerCheckRequest).
	Request(context.Context, *Payload) (*Payload, error)
	// RequestBiStream is the persistent connection of §4.5: the client
	// opens it once, sends ConnectionSetupRequest first, then any number
	// of typed requests; the server answers inline and may push
	// server-initiated Payloads (ConfigChangeNotifyRequest,
	// ClientDetectionRequest, ConnectResetRequest, ...) at any time.
	RequestBiStream(BiRequestStream_RequestBiStreamServer) error
}

// BiRequestStream_RequestBiStreamServer is the server-side handle for the
// bidirectional stream, mirroring the shape protoc-gen-go-grpc would
// generate for `rpc RequestBiStream(stream Payload) returns (stream Payload)`.
type BiRequestStream_RequestBiStreamServer interface {
	Send(*Payload) error
	Recv() (*Payload, error)
	grpc.ServerStream
}

type biRequestStreamServer struct {
	grpc.ServerStream
}

func (s *biRequestStreamServer) Send(p *Payload) error { return s.ServerStream.SendMsg(p) }
func (s *biRequestStreamServer) Recv() (*Payload, error) {
	p := new(Payload)
	if err := s.ServerStream.RecvMsg(p); err != nil {
		return nil, err
	}
	return p, nil
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Payload)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RequestServer).Request(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.connection.v1.BiRequestStream/Request"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RequestServer).Request(ctx, req.(*Payload))
	}
	return interceptor(ctx, in, info, handler)
}

func requestBiStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RequestServer).RequestBiStream(&biRequestStreamServer{ServerStream: stream})
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a service with one unary and one bidirectional-streaming
// method, both carrying the Payload envelope.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "nexus.connection.v1.BiRequestStream",
	HandlerType: (*RequestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Request", Handler: requestHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RequestBiStream",
			Handler:       requestBiStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nexus/connection/v1/bi_request_stream.proto",
}

// RegisterRequestServer registers srv on s using the hand-authored
// ServiceDesc above.
func RegisterRequestServer(s grpc.ServiceRegistrar, srv RequestServer) {
	s.RegisterService(&ServiceDesc, srv)
}
