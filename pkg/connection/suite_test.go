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
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
)

func TestConnectionPlane(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Connection Plane Suite")
}

var _ = Describe("Registry and Dispatcher wired end-to-end", func() {
	var (
		registry *Registry
		d        *dispatcher.Dispatcher
	)

	BeforeEach(func() {
		registry = NewRegistry()
		d = dispatcher.New()
	})

	It("routes a dispatched request and enqueues the response for push", func() {
		d.Register("EchoRequest", dispatcher.AuthNone, "", "", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
			return nexuspb.NewPayload("EchoResponse", "test", map[string]string{"echo": string(in.Body)})
		})

		conn := registry.Register("conn-1", "127.0.0.1")
		reqPayload, err := nexuspb.NewPayload("EchoRequest", "test", map[string]string{"hello": "world"})
		Expect(err).NotTo(HaveOccurred())

		resp, err := d.Dispatch(context.Background(), &dispatcher.RequestContext{ConnectionID: conn.ID}, reqPayload)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Metadata.Type).To(Equal("EchoResponse"))

		Expect(registry.Push(conn.ID, resp)).To(BeTrue())
		Eventually(conn.Outbound()).Should(Receive(Equal(resp)))
	})

	It("rejects an unknown request type", func() {
		_, err := d.Dispatch(context.Background(), &dispatcher.RequestContext{}, &nexuspb.Payload{
			Metadata: &nexuspb.Metadata{Type: "NoSuchRequest"},
		})
		Expect(err).To(MatchError(dispatcher.ErrUnknownType))
	})

	It("drops a push to a removed connection", func() {
		conn := registry.Register("conn-2", "127.0.0.1")
		registry.Remove(conn.ID)

		payload, err := nexuspb.NewPayload("EchoResponse", "test", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(registry.Push(conn.ID, payload)).To(BeFalse())
	})
})
