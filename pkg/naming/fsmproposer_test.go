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

package naming

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/statemachine"
	"github.com/nexuscluster/nexus/pkg/store"
)

// fsmProposer applies commands directly to an in-process FSM, standing in
// for raftcore.Node in tests that don't need a real Raft cluster.
type fsmProposer struct {
	fsm *statemachine.FSM
	kv  *store.BoltStore
}

func newFSMProposer(t *testing.T) *fsmProposer {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "nexus.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return &fsmProposer{fsm: statemachine.New(kv), kv: kv}
}

func (p *fsmProposer) Propose(cmd statemachine.Command) (statemachine.Response, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return statemachine.Response{}, err
	}
	out := p.fsm.Apply(&raft.Log{Data: data})
	return out.(statemachine.Response), nil
}

// fakeDistro records gossip calls instead of publishing over the network,
// so tests can assert Distro was told about ephemeral instance changes.
type fakeDistro struct {
	published []model.Instance
	removed   [][4]string
}

func (f *fakeDistro) PublishInstance(inst model.Instance) {
	f.published = append(f.published, inst)
}

func (f *fakeDistro) PublishRemoval(namespace, group, serviceName, instanceID string) {
	f.removed = append(f.removed, [4]string{namespace, group, serviceName, instanceID})
}
