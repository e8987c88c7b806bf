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

package statemachine

import (
	"bytes"
	"io"
)

// memSink is a minimal in-memory raft.SnapshotSink for exercising
// Persist/Restore without a real raft.FileSnapshotStore.
type memSink struct {
	buf bytes.Buffer
}

func newMemSink() *memSink { return &memSink{} }

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Close() error                { return nil }
func (s *memSink) ID() string                  { return "test-snapshot" }
func (s *memSink) Cancel() error               { return nil }

func (s *memSink) toReadCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}
