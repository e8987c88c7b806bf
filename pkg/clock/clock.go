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

// Package clock provides the Clock capability consumed by the core. The
// State Machine never calls time.Now() directly (see §4.2 Clock policy);
// every time-dependent field gating a command's outcome is baked in by the
// proposer, which reads a Clock.
package clock

import "time"

// Clock returns the current time. Production code uses SystemClock; tests
// inject a FakeClock to make heartbeat/lock-expiry scenarios deterministic.
type Clock interface {
	NowMs() int64
}

// SystemClock is the production Clock backed by time.Now().
type SystemClock struct{}

// NowMs returns the current Unix time in milliseconds.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// FakeClock is a manually advanced Clock for deterministic tests.
type FakeClock struct {
	nowMs int64
}

// NewFakeClock returns a FakeClock starting at the given Unix millisecond.
func NewFakeClock(startMs int64) *FakeClock {
	return &FakeClock{nowMs: startMs}
}

// NowMs returns the fake clock's current time.
func (c *FakeClock) NowMs() int64 {
	return c.nowMs
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.nowMs += d.Milliseconds()
}

// Set pins the fake clock to an absolute Unix millisecond value.
func (c *FakeClock) Set(ms int64) {
	c.nowMs = ms
}
