// Copyright 2023 The Teaclave Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sync provides the blocking synchronization primitives of the
// enclave runtime: spin mutex, blocking mutex, reentrant mutex,
// reader-writer lock, condition variable, barrier, and one-shot
// initialization. Every primitive suspends at exactly one place, inside a
// futex wait; blocking operations therefore take the calling slot
// explicitly, the way every suspendable operation in this runtime does.
package sync

import (
	"time"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/hostevent"
)

// timeoutSpec converts an optional timeout to the bridge representation.
// A zero or negative duration means wait forever.
func timeoutSpec(d time.Duration) *hostevent.TimeSpec {
	if d <= 0 {
		return nil
	}
	ts := hostevent.FromDuration(d)
	return &ts
}
