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

package sync

import (
	"runtime"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
)

// SpinMutex is a mutual exclusion primitive that never crosses the host
// boundary. It is intended for guaranteed-short critical sections (the
// futex table, the exception handler list); holding one across a host
// crossing is forbidden. Unlock of an unlocked SpinMutex is undefined.
//
// The zero value is an unlocked SpinMutex.
type SpinMutex struct {
	locked atomicbitops.Uint32
}

const spinsBeforeYield = 64

// Lock acquires the mutex, spinning with a yield hint until it succeeds.
func (m *SpinMutex) Lock() {
	spins := 0
	for !m.TryLock() {
		spins++
		if spins >= spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire the mutex in a single compare-and-swap. It
// returns true on success.
func (m *SpinMutex) TryLock() bool {
	return m.locked.CompareAndSwap(0, 1)
}

// Unlock releases the mutex with release semantics.
func (m *SpinMutex) Unlock() {
	m.locked.Store(0)
}
