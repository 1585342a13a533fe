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

package futex

import (
	"runtime"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
)

// spinLock guards the waiter table. Critical sections are constant-time
// queue manipulation; holding it across a host crossing is forbidden.
type spinLock struct {
	locked atomicbitops.Uint32
}

const spinsBeforeYield = 64

func (l *spinLock) lock() {
	spins := 0
	for !l.locked.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

func (l *spinLock) unlock() {
	l.locked.Store(0)
}
