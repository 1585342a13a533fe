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
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
)

// Barrier blocks callers until a fixed number of slots have arrived, then
// releases the whole generation at once. The last slot to arrive is the
// leader of its generation.
type Barrier struct {
	m *Mutex
	c *Cond

	// count is the number of arrivals in the current generation; gen
	// advances when a generation is released. Both are protected by m.
	count uint32
	gen   uint32

	n uint32
}

// NewBarrier returns a Barrier for n slots. n must be at least 1.
func NewBarrier(f *futex.Manager, n uint32) *Barrier {
	m := NewMutex(f)
	return &Barrier{
		m: m,
		c: NewCond(f, m),
		n: n,
	}
}

// Wait blocks until n slots have called Wait in the current generation.
// It returns true on exactly one of the n calls, the leader's.
func (b *Barrier) Wait(self uintptr) (bool, error) {
	if err := b.m.Lock(self); err != nil {
		return false, err
	}
	defer b.m.Unlock()

	b.count++
	if b.count < b.n {
		gen := b.gen
		for b.count < b.n && gen == b.gen {
			if err := b.c.Wait(self); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	b.count = 0
	b.gen++
	b.c.NotifyAll()
	return true, nil
}
