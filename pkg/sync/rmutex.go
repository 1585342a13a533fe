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
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
)

// ReentrantMutex is a Mutex that may be re-acquired by the slot that
// already holds it. The recursion depth is owned by the holder; it is
// never legal for another slot to read it.
type ReentrantMutex struct {
	inner *Mutex

	// owner is the slot currently holding the mutex, 0 if none. Read
	// racily by prospective lockers, so it is atomic.
	owner atomicbitops.Uint64

	// depth is only touched by the owner while owner == self.
	depth uint64
}

// NewReentrantMutex returns an unlocked ReentrantMutex waiting through f.
func NewReentrantMutex(f *futex.Manager) *ReentrantMutex {
	return &ReentrantMutex{inner: NewMutex(f)}
}

// Lock acquires the mutex, incrementing the recursion depth if the
// calling slot already holds it.
func (m *ReentrantMutex) Lock(self uintptr) error {
	if uintptr(m.owner.Load()) == self {
		m.depth++
		return nil
	}
	if err := m.inner.Lock(self); err != nil {
		return err
	}
	m.owner.Store(uint64(self))
	m.depth = 1
	return nil
}

// TryLock attempts to acquire the mutex without blocking.
func (m *ReentrantMutex) TryLock(self uintptr) bool {
	if uintptr(m.owner.Load()) == self {
		m.depth++
		return true
	}
	if !m.inner.TryLock() {
		return false
	}
	m.owner.Store(uint64(self))
	m.depth = 1
	return true
}

// Unlock decrements the recursion depth, releasing the mutex when it
// reaches zero. Unlocking from a slot other than the owner returns EPERM.
func (m *ReentrantMutex) Unlock(self uintptr) error {
	if uintptr(m.owner.Load()) != self {
		return enclerr.EPERM
	}
	m.depth--
	if m.depth == 0 {
		m.owner.Store(0)
		m.inner.Unlock()
	}
	return nil
}
