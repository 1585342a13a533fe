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
	"time"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/hostevent"
)

// Mutex state word. The maybe-waiters encoding makes an uncontended unlock
// a single store with no host crossing; a contended unlock pays one wake.
const (
	mutexUnlocked  = 0
	mutexLocked    = 1 // locked, no waiters recorded
	mutexContended = 2 // locked, at least one waiter may be queued
)

// Mutex is a blocking mutual exclusion primitive built on a 32-bit futex
// word. A thread that holds the Mutex has set the word to at least
// mutexLocked. Unlock of an unlocked Mutex is undefined.
type Mutex struct {
	f    *futex.Manager
	word atomicbitops.Uint32
}

// NewMutex returns an unlocked Mutex waiting through f.
func NewMutex(f *futex.Manager) *Mutex {
	return &Mutex{f: f}
}

func (m *Mutex) addr() uintptr {
	return futex.WordAddr(m.word.Ptr())
}

// TryLock attempts to acquire the mutex without blocking and reports
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	return m.word.CompareAndSwap(mutexUnlocked, mutexLocked)
}

// Lock acquires the mutex, parking the calling slot on contention.
func (m *Mutex) Lock(self uintptr) error {
	return m.lock(self, nil)
}

// LockTimeout is Lock with a bound on the wait. It returns ETIMEDOUT if
// the timeout elapses with the mutex still held elsewhere.
func (m *Mutex) LockTimeout(self uintptr, d time.Duration) error {
	return m.lock(self, timeoutSpec(d))
}

func (m *Mutex) lock(self uintptr, ts *hostevent.TimeSpec) error {
	if m.TryLock() {
		return nil
	}
	return m.lockContended(self, ts)
}

// lockContended acquires the mutex with the contended value only, never
// the fast path. This slot cannot know whether others are still queued,
// so the word must record contention and the next unlock must pay the
// wake. Cond reacquires through this after a wait: a transplanted waiter
// that took the fast path would leave the word at mutexLocked and its
// unlock would strand the rest of the transplanted queue.
func (m *Mutex) lockContended(self uintptr, ts *hostevent.TimeSpec) error {
	c := m.word.Swap(mutexContended)
	for c != mutexUnlocked {
		err := m.f.Wait(self, m.addr(), mutexContended, ts)
		switch err {
		case nil, enclerr.EAGAIN:
			// Woken, or the word changed before we parked; retry.
		default:
			return err
		}
		c = m.word.Swap(mutexContended)
	}
	return nil
}

// Unlock releases the mutex. If a waiter may be queued, exactly one is
// woken; it re-contends for the word rather than receiving ownership.
func (m *Mutex) Unlock() {
	if m.word.Swap(mutexUnlocked) == mutexContended {
		m.f.Wake(m.addr(), 1)
	}
}

// markContended forces the word to the contended state so that the next
// unlock wakes a waiter. Used by Cond when transplanting waiters onto the
// mutex queue: the transplanted waiters are invisible to the word
// otherwise. No-op when the mutex is unlocked.
func (m *Mutex) markContended() {
	for {
		c := m.word.Load()
		if c == mutexUnlocked || c == mutexContended {
			return
		}
		if m.word.CompareAndSwap(c, mutexContended) {
			return
		}
	}
}

// unlockDeferred releases the mutex like Unlock but, when a wake is owed,
// dequeues the waiter without dispatching its host wake and returns its
// slot. The caller must deliver the wake, typically merged into its own
// park. Returns 0 when no wake is owed.
func (m *Mutex) unlockDeferred() uintptr {
	if m.word.Swap(mutexUnlocked) == mutexContended {
		// The word address always validates here, so an error never
		// leaves a dequeued waiter undelivered.
		if slot, ok, err := m.f.WakeDeferred(m.addr()); err == nil && ok {
			return slot
		}
	}
	return 0
}
