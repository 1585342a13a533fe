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
	"math"
	"time"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/hostevent"
)

// Cond is a condition variable on a 32-bit generation counter. All
// waiters must use the Cond's one mutex; mixing mutexes is undefined.
// Spurious wakeups are legal and callers must re-check their predicate in
// a loop around Wait.
type Cond struct {
	f *futex.Manager
	m *Mutex

	// seq is the generation counter. Notifications increment it so that
	// parked waiters no longer match and new waiters do not park.
	seq atomicbitops.Uint32
}

// NewCond returns a Cond tied to m.
func NewCond(f *futex.Manager, m *Mutex) *Cond {
	return &Cond{f: f, m: m}
}

func (c *Cond) addr() uintptr {
	return futex.WordAddr(c.seq.Ptr())
}

// Wait atomically releases the mutex and parks the calling slot until
// notified. The mutex is reacquired before Wait returns, whatever the
// outcome. The mutex must be held on entry.
func (c *Cond) Wait(self uintptr) error {
	return c.wait(self, nil)
}

// WaitTimeout is Wait with a bound on the park. On timeout the mutex is
// still reacquired before ETIMEDOUT is returned.
func (c *Cond) WaitTimeout(self uintptr, d time.Duration) error {
	return c.wait(self, timeoutSpec(d))
}

func (c *Cond) wait(self uintptr, ts *hostevent.TimeSpec) error {
	g := c.seq.Load()

	// Release the mutex. If that leaves a wake owed to a mutex waiter,
	// merge it into our own park: one combined host transition instead
	// of a set followed by a wait.
	wake := c.m.unlockDeferred()
	err := c.f.WaitWithWake(self, c.addr(), g, ts, wake)
	switch err {
	case nil, enclerr.EAGAIN:
		// Woken, or notified in the window between unlocking and
		// parking. Either way the caller re-checks the predicate.
		err = nil
	case enclerr.ETIMEDOUT, enclerr.EINTR:
		// Surfaced after the mutex is back.
	default:
		return err
	}

	// Reacquire with the contended protocol. A broadcast may have
	// transplanted this slot onto the mutex queue alongside others; the
	// fast path would hide them from the unlock chain.
	if lockErr := c.m.lockContended(self, nil); lockErr != nil {
		return lockErr
	}
	return err
}

// NotifyOne wakes one waiter.
func (c *Cond) NotifyOne() {
	c.seq.Add(1)
	c.f.Wake(c.addr(), 1)
}

// NotifyAll wakes one waiter and transplants the rest onto the mutex's
// wait queue, so they are woken one at a time by successive unlocks
// instead of stampeding the host. The mutex should be held by the caller;
// the word is forced to the contended state so the transplanted waiters
// are visible to its unlock path.
func (c *Cond) NotifyAll() {
	c.seq.Add(1)
	c.m.markContended()
	c.f.Requeue(c.addr(), 1, c.m.addr(), math.MaxInt32)
}
