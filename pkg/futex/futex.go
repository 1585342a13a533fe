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

// Package futex synthesizes wait/wake/requeue semantics on top of the
// host's thread-parking bridge. The identity of a wait queue is the full
// enclave-relative address of a 32-bit word; the futex value itself is
// owned by the caller and is only ever read here.
package futex

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/hostevent"
)

// Target abstracts the atomic load of a futex word. This is useful because
// the "addresses" used in this package may not be real addresses in tests
// (they could be indices into a slice, for example). Production use goes
// through NativeTarget.
type Target interface {
	// LoadUint32 atomically loads the 32-bit word at addr.
	LoadUint32(addr uintptr) (uint32, error)
}

// Waiter is the record enqueued on a wait queue. A Waiter that is not
// enqueued is exclusively owned by its thread; once enqueued, all fields
// are protected by the manager lock.
type Waiter struct {
	// waiterEntry links the Waiter into its queue.
	waiterEntry

	// slot is the execution slot to wake.
	slot uintptr

	// addr is the queue the waiter is currently on. Mutated by requeue.
	addr uintptr

	// bitset is the wake mask. Zero is never stored; plain waits store
	// ^uint32(0).
	bitset uint32

	// queued is true while the waiter is on some queue.
	queued bool
}

// Manager holds the futex state for one enclave: a single table from word
// address to a FIFO list of waiters, under a single spin lock. This is
// acceptable because every critical section is a constant-time queue
// manipulation; host crossings happen only after the lock is released.
type Manager struct {
	bridge hostevent.Bridge
	target Target

	mu    spinLock
	table map[uintptr]*waiterList
}

// NewManager returns a futex manager waking slots through bridge and
// reading futex words through target. A nil target reads enclave memory
// directly.
func NewManager(bridge hostevent.Bridge, target Target) *Manager {
	if target == nil {
		target = NativeTarget{}
	}
	return &Manager{
		bridge: bridge,
		target: target,
		table:  make(map[uintptr]*waiterList),
	}
}

// checkAddr validates a futex word address: non-nil and 4-byte aligned.
func checkAddr(addr uintptr) error {
	if addr == 0 {
		return enclerr.EFAULT
	}
	if addr&0x3 != 0 {
		return enclerr.EINVAL
	}
	return nil
}

// queueLocked returns the (possibly new) waiter list for addr.
//
// Preconditions: m.mu must be locked.
func (m *Manager) queueLocked(addr uintptr) *waiterList {
	q := m.table[addr]
	if q == nil {
		q = &waiterList{}
		m.table[addr] = q
	}
	return q
}

// enqueueLocked appends w to addr's queue. Appending to the back and
// waking from the front keeps wakeup order FIFO, so a longer-queued waiter
// is never starved by a younger one.
//
// Preconditions: m.mu must be locked.
func (m *Manager) enqueueLocked(w *Waiter, addr uintptr) {
	w.addr = addr
	w.queued = true
	m.queueLocked(addr).PushBack(w)
}

// dequeueLocked removes w from whatever queue it is currently on, which
// may differ from the queue it was enqueued on due to requeueing.
//
// Preconditions: m.mu must be locked.
func (m *Manager) dequeueLocked(w *Waiter) {
	if !w.queued {
		return
	}
	q := m.table[w.addr]
	q.Remove(w)
	if q.Empty() {
		delete(m.table, w.addr)
	}
	w.queued = false
}

// collectLocked removes up to n waiters matching bitset from addr's queue
// in FIFO order and returns their slots. The host dispatch happens after
// the lock is dropped, so a woken waiter can immediately re-enter the
// futex without deadlocking against the waker.
//
// Preconditions: m.mu must be locked.
func (m *Manager) collectLocked(addr uintptr, bitset uint32, n int) []uintptr {
	q := m.table[addr]
	if q == nil {
		return nil
	}
	var slots []uintptr
	for w := q.Front(); w != nil && len(slots) < n; {
		if w.bitset&bitset == 0 {
			w = w.Next()
			continue
		}
		woke := w
		w = w.Next()
		q.Remove(woke)
		woke.queued = false
		slots = append(slots, woke.slot)
	}
	if q.Empty() {
		delete(m.table, addr)
	}
	return slots
}

// dispatch delivers the collected wake set with a single bridge call.
// Host-side failure is not propagated: the waiters are already off their
// queues and spurious wakeups are legal; the retry bridge has already
// logged the loss.
func (m *Manager) dispatch(slots []uintptr) {
	switch len(slots) {
	case 0:
	case 1:
		m.bridge.SetEvent(slots[0])
	default:
		m.bridge.SetMultipleEvents(slots)
	}
}

// Wait parks the calling slot until the word at addr no longer needs it:
// if the word does not hold val at enqueue time, Wait returns EAGAIN
// without blocking; a wake returns nil; an elapsed timeout returns
// ETIMEDOUT. Spurious wakes are permitted and callers must re-check their
// predicate. timeout may be nil for an unbounded wait.
func (m *Manager) Wait(self uintptr, addr uintptr, val uint32, timeout *hostevent.TimeSpec) error {
	return m.wait(self, addr, val, timeout, ^uint32(0), 0)
}

// WaitBitset is Wait with a nonzero wake mask recorded for selective wake.
func (m *Manager) WaitBitset(self uintptr, addr uintptr, val uint32, timeout *hostevent.TimeSpec, bitset uint32) error {
	if bitset == 0 {
		return enclerr.EINVAL
	}
	return m.wait(self, addr, val, timeout, bitset, 0)
}

// WaitWithWake is Wait, except that the slot wake is first delivered to
// wake in the same host transition that parks self. It is the handoff
// variant used when the caller owes exactly one wake before blocking,
// such as a condvar wait that released a contended mutex.
func (m *Manager) WaitWithWake(self uintptr, addr uintptr, val uint32, timeout *hostevent.TimeSpec, wake uintptr) error {
	return m.wait(self, addr, val, timeout, ^uint32(0), wake)
}

func (m *Manager) wait(self uintptr, addr uintptr, val uint32, timeout *hostevent.TimeSpec, bitset uint32, wake uintptr) error {
	if err := checkAddr(addr); err != nil {
		if wake != 0 {
			m.bridge.SetEvent(wake)
		}
		return err
	}

	w := &Waiter{slot: self, bitset: bitset}

	m.mu.lock()
	cur, err := m.target.LoadUint32(addr)
	if err != nil {
		m.mu.unlock()
		if wake != 0 {
			m.bridge.SetEvent(wake)
		}
		return err
	}
	if cur != val {
		m.mu.unlock()
		// The owed wake is delivered even on the EAGAIN path: the other
		// slot was dequeued by the caller and nobody else will wake it.
		if wake != 0 {
			m.bridge.SetEvent(wake)
		}
		return enclerr.EAGAIN
	}
	m.enqueueLocked(w, addr)
	m.mu.unlock()

	var (
		ret   int32
		errno unix.Errno
		st    hostevent.Status
	)
	if wake != 0 {
		ret, errno, st = m.bridge.SetWaitEvents(wake, self, timeout)
	} else {
		ret, errno, st = m.bridge.WaitEvent(self, timeout)
	}

	m.mu.lock()
	stillQueued := w.queued
	m.dequeueLocked(w)
	m.mu.unlock()

	if st != hostevent.StatusOK {
		return enclerr.ErrUnexpected
	}
	if ret == 0 {
		return nil
	}
	if !stillQueued {
		// A wake raced the host-side return: we were already chosen by a
		// waker (or a requeue target's waker) and its event is pending.
		// Treat the wait as satisfied; the pending event surfaces as a
		// spurious wake on some later wait, which is legal.
		return nil
	}
	switch errno {
	case unix.ETIMEDOUT:
		return enclerr.ETIMEDOUT
	case unix.EINTR:
		return enclerr.EINTR
	default:
		return enclerr.ErrUnexpected
	}
}

// Wake wakes up to n waiters on addr and returns the number woken.
func (m *Manager) Wake(addr uintptr, n int) (int, error) {
	return m.WakeBitset(addr, n, ^uint32(0))
}

// WakeBitset wakes up to n waiters on addr whose stored bitset intersects
// bitset, and returns the number woken. The count reports waiters removed
// from the queue, never host delivery; this is consistent across all wake
// forms.
func (m *Manager) WakeBitset(addr uintptr, n int, bitset uint32) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	if bitset == 0 {
		return 0, enclerr.EINVAL
	}
	if n <= 0 {
		return 0, nil
	}

	m.mu.lock()
	slots := m.collectLocked(addr, bitset, n)
	m.mu.unlock()

	m.dispatch(slots)
	return len(slots), nil
}

// WakeDeferred dequeues one waiter on addr without dispatching its host
// wake, returning the slot to wake and true if a waiter was found. The
// caller takes over delivery, either through SetEvent or merged into its
// own park via WaitWithWake. Failing to deliver strands the waiter until
// its timeout fires.
func (m *Manager) WakeDeferred(addr uintptr) (uintptr, bool, error) {
	if err := checkAddr(addr); err != nil {
		return 0, false, err
	}
	m.mu.lock()
	slots := m.collectLocked(addr, ^uint32(0), 1)
	m.mu.unlock()
	if len(slots) == 0 {
		return 0, false, nil
	}
	return slots[0], true, nil
}

// Requeue wakes up to nwake waiters on addr, moves up to nreq of the
// remaining waiters to naddr's queue without waking them, and returns the
// number woken.
func (m *Manager) Requeue(addr uintptr, nwake int, naddr uintptr, nreq int) (int, error) {
	return m.requeue(addr, nwake, naddr, nreq, false, 0)
}

// RequeueCmp is Requeue, except that it first atomically compares the word
// at addr to val and returns EAGAIN without touching any queue on
// mismatch.
func (m *Manager) RequeueCmp(addr uintptr, nwake int, naddr uintptr, nreq int, val uint32) (int, error) {
	return m.requeue(addr, nwake, naddr, nreq, true, val)
}

func (m *Manager) requeue(addr uintptr, nwake int, naddr uintptr, nreq int, checkval bool, val uint32) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	if err := checkAddr(naddr); err != nil {
		return 0, err
	}

	m.mu.lock()
	if checkval {
		cur, err := m.target.LoadUint32(addr)
		if err != nil {
			m.mu.unlock()
			return 0, err
		}
		if cur != val {
			m.mu.unlock()
			return 0, enclerr.EAGAIN
		}
	}

	slots := m.collectLocked(addr, ^uint32(0), nwake)

	// Move up to nreq of the remaining waiters, in order, rewriting their
	// queue address in place.
	if q := m.table[addr]; q != nil && addr != naddr {
		to := m.queueLocked(naddr)
		moved := 0
		for w := q.Front(); w != nil && moved < nreq; {
			req := w
			w = w.Next()
			q.Remove(req)
			req.addr = naddr
			to.PushBack(req)
			moved++
		}
		if q.Empty() {
			delete(m.table, addr)
		}
	}
	m.mu.unlock()

	m.dispatch(slots)
	return len(slots), nil
}

// WaitersOn returns the number of waiters currently queued on addr. It is
// a diagnostic; the answer may be stale by the time it is observed.
func (m *Manager) WaitersOn(addr uintptr) int {
	m.mu.lock()
	defer m.mu.unlock()
	if q := m.table[addr]; q != nil {
		return q.Len()
	}
	return 0
}

// Futex multiplex operation codes, as exposed to untrusted callers: the
// lower 4 bits of the op word select the operation; the remaining bits are
// flags and are preserved but not interpreted here.
const (
	OpWait       = 0
	OpWake       = 1
	OpRequeue    = 3
	OpCmpRequeue = 4
	OpWaitBitset = 9
	OpWakeBitset = 10

	opMask = 0xf
)

// Dispatch decodes a multiplexed futex call. val carries the comparand or
// wake count depending on the operation; val2 the second count for the
// requeue forms; val3 the bitset for the bitset forms. Comparands must fit
// the 32-bit signed range.
func (m *Manager) Dispatch(self uintptr, op uint32, addr uintptr, val uint64, timeout *hostevent.TimeSpec, naddr uintptr, val2 uint64, val3 uint64) (int, error) {
	switch op & opMask {
	case OpWait:
		if val > math.MaxInt32 {
			return 0, enclerr.EINVAL
		}
		return 0, m.Wait(self, addr, uint32(val), timeout)
	case OpWaitBitset:
		if val > math.MaxInt32 {
			return 0, enclerr.EINVAL
		}
		return 0, m.WaitBitset(self, addr, uint32(val), timeout, uint32(val3))
	case OpWake:
		return m.Wake(addr, clampCount(val))
	case OpWakeBitset:
		return m.WakeBitset(addr, clampCount(val), uint32(val3))
	case OpRequeue:
		return m.Requeue(addr, clampCount(val), naddr, clampCount(val2))
	case OpCmpRequeue:
		if val3 > math.MaxInt32 {
			return 0, enclerr.EINVAL
		}
		return m.RequeueCmp(addr, clampCount(val), naddr, clampCount(val2), uint32(val3))
	default:
		return 0, enclerr.EINVAL
	}
}

func clampCount(v uint64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}
