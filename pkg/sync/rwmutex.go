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

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
)

// RWMutex state word layout, least significant bit first:
//
//	bit 0      write-locked flag
//	bits 1-30  reader count
//	bit 31     writer-waiting flag (advisory; mitigates reader starvation)
const (
	rwWriteLocked   = 1 << 0
	rwReaderUnit    = 1 << 1
	rwReaderMask    = 1<<31 - 2
	rwWriterWaiting = 1 << 31
)

// RWMutex is a reader-writer lock on a single futex word. Readers share,
// a writer excludes everyone. A pending writer sets the advisory
// writer-waiting flag, which makes newly arriving readers wait; fairness
// beyond that is whatever the host scheduler provides.
type RWMutex struct {
	f    *futex.Manager
	word atomicbitops.Uint32
}

// NewRWMutex returns an unlocked RWMutex waiting through f.
func NewRWMutex(f *futex.Manager) *RWMutex {
	return &RWMutex{f: f}
}

func (rw *RWMutex) addr() uintptr {
	return futex.WordAddr(rw.word.Ptr())
}

// TryRLock attempts to acquire the lock for reading without blocking.
func (rw *RWMutex) TryRLock() bool {
	s := rw.word.Load()
	if s&(rwWriteLocked|rwWriterWaiting) != 0 || s&rwReaderMask == rwReaderMask {
		return false
	}
	return rw.word.CompareAndSwap(s, s+rwReaderUnit)
}

// RLock acquires the lock for reading, waiting while a writer holds the
// lock or is queued behind the writer-waiting flag.
func (rw *RWMutex) RLock(self uintptr) error {
	for {
		s := rw.word.Load()
		if s&(rwWriteLocked|rwWriterWaiting) != 0 {
			err := rw.f.Wait(self, rw.addr(), s, nil)
			if err != nil && err != enclerr.EAGAIN {
				return err
			}
			continue
		}
		if s&rwReaderMask == rwReaderMask {
			return enclerr.EAGAIN
		}
		if rw.word.CompareAndSwap(s, s+rwReaderUnit) {
			return nil
		}
	}
}

// RUnlock releases a read hold. The last reader out wakes one waiter if a
// writer is flagged.
func (rw *RWMutex) RUnlock() {
	for {
		s := rw.word.Load()
		ns := s - rwReaderUnit
		if !rw.word.CompareAndSwap(s, ns) {
			continue
		}
		if ns&rwReaderMask == 0 && ns&rwWriterWaiting != 0 {
			rw.f.Wake(rw.addr(), 1)
		}
		return
	}
}

// TryLock attempts to acquire the lock for writing without blocking.
func (rw *RWMutex) TryLock() bool {
	s := rw.word.Load()
	if s&(rwWriteLocked|rwReaderMask) != 0 {
		return false
	}
	// Acquiring clears the advisory writer-waiting flag.
	return rw.word.CompareAndSwap(s, rwWriteLocked)
}

// Lock acquires the lock for writing, flagging writer-waiting while any
// reader or another writer is inside.
func (rw *RWMutex) Lock(self uintptr) error {
	flagged := false
	for {
		s := rw.word.Load()
		if s&(rwWriteLocked|rwReaderMask) == 0 {
			if rw.word.CompareAndSwap(s, rwWriteLocked) {
				return nil
			}
			continue
		}
		if s&rwWriterWaiting == 0 {
			if !rw.word.CompareAndSwap(s, s|rwWriterWaiting) {
				continue
			}
			s |= rwWriterWaiting
			flagged = true
		}
		if err := rw.f.Wait(self, rw.addr(), s, nil); err != nil && err != enclerr.EAGAIN {
			// Best-effort: do not leave readers fenced out behind a
			// writer that gave up. A concurrent writer re-flags on its
			// next pass.
			if flagged {
				rw.clearWriterWaiting()
			}
			return err
		}
	}
}

// Unlock releases a write hold and wakes everyone: readers may proceed in
// parallel.
func (rw *RWMutex) Unlock() {
	for {
		s := rw.word.Load()
		if rw.word.CompareAndSwap(s, s&^rwWriteLocked) {
			break
		}
	}
	rw.f.Wake(rw.addr(), math.MaxInt32)
}

func (rw *RWMutex) clearWriterWaiting() {
	for {
		s := rw.word.Load()
		if s&rwWriterWaiting == 0 || rw.word.CompareAndSwap(s, s&^rwWriterWaiting) {
			return
		}
	}
}
