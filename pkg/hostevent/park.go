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

package hostevent

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Park is an in-process implementation of Bridge: one parker per slot,
// with the at-most-one-pending-wake semantics the host contract requires.
// It is the reference host used by tests and by simulation mode; a real
// loader links its own Bridge against the untrusted ABI.
type Park struct {
	mu    sync.Mutex
	slots map[uintptr]*parker
}

var _ Bridge = (*Park)(nil)

// parker is a capacity-1 channel; a buffered element is the single
// pending wake.
type parker struct {
	wake chan struct{}
}

// NewPark returns a Park with no slots registered.
func NewPark() *Park {
	return &Park{slots: make(map[uintptr]*parker)}
}

// AddSlot registers a slot identifier with the parker. Duplicate adds are
// idempotent.
func (p *Park) AddSlot(slot uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[slot]; !ok {
		p.slots[slot] = &parker{wake: make(chan struct{}, 1)}
	}
}

func (p *Park) parker(slot uintptr) *parker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slot]
}

// WaitEvent implements Bridge.WaitEvent.
func (p *Park) WaitEvent(slot uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	pk := p.parker(slot)
	if pk == nil {
		return -1, unix.EINVAL, StatusOK
	}
	if timeout == nil {
		<-pk.wake
		return 0, 0, StatusOK
	}
	t := time.NewTimer(timeout.Duration())
	defer t.Stop()
	select {
	case <-pk.wake:
		return 0, 0, StatusOK
	case <-t.C:
		return -1, unix.ETIMEDOUT, StatusOK
	}
}

// SetEvent implements Bridge.SetEvent.
func (p *Park) SetEvent(slot uintptr) (int32, unix.Errno, Status) {
	pk := p.parker(slot)
	if pk == nil {
		return -1, unix.EINVAL, StatusOK
	}
	// Record at most one pending wake.
	select {
	case pk.wake <- struct{}{}:
	default:
	}
	return 0, 0, StatusOK
}

// SetMultipleEvents implements Bridge.SetMultipleEvents.
func (p *Park) SetMultipleEvents(slots []uintptr) (int32, unix.Errno, Status) {
	for _, s := range slots {
		if ret, errno, st := p.SetEvent(s); st != StatusOK || ret != 0 {
			return ret, errno, st
		}
	}
	return 0, 0, StatusOK
}

// SetWaitEvents implements Bridge.SetWaitEvents.
func (p *Park) SetWaitEvents(other, self uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	if ret, errno, st := p.SetEvent(other); st != StatusOK || ret != 0 {
		return ret, errno, st
	}
	return p.WaitEvent(self, timeout)
}
