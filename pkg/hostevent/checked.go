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
	"golang.org/x/sys/unix"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
)

// Checked wraps a Bridge with the argument-validation and cancellation
// discipline required before any host crossing:
//
//   - caller-supplied timeouts are copied by value before dispatch, so the
//     host can never read a pointer that could be retargeted mid-call;
//   - malformed timeouts are rejected without crossing;
//   - the enclave's cooperative cancellation word is checked on entry and
//     again on wake, surfacing EINTR without further blocking.
type Checked struct {
	next Bridge

	// cancel is the enclave-wide cancellation word. Nonzero means any
	// in-flight or future blocking call returns interrupted.
	cancel *atomicbitops.Uint32
}

var _ Bridge = (*Checked)(nil)

// NewChecked returns a Checked bridge in front of next. cancel may be nil,
// in which case cancellation is never signaled.
func NewChecked(next Bridge, cancel *atomicbitops.Uint32) *Checked {
	return &Checked{next: next, cancel: cancel}
}

func (c *Checked) cancelled() bool {
	return c.cancel != nil && c.cancel.Load() != 0
}

// copyTimeout validates ts and copies it onto the caller's stack.
func copyTimeout(ts *TimeSpec) (*TimeSpec, bool) {
	if ts == nil {
		return nil, true
	}
	if !ts.Valid() {
		return nil, false
	}
	local := *ts
	return &local, true
}

// WaitEvent implements Bridge.WaitEvent.
func (c *Checked) WaitEvent(slot uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	ts, ok := copyTimeout(timeout)
	if !ok {
		return -1, unix.EINVAL, StatusOK
	}
	if c.cancelled() {
		return -1, unix.EINTR, StatusOK
	}
	ret, errno, st := c.next.WaitEvent(slot, ts)
	if st == StatusOK && ret == 0 && c.cancelled() {
		return -1, unix.EINTR, StatusOK
	}
	return ret, errno, st
}

// SetEvent implements Bridge.SetEvent.
func (c *Checked) SetEvent(slot uintptr) (int32, unix.Errno, Status) {
	return c.next.SetEvent(slot)
}

// SetMultipleEvents implements Bridge.SetMultipleEvents.
func (c *Checked) SetMultipleEvents(slots []uintptr) (int32, unix.Errno, Status) {
	if len(slots) == 0 {
		return 0, 0, StatusOK
	}
	return c.next.SetMultipleEvents(slots)
}

// SetWaitEvents implements Bridge.SetWaitEvents.
func (c *Checked) SetWaitEvents(other, self uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	ts, ok := copyTimeout(timeout)
	if !ok {
		return -1, unix.EINVAL, StatusOK
	}
	if c.cancelled() {
		// The wake half must still be delivered: the other slot has
		// already been dequeued by the caller and nobody else will
		// wake it.
		c.next.SetEvent(other)
		return -1, unix.EINTR, StatusOK
	}
	ret, errno, st := c.next.SetWaitEvents(other, self, ts)
	if st == StatusOK && ret == 0 && c.cancelled() {
		return -1, unix.EINTR, StatusOK
	}
	return ret, errno, st
}
