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

// Package hostevent defines the bridge the enclave uses to park and wake
// execution slots on the untrusted host. These are the only calls on which
// enclave execution may suspend; everything above them (the futex, and the
// sync primitives above the futex) reduces blocking to this interface.
//
// The untrusted ABI is four functions, linked by name. Argument order is
// part of the ABI and must be preserved bit-exactly when interoperating
// with an existing loader:
//
//	wait_event(          out_result *i32, out_errno *i32,
//	                     slot usize, timeout *TimeSpec) -> Status
//	set_event(           out_result *i32, out_errno *i32,
//	                     slot usize) -> Status
//	set_multiple_events( out_result *i32, out_errno *i32,
//	                     slots *usize, count usize) -> Status
//	setwait_events(      out_result *i32, out_errno *i32,
//	                     other usize, self usize, timeout *TimeSpec) -> Status
//
// The Go projection below returns the two out-parameters instead of
// writing through pointers.
package hostevent

import (
	"golang.org/x/sys/unix"
)

// Status is the return value of a host call. It reports whether the host
// call itself executed, not the outcome of the requested operation; the
// outcome lives in (result, errno).
type Status int32

// StatusOK means the host call executed. Any other value means the call
// machinery failed and (result, errno) are meaningless.
const StatusOK Status = 0

// Bridge is the set of boundary crossings used to park and wake slots.
//
// Host-side contract:
//
//   - WaitEvent parks the calling host thread until a matching SetEvent
//     fires or the timeout elapses. Result 0 on wake; nonzero result with
//     errno ETIMEDOUT on timeout.
//
//   - SetEvent wakes the parked thread associated with slot, if any.
//     Setting an event for an unparked slot records one pending wake, at
//     most one; the next WaitEvent consumes it and returns immediately.
//
//   - SetMultipleEvents is equivalent to one SetEvent per entry,
//     atomically from the caller's perspective.
//
//   - SetWaitEvents sets an event for other and parks self in a single
//     host transition. It exists so that a thread that owes exactly one
//     wake before blocking (condvar wait releasing a contended mutex) can
//     hand off the CPU without a wake-storm.
type Bridge interface {
	WaitEvent(slot uintptr, timeout *TimeSpec) (int32, unix.Errno, Status)
	SetEvent(slot uintptr) (int32, unix.Errno, Status)
	SetMultipleEvents(slots []uintptr) (int32, unix.Errno, Status)
	SetWaitEvents(other, self uintptr, timeout *TimeSpec) (int32, unix.Errno, Status)
}
