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
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/log"
)

// wakeRetries bounds the number of re-attempts of a failed wake-side host
// call. Wait-side calls are never retried: a waiter that failed to park
// must surface the failure so it can dequeue itself.
const wakeRetries = 3

var errHostCallFailed = errors.New("host call failed")

// Retry wraps a Bridge and retries transient failures of the wake-side
// calls (SetEvent, SetMultipleEvents) with bounded exponential backoff.
// Exhaustion is logged and swallowed: by the time a wake is dispatched the
// waiters are already off their queues, and spurious or lost host wakes
// are tolerated by every caller of the wait path (timeouts resolve hangs).
type Retry struct {
	next Bridge

	// warn rate-limits wake-failure logging so a misbehaving host cannot
	// flood the log from a hot unlock path.
	warn log.Logger
}

var _ Bridge = (*Retry)(nil)

// NewRetry returns a Retry bridge in front of next.
func NewRetry(next Bridge) *Retry {
	return &Retry{
		next: next,
		warn: log.BasicRateLimitedLogger(5 * time.Second),
	}
}

// policy returns the backoff schedule for one wake. Intervals are short:
// a waiter may be stranded until this wake lands.
func (r *Retry) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	return b
}

func (r *Retry) retryWake(name string, call func() (int32, unix.Errno, Status)) (int32, unix.Errno, Status) {
	var (
		ret   int32
		errno unix.Errno
		st    Status
	)
	op := func() error {
		ret, errno, st = call()
		if st != StatusOK {
			return errHostCallFailed
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(r.policy(), wakeRetries)); err != nil {
		r.warn.Warningf("%s failed after %d retries (status %d); dropping wake", name, wakeRetries, st)
	}
	return ret, errno, st
}

// WaitEvent implements Bridge.WaitEvent.
func (r *Retry) WaitEvent(slot uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	return r.next.WaitEvent(slot, timeout)
}

// SetEvent implements Bridge.SetEvent.
func (r *Retry) SetEvent(slot uintptr) (int32, unix.Errno, Status) {
	return r.retryWake("set_event", func() (int32, unix.Errno, Status) {
		return r.next.SetEvent(slot)
	})
}

// SetMultipleEvents implements Bridge.SetMultipleEvents.
func (r *Retry) SetMultipleEvents(slots []uintptr) (int32, unix.Errno, Status) {
	return r.retryWake("set_multiple_events", func() (int32, unix.Errno, Status) {
		return r.next.SetMultipleEvents(slots)
	})
}

// SetWaitEvents implements Bridge.SetWaitEvents.
func (r *Retry) SetWaitEvents(other, self uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	// The combined form parks; it follows the wait-side rule.
	return r.next.SetWaitEvents(other, self, timeout)
}
