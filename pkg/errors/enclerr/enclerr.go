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

// Package enclerr contains the canonical error values returned by the
// enclave runtime core. The values are exported as error interface
// pointers, which allows for fast comparison and return operations.
package enclerr

import (
	"golang.org/x/sys/unix"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors"
)

// The following errors cover the recoverable failure kinds of the core.
// Comparison is by pointer identity, never by message.
var (
	// EAGAIN is returned when a futex word did not hold the expected
	// value, or when a try-lock found the primitive held.
	EAGAIN = errors.New(unix.EAGAIN, "resource temporarily unavailable")

	// ETIMEDOUT is returned when a timed wait elapses without a wake. It
	// is a normal return, not a fault.
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "timed out")

	// EINTR is returned when the enclave's cooperative cancellation
	// signal is observed at a host-crossing point.
	EINTR = errors.New(unix.EINTR, "interrupted")

	// EINVAL indicates an invalid parameter: an out-of-range value, a
	// zero bitset, a misaligned futex word, a malformed timeout.
	EINVAL = errors.New(unix.EINVAL, "invalid argument")

	// EFAULT indicates a nil or otherwise unusable address.
	EFAULT = errors.New(unix.EFAULT, "bad address")

	// ESRCH indicates an execution slot unknown to the registry.
	ESRCH = errors.New(unix.ESRCH, "no such slot")

	// EBUSY indicates a primitive that cannot be torn down or
	// reinitialized because threads are still using it.
	EBUSY = errors.New(unix.EBUSY, "resource busy")

	// ENOMEM indicates resource exhaustion: the thread-local key bitmap
	// is full, or the exception handler list is at its cap.
	ENOMEM = errors.New(unix.ENOMEM, "out of resources")

	// EACCES indicates an operation forbidden by the calling slot's
	// binding policy, such as allocating a destructor-bearing
	// thread-local key from an unbound slot.
	EACCES = errors.New(unix.EACCES, "operation not permitted by binding policy")

	// EPERM indicates an operation reserved to the owner of a primitive,
	// such as unlocking a reentrant mutex from a non-owning slot.
	EPERM = errors.New(unix.EPERM, "operation not permitted")
)

// The following errors have no direct errno analogue.
var (
	// ErrUnexpected is returned when a host call itself failed, as
	// opposed to running and reporting a result.
	ErrUnexpected = errors.New(0, "unexpected host call failure")

	// ErrPoisoned is returned by operations against a once or mutex
	// whose prior critical section failed unrecoverably.
	ErrPoisoned = errors.New(0, "primitive poisoned by earlier failure")
)
