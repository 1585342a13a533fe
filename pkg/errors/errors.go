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

// Package errors holds the standardized error definition for the enclave
// runtime. Errors are allocated once and compared by pointer, which keeps
// the hot paths (futex wait loops, lock slow paths) free of allocation.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error represents a runtime error with an associated errno to report
// through the untrusted ABI.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(errno unix.Errno, message string) *Error {
	return &Error{
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the errno reported across the enclave boundary for this
// error. It is zero for errors that have no errno equivalent.
func (e *Error) Errno() unix.Errno { return e.errno }
