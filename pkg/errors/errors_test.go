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

package errors

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestError(t *testing.T) {
	e := New(unix.EAGAIN, "operation would block")
	if got := e.Error(); got != "operation would block" {
		t.Errorf("Error: got %q", got)
	}
	if got := e.Errno(); got != unix.EAGAIN {
		t.Errorf("Errno: got %v, wanted EAGAIN", got)
	}
}

func TestIdentityComparison(t *testing.T) {
	// Two errors with the same errno are still distinct values; callers
	// compare against the canonical instances.
	a := New(unix.EINVAL, "a")
	b := New(unix.EINVAL, "b")
	if a == b {
		t.Error("distinct errors compare equal")
	}
	var err error = a
	if err != a {
		t.Error("canonical instance does not compare equal to itself through error")
	}
}
