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
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
)

// Once states. A failed initializer is recorded, never silently bypassed.
const (
	onceIncomplete = 0
	onceRunning    = 1
	onceComplete   = 2
	oncePoisoned   = 3
)

// Once is a one-shot initialization primitive. The first caller runs the
// initializer; concurrent callers park until it completes. If the
// initializer fails, returning an error or panicking, the Once poisons
// and every other call, concurrent or later, returns ErrPoisoned.
type Once struct {
	f     *futex.Manager
	state atomicbitops.Uint32
}

// NewOnce returns an incomplete Once waiting through f.
func NewOnce(f *futex.Manager) *Once {
	return &Once{f: f}
}

func (o *Once) addr() uintptr {
	return futex.WordAddr(o.state.Ptr())
}

// Done returns true iff a call has completed successfully.
func (o *Once) Done() bool {
	return o.state.Load() == onceComplete
}

// CallOnce runs fn if no call has completed or poisoned the Once yet.
// Every caller observes the same outcome: nil once fn completes, or
// ErrPoisoned forever after fn fails, whether it ran fn or waited on it.
// A panic in fn poisons the Once and re-panics on the initiating slot.
func (o *Once) CallOnce(self uintptr, fn func() error) error {
	for {
		switch o.state.Load() {
		case onceComplete:
			return nil
		case oncePoisoned:
			return enclerr.ErrPoisoned
		case onceIncomplete:
			if o.state.CompareAndSwap(onceIncomplete, onceRunning) {
				return o.run(fn)
			}
		case onceRunning:
			err := o.f.Wait(self, o.addr(), onceRunning, nil)
			if err != nil && err != enclerr.EAGAIN {
				return err
			}
		}
	}
}

func (o *Once) run(fn func() error) error {
	completed := false
	defer func() {
		if completed {
			return
		}
		// fn panicked; poison, hand off to waiters, and let the panic
		// continue unwinding on this slot.
		o.finish(oncePoisoned)
	}()

	if err := fn(); err != nil {
		completed = true
		o.finish(oncePoisoned)
		return enclerr.ErrPoisoned
	}
	completed = true
	o.finish(onceComplete)
	return nil
}

func (o *Once) finish(state uint32) {
	o.state.Store(state)
	o.f.Wake(o.addr(), int(^uint32(0)>>1))
}
