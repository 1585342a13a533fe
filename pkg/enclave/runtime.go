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

// Package enclave ties the runtime together: the host event bridge stack,
// the futex manager built on it, the TCS registry, thread-local key space,
// the exception handler chain, and the enclave-wide cancellation word.
package enclave

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/exception"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/futex"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/hostevent"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/log"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/tcs"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/tls"
)

// Options configures runtime construction.
type Options struct {
	// Bridge is the raw host event bridge. Required.
	Bridge hostevent.Bridge

	// Slots is the loader-published TCS slot table. Required.
	Slots []tcs.SlotConfig

	// Init is the init blob from the host's first ecall. Optional for
	// tests; production entry always supplies it.
	Init *InitInfo

	// SlotInit runs once per slot on its first entry.
	SlotInit func(*tcs.Slot) error

	// LogSink redirects global logging to the embedder's sink, typically
	// an untrusted buffer drained by the host. Optional; nil leaves the
	// default target in place.
	LogSink io.Writer

	// LogFormat selects the emitter for LogSink: "text" (the default) or
	// "json", one object per line for host-side collectors.
	LogFormat string
}

// Runtime is the per-enclave runtime state. All cross-thread machinery
// hangs off it; there is exactly one per process, installed by the first
// ecall.
type Runtime struct {
	info   *InitInfo
	cancel atomicbitops.Uint32

	bridge hostevent.Bridge
	futex  *futex.Manager
	slots  *tcs.Registry
	keys   *tls.Registry
	excs   *exception.Registry
}

// New builds a runtime over the given bridge and slot table. The bridge
// is wrapped with wake retries and then cancellation filtering, in that
// order, so a cancelled waiter never spins in the retry layer.
func New(opts Options) (*Runtime, error) {
	if opts.Bridge == nil || len(opts.Slots) == 0 {
		return nil, enclerr.EINVAL
	}
	if opts.LogSink != nil {
		w := &log.Writer{Next: opts.LogSink}
		switch opts.LogFormat {
		case "", "text":
			log.SetTarget(log.TextEmitter{Writer: w})
		case "json":
			log.SetTarget(log.JSONEmitter{Writer: w})
		default:
			return nil, enclerr.EINVAL
		}
	}
	r := &Runtime{info: opts.Init}
	r.bridge = hostevent.NewChecked(hostevent.NewRetry(opts.Bridge), &r.cancel)
	r.futex = futex.NewManager(r.bridge, nil)
	r.keys = tls.NewRegistry()

	excs, err := exception.NewRegistry()
	if err != nil {
		return nil, err
	}
	r.excs = excs

	slots, err := tcs.NewRegistry(opts.Slots, tcs.RegistryOptions{
		SlotInit: opts.SlotInit,
		AexRearm: func(s *tcs.Slot) {
			log.Debugf("tcs: re-arming aex-notify on slot %d", s.ID())
		},
	})
	if err != nil {
		return nil, err
	}
	r.slots = slots

	if opts.Init != nil {
		log.Infof("enclave %d initialized, path %q, %d slots",
			opts.Init.EnclaveID, opts.Init.Path, len(opts.Slots))
	}
	return r, nil
}

// Info returns the launch information, nil if the runtime was built
// without it.
func (r *Runtime) Info() *InitInfo { return r.info }

// Bridge returns the checked bridge stack.
func (r *Runtime) Bridge() hostevent.Bridge { return r.bridge }

// Futex returns the futex manager.
func (r *Runtime) Futex() *futex.Manager { return r.futex }

// Slots returns the TCS registry.
func (r *Runtime) Slots() *tcs.Registry { return r.slots }

// Keys returns the thread-local key registry.
func (r *Runtime) Keys() *tls.Registry { return r.keys }

// Exceptions returns the exception handler registry.
func (r *Runtime) Exceptions() *exception.Registry { return r.excs }

// Cancel sets the enclave-wide cancellation word. Every blocked and
// future host event wait observes it and fails with EINTR.
func (r *Runtime) Cancel() {
	if r.cancel.Swap(1) == 0 {
		log.Infof("enclave cancellation requested")
	}
}

// Cancelled reports whether Cancel has been called.
func (r *Runtime) Cancelled() bool { return r.cancel.Load() != 0 }

// Ecall is the trusted entry trampoline: it resolves the calling TCS,
// records the entry stack pointer, runs fn, and unwinds. Unbound slots
// get their thread-locals drained on the way out.
func (r *Runtime) Ecall(control, entrySP uintptr, fn func(*tcs.Slot) error) error {
	s, err := r.slots.Enter(control, entrySP)
	if err != nil {
		return err
	}
	defer r.slots.Exit(s, r.keys)
	return fn(s)
}

// HandleException runs the handler chain for info. An unhandled
// exception is fatal to the enclave.
func (r *Runtime) HandleException(info *exception.Info) {
	if !r.excs.Dispatch(info) {
		log.Warningf("unhandled exception: vector %d code %d addr %#x",
			info.Vector, info.Code, info.Addr)
		panic(fmt.Sprintf("unhandled enclave exception, vector %d", info.Vector))
	}
}

// Global runtime bootstrap. The blocking Once in pkg/sync needs a futex
// manager, which does not exist until the runtime is built, so the
// install path uses a plain CAS spin instead.
var (
	installState atomicbitops.Uint32 // 0 empty, 1 installing, 2 installed
	installed    atomic.Pointer[Runtime]
)

// Install builds the global runtime on the first call and returns it;
// concurrent callers wait for the winner. Later calls ignore opts.
func Install(opts Options) (*Runtime, error) {
	for {
		switch installState.Load() {
		case 2:
			return installed.Load(), nil
		case 0:
			if !installState.CompareAndSwap(0, 1) {
				continue
			}
			r, err := New(opts)
			if err != nil {
				installState.Store(0)
				return nil, err
			}
			installed.Store(r)
			installState.Store(2)
			return r, nil
		default:
			runtime.Gosched()
		}
	}
}

// Current returns the installed runtime, nil before the first ecall.
func Current() *Runtime {
	if installState.Load() != 2 {
		return nil
	}
	return installed.Load()
}
