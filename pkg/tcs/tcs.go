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

// Package tcs tracks the enclave's hardware execution slots: which exist,
// how their thread-locals are bound, and the per-slot bookkeeping that
// guards the trust boundary (stack-guard cookie, ocall frame chain,
// aex-notify flag). The registry is built once from the table the
// untrusted loader publishes at enclave creation.
package tcs

import (
	"fmt"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/log"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/rand"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/tls"
)

// Binding is a slot's thread-local binding policy.
type Binding int

const (
	// Bound slots keep their locals across ecalls; destructors run on
	// explicit teardown.
	Bound Binding = iota

	// Unbound slots serve each ecall fresh; destructors run at every
	// ecall return.
	Unbound
)

func (b Binding) String() string {
	switch b {
	case Bound:
		return "bound"
	case Unbound:
		return "unbound"
	default:
		return fmt.Sprintf("invalid binding %d", int(b))
	}
}

// SlotConfig is one entry of the loader-published slot table.
type SlotConfig struct {
	// ControlPage is the address of the slot's hardware control page.
	// Opaque in here; the host may inspect it.
	ControlPage uintptr

	// Binding is the slot's binding policy.
	Binding Binding

	// StackBase and StackSize delimit the slot's reserved stack region.
	// A zero StackSize disables frame containment checking for the slot.
	StackBase uintptr
	StackSize uintptr
}

// Slot is the in-enclave record of one execution slot. Entry/exit and
// ocall bookkeeping are only ever touched by the thread running on the
// slot; the aex-notify flag may be set from elsewhere and is atomic.
type Slot struct {
	id      uintptr
	control uintptr
	binding Binding

	stackBase uintptr
	stackSize uintptr

	// guard is the stack-guard cookie, the process-wide random word.
	// Set on first entry; never changes for a live slot.
	guard uint64

	// lastSP is the address of the most recent ocall frame, zero when
	// the slot is not inside an ocall. depth is the ocall nesting depth.
	lastSP uintptr
	depth  uint32

	// entryChain records the caller-provided entry frame pointer of each
	// nested ecall on this slot.
	entryChain []uintptr

	aexNotify atomicbitops.Bool
	rearm     func(*Slot)

	entered bool
	locals  tls.Storage
}

// ID returns the slot identifier used across the host bridge. Identifiers
// are nonzero; zero means "no slot".
func (s *Slot) ID() uintptr { return s.id }

// ControlPage returns the address of the slot's control page.
func (s *Slot) ControlPage() uintptr { return s.control }

// Binding returns the slot's binding policy.
func (s *Slot) Binding() Binding { return s.binding }

// GuardCookie returns the stack-guard cookie, zero before first entry.
func (s *Slot) GuardCookie() uint64 { return s.guard }

// Locals returns the slot's thread-local storage.
func (s *Slot) Locals() *tls.Storage { return &s.locals }

// InOcall returns true while the slot is inside a host crossing.
func (s *Slot) InOcall() bool { return s.depth != 0 }

// SetAexNotify flags the slot as having been preempted in a
// security-sensitive region; the next ocall return re-arms notification.
func (s *Slot) SetAexNotify() { s.aexNotify.Store(true) }

// AexNotify returns the current flag value.
func (s *Slot) AexNotify() bool { return s.aexNotify.Load() }

// Registry maps control pages to slots. It is built once and read-only
// afterwards, so lookups need no locking.
type Registry struct {
	guard     uint64
	byControl map[uintptr]*Slot
	slots     []*Slot

	// slotInit, if set, runs once per slot on its first entry.
	slotInit func(*Slot) error
}

// RegistryOptions configures NewRegistry.
type RegistryOptions struct {
	// SlotInit runs once per slot on the slot's first ecall entry.
	SlotInit func(*Slot) error

	// AexRearm re-enables asynchronous-exit notification for a slot. It
	// is invoked on ocall return when the slot's aex-notify flag is set.
	AexRearm func(*Slot)
}

// NewRegistry builds the slot registry from the loader-published table.
// Slot identifiers are assigned in table order starting at 1.
func NewRegistry(table []SlotConfig, opts RegistryOptions) (*Registry, error) {
	if len(table) == 0 {
		return nil, enclerr.EINVAL
	}
	guard, err := rand.Word()
	if err != nil {
		return nil, enclerr.ErrUnexpected
	}
	r := &Registry{
		guard:     guard,
		byControl: make(map[uintptr]*Slot, len(table)),
		slotInit:  opts.SlotInit,
	}
	for i, cfg := range table {
		if cfg.ControlPage == 0 {
			return nil, enclerr.EINVAL
		}
		if _, dup := r.byControl[cfg.ControlPage]; dup {
			return nil, enclerr.EINVAL
		}
		s := &Slot{
			id:        uintptr(i + 1),
			control:   cfg.ControlPage,
			binding:   cfg.Binding,
			stackBase: cfg.StackBase,
			stackSize: cfg.StackSize,
			rearm:     opts.AexRearm,
		}
		r.byControl[cfg.ControlPage] = s
		r.slots = append(r.slots, s)
	}
	log.Infof("tcs: registry built with %d slots", len(table))
	return r, nil
}

// Slots returns all slots in identifier order.
func (r *Registry) Slots() []*Slot { return r.slots }

// Lookup resolves a control page address to its slot.
func (r *Registry) Lookup(control uintptr) (*Slot, error) {
	s, ok := r.byControl[control]
	if !ok {
		return nil, enclerr.ESRCH
	}
	return s, nil
}

// Enter is the ecall entry trampoline: resolve the slot, run first-entry
// initialization if needed, and record the caller-provided entry frame
// pointer as a new link in the entry chain. The caller dispatches the
// ecall and must pair this with Exit.
func (r *Registry) Enter(control uintptr, entrySP uintptr) (*Slot, error) {
	s, err := r.Lookup(control)
	if err != nil {
		return nil, err
	}
	if !s.entered {
		s.guard = r.guard
		s.lastSP = 0
		s.depth = 0
		if r.slotInit != nil {
			if err := r.slotInit(s); err != nil {
				return nil, err
			}
		}
		s.entered = true
		log.Debugf("tcs: slot %d first entry (%v)", s.id, s.binding)
	}
	s.entryChain = append(s.entryChain, entrySP)
	return s, nil
}

// Exit tears down the entry recorded by Enter. An unbound slot's locals
// are drained and reset now; a bound slot keeps them until Teardown. A
// slot returning from its entry trampoline must not be inside an ocall.
func (r *Registry) Exit(s *Slot, keys *tls.Registry) {
	if s.depth != 0 || s.lastSP != 0 {
		fatalf("tcs: slot %d returned from ecall inside an ocall (depth %d)", s.id, s.depth)
	}
	if len(s.entryChain) == 0 {
		fatalf("tcs: slot %d exit without matching entry", s.id)
	}
	s.entryChain = s.entryChain[:len(s.entryChain)-1]
	if s.binding == Unbound && len(s.entryChain) == 0 {
		s.locals.Drain(keys)
		s.locals.Reset()
	}
}

// Teardown runs a bound slot's destructors. It is the explicit
// counterpart of the unbound drain at ecall return.
func (r *Registry) Teardown(s *Slot, keys *tls.Registry) {
	s.locals.Drain(keys)
	s.locals.Reset()
}

// fatalf reports an unrecoverable trust-boundary violation and aborts the
// enclave.
func fatalf(format string, v ...any) {
	log.Warningf(format, v...)
	panic(fmt.Sprintf(format, v...))
}
