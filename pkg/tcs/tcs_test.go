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

package tcs

import (
	"testing"
	"unsafe"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/tls"
)

const (
	ctlA = uintptr(0x1000)
	ctlB = uintptr(0x2000)
)

func newTestRegistry(t *testing.T, table []SlotConfig, opts RegistryOptions) *Registry {
	t.Helper()
	r, err := NewRegistry(table, opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func twoSlots() []SlotConfig {
	return []SlotConfig{
		{ControlPage: ctlA, Binding: Bound},
		{ControlPage: ctlB, Binding: Unbound},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(nil, RegistryOptions{}); err != enclerr.EINVAL {
		t.Errorf("empty table: got %v, wanted EINVAL", err)
	}
	if _, err := NewRegistry([]SlotConfig{{ControlPage: 0}}, RegistryOptions{}); err != enclerr.EINVAL {
		t.Errorf("zero control page: got %v, wanted EINVAL", err)
	}
	dup := []SlotConfig{{ControlPage: ctlA}, {ControlPage: ctlA}}
	if _, err := NewRegistry(dup, RegistryOptions{}); err != enclerr.EINVAL {
		t.Errorf("duplicate control page: got %v, wanted EINVAL", err)
	}
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})

	s, err := r.Lookup(ctlA)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.ID() != 1 || s.Binding() != Bound {
		t.Errorf("slot: got id %d binding %v, wanted 1 bound", s.ID(), s.Binding())
	}
	if _, err := r.Lookup(0x3000); err != enclerr.ESRCH {
		t.Errorf("Lookup of unknown control page: got %v, wanted ESRCH", err)
	}
}

func TestGuardCookie(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})

	a, _ := r.Lookup(ctlA)
	if a.GuardCookie() != 0 {
		t.Error("guard cookie set before first entry")
	}

	s, err := r.Enter(ctlA, 0x100)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	g := s.GuardCookie()
	if g == 0 {
		t.Fatal("guard cookie zero after first entry")
	}
	keys := tls.NewRegistry()
	r.Exit(s, keys)

	// Stable across entries, shared across slots.
	s, _ = r.Enter(ctlA, 0x100)
	if s.GuardCookie() != g {
		t.Error("guard cookie changed across entries")
	}
	r.Exit(s, keys)
	b, _ := r.Enter(ctlB, 0x200)
	if b.GuardCookie() != g {
		t.Error("guard cookie differs between slots")
	}
	r.Exit(b, keys)
}

func TestSlotInitRunsOnce(t *testing.T) {
	inits := 0
	r := newTestRegistry(t, twoSlots(), RegistryOptions{
		SlotInit: func(s *Slot) error { inits++; return nil },
	})
	keys := tls.NewRegistry()

	for i := 0; i < 3; i++ {
		s, err := r.Enter(ctlA, 0x100)
		if err != nil {
			t.Fatalf("Enter: %v", err)
		}
		r.Exit(s, keys)
	}
	if inits != 1 {
		t.Errorf("slot init runs: got %d, wanted 1", inits)
	}
}

func TestUnboundDrainAtExit(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})
	keys := tls.NewRegistry()

	drained := 0
	k, err := keys.Allocate(func(unsafe.Pointer) { drained++ }, true)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	s, _ := r.Enter(ctlB, 0x200)
	x := 0
	if err := s.Locals().Set(keys, k, unsafe.Pointer(&x)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	r.Exit(s, keys)
	if drained != 1 {
		t.Errorf("unbound drain at ecall return: got %d calls, wanted 1", drained)
	}

	// Bound slots keep locals until explicit teardown.
	s, _ = r.Enter(ctlA, 0x100)
	if err := s.Locals().Set(keys, k, unsafe.Pointer(&x)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	r.Exit(s, keys)
	if drained != 1 {
		t.Errorf("bound slot drained at ecall return: got %d calls, wanted 1", drained)
	}
	r.Teardown(s, keys)
	if drained != 2 {
		t.Errorf("bound teardown: got %d calls, wanted 2", drained)
	}
}

func TestNestedEntries(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})
	keys := tls.NewRegistry()

	drained := 0
	k, _ := keys.Allocate(func(unsafe.Pointer) { drained++ }, true)

	s, _ := r.Enter(ctlB, 0x200)
	x := 0
	s.Locals().Set(keys, k, unsafe.Pointer(&x))
	// A nested ecall on the same slot.
	if _, err := r.Enter(ctlB, 0x300); err != nil {
		t.Fatalf("nested Enter: %v", err)
	}
	r.Exit(s, keys)
	// Inner exit must not drain while the outer entry is live.
	if drained != 0 {
		t.Errorf("drain after inner exit: got %d calls, wanted 0", drained)
	}
	r.Exit(s, keys)
	if drained != 1 {
		t.Errorf("drain after outer exit: got %d calls, wanted 1", drained)
	}
}

func TestOcallFrameChain(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})
	s, _ := r.Enter(ctlA, 0x100)

	var outer, inner OcallFrame
	s.BeginOcall(&outer)
	if !s.InOcall() {
		t.Error("InOcall false inside an ocall")
	}
	if outer.Magic != ocallFrameMagic || outer.Depth != 1 || outer.PrevSP != 0 {
		t.Errorf("outer frame: got %+v", outer)
	}

	s.BeginOcall(&inner)
	if inner.Depth != 2 || inner.PrevSP != s.frameAddr(&outer) {
		t.Errorf("inner frame: got %+v", inner)
	}

	s.EndOcall(&inner)
	if inner.Magic != 0 {
		t.Error("frame magic not cleared on return")
	}
	s.EndOcall(&outer)
	if s.InOcall() {
		t.Error("InOcall true after last ocall returned")
	}
	r.Exit(s, tls.NewRegistry())
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestOcallFrameTampering(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})

	t.Run("magic", func(t *testing.T) {
		s, _ := r.Enter(ctlA, 0x100)
		var f OcallFrame
		s.BeginOcall(&f)
		f.Magic = 0xdead
		expectPanic(t, "EndOcall with corrupt magic", func() { s.EndOcall(&f) })
	})

	t.Run("depth", func(t *testing.T) {
		s, _ := r.Enter(ctlB, 0x200)
		var f OcallFrame
		s.BeginOcall(&f)
		f.Depth = 7
		expectPanic(t, "EndOcall with corrupt depth", func() { s.EndOcall(&f) })
	})
}

func TestExitInsideOcall(t *testing.T) {
	r := newTestRegistry(t, twoSlots(), RegistryOptions{})
	s, _ := r.Enter(ctlA, 0x100)
	var f OcallFrame
	s.BeginOcall(&f)
	expectPanic(t, "Exit inside an ocall", func() { r.Exit(s, tls.NewRegistry()) })
}

func TestAexNotifyRearm(t *testing.T) {
	rearmed := 0
	r := newTestRegistry(t, twoSlots(), RegistryOptions{
		AexRearm: func(s *Slot) { rearmed++ },
	})
	s, _ := r.Enter(ctlA, 0x100)

	var f OcallFrame
	s.BeginOcall(&f)
	s.EndOcall(&f)
	if rearmed != 0 {
		t.Errorf("re-arm without flag: got %d calls, wanted 0", rearmed)
	}

	s.BeginOcall(&f)
	s.SetAexNotify()
	s.EndOcall(&f)
	if rearmed != 1 {
		t.Errorf("re-arm with flag set: got %d calls, wanted 1", rearmed)
	}
	r.Exit(s, tls.NewRegistry())
}
