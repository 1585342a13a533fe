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

package futex

import (
	"sync/atomic"
	"unsafe"
)

// NativeTarget reads futex words directly from enclave memory. Callers
// must have validated the address through the futex operations; the
// manager rejects nil and misaligned addresses before reaching here.
type NativeTarget struct{}

var _ Target = NativeTarget{}

// LoadUint32 implements Target.LoadUint32.
func (NativeTarget) LoadUint32(addr uintptr) (uint32, error) {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))), nil
}

// WordAddr returns the futex address of a 32-bit word. It is the bridge
// between typed state words (sync primitive state, once state) and the
// address-keyed wait queues.
func WordAddr(w *uint32) uintptr {
	return uintptr(unsafe.Pointer(w))
}
