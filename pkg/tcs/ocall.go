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
	"unsafe"
)

// ocallFrameMagic marks a live ocall frame ("OCALLFRM").
const ocallFrameMagic uint64 = 0x4f43414c4c46524d

// OcallFrame is written at the top of a slot's stack before a host
// crossing and verified on return. It records enough to detect a stack
// that the untrusted side rewound, grew, or swapped while the slot was
// outside.
type OcallFrame struct {
	// Magic must hold ocallFrameMagic while the frame is live.
	Magic uint64

	// PrevSP is the predecessor frame's address, zero for the outermost
	// ocall.
	PrevSP uintptr

	// Depth is the ocall nesting depth this frame was pushed at.
	Depth uint32
}

func (s *Slot) frameAddr(f *OcallFrame) uintptr {
	return uintptr(unsafe.Pointer(f))
}

// inStack reports whether addr lies within the slot's reserved stack
// region. Slots registered without stack bounds skip the containment
// check.
func (s *Slot) inStack(addr uintptr) bool {
	if s.stackSize == 0 {
		return true
	}
	return addr >= s.stackBase && addr < s.stackBase+s.stackSize
}

// BeginOcall links frame into the slot's last-stack-pointer chain ahead
// of a host crossing. The frame must live on the slot's stack for the
// duration of the crossing.
func (s *Slot) BeginOcall(frame *OcallFrame) {
	addr := s.frameAddr(frame)
	if !s.inStack(addr) {
		fatalf("tcs: slot %d ocall frame %#x outside stack region", s.id, addr)
	}
	frame.Magic = ocallFrameMagic
	frame.PrevSP = s.lastSP
	s.depth++
	frame.Depth = s.depth
	s.lastSP = addr
}

// EndOcall verifies and unlinks frame on return from a host crossing.
// Any mismatch means the untrusted side tampered with the stack while the
// slot was outside, which is unrecoverable. If the slot's aex-notify flag
// is set, notification is re-armed before the flag clears.
func (s *Slot) EndOcall(frame *OcallFrame) {
	addr := s.frameAddr(frame)
	if s.lastSP != addr {
		fatalf("tcs: slot %d ocall return with foreign frame %#x (want %#x)", s.id, addr, s.lastSP)
	}
	if frame.Magic != ocallFrameMagic {
		fatalf("tcs: slot %d ocall frame magic mismatch", s.id)
	}
	if frame.Depth != s.depth {
		fatalf("tcs: slot %d ocall depth mismatch: frame %d, slot %d", s.id, frame.Depth, s.depth)
	}
	if frame.PrevSP != 0 && !s.inStack(frame.PrevSP) {
		fatalf("tcs: slot %d ocall predecessor %#x outside stack region", s.id, frame.PrevSP)
	}
	s.lastSP = frame.PrevSP
	s.depth--
	frame.Magic = 0

	if s.aexNotify.Swap(false) && s.rearm != nil {
		s.rearm(s)
	}
}
