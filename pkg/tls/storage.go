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

package tls

import (
	"sync/atomic"
	"unsafe"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
)

// Storage is one slot's thread-local value list. It is owned by the slot
// it belongs to and never shared, so lookups need no locking; only the
// value cells are atomic, because a destructor may race nothing but still
// needs swap semantics during the drain.
type Storage struct {
	head *node
	tail *node
}

// node pairs a key with a value cell. gen records the key generation the
// value was stored under; a mismatch means the key was freed and
// reallocated, and the node's value must not be observable.
type node struct {
	next  *node
	key   Key
	gen   uint32
	value unsafe.Pointer
}

func (n *node) load() unsafe.Pointer {
	return atomic.LoadPointer(&n.value)
}

func (n *node) store(v unsafe.Pointer) {
	atomic.StorePointer(&n.value, v)
}

func (n *node) swap(v unsafe.Pointer) unsafe.Pointer {
	return atomic.SwapPointer(&n.value, v)
}

func (s *Storage) find(k Key) *node {
	for n := s.head; n != nil; n = n.next {
		if n.key == k {
			return n
		}
	}
	return nil
}

// Set stores v under k for this slot. The first set for a key appends a
// node; the node order is creation order, which is also the order the
// drain visits keys within a pass.
func (s *Storage) Set(r *Registry, k Key, v unsafe.Pointer) error {
	idx, ok := r.index(k)
	if !ok || !r.allocated(idx) {
		return enclerr.EINVAL
	}
	gen := r.generation(idx)
	if n := s.find(k); n != nil {
		n.gen = gen
		n.store(v)
		return nil
	}
	n := &node{key: k, gen: gen, value: v}
	if s.tail != nil {
		s.tail.next = n
	} else {
		s.head = n
	}
	s.tail = n
	return nil
}

// Get returns the value last set under k on this slot, or nil if none, if
// the key is dead, or if the value was stored under a previous life of
// the key.
func (s *Storage) Get(r *Registry, k Key) unsafe.Pointer {
	idx, ok := r.index(k)
	if !ok || !r.allocated(idx) {
		return nil
	}
	n := s.find(k)
	if n == nil || n.gen != r.generation(idx) {
		return nil
	}
	return n.load()
}

// Drain runs the POSIX destructor loop for this slot: up to
// destructorPasses passes over the list, invoking the destructor of every
// live key whose cell holds a non-nil value. The cell is swapped to nil
// before the call, so a destructor that re-sets its own key does not
// re-enter itself forever; the re-set value is picked up by a later pass.
// Whatever is still set after the last pass leaks.
func (s *Storage) Drain(r *Registry) {
	for pass := 0; pass < destructorPasses; pass++ {
		progress := false
		for n := s.head; n != nil; n = n.next {
			idx, ok := r.index(n.key)
			if !ok || !r.allocated(idx) || n.gen != r.generation(idx) {
				continue
			}
			d := r.destructor(idx)
			if d == nil {
				continue
			}
			if v := n.swap(nil); v != nil {
				d(v)
				progress = true
			}
		}
		if !progress {
			break
		}
	}
}

// Reset drops every node. Used when an unbound slot's locals are torn
// down after the drain; the next ecall starts clean.
func (s *Storage) Reset() {
	s.head = nil
	s.tail = nil
}
