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

// Package tls implements the thread-local storage engine: key allocation
// over a fixed bitmap, a destructor registry, per-slot storage lists, and
// the POSIX destructor drain at thread exit.
package tls

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
)

const (
	// MaxKeys is the size of the key space. Keys are 1-based; 0 is the
	// invalid sentinel.
	MaxKeys = 256

	bitmapWords = MaxKeys / 64

	// destructorPasses is the POSIX cap on drain iterations
	// (PTHREAD_DESTRUCTOR_ITERATIONS). Values still set after the last
	// pass leak.
	destructorPasses = 4
)

// Key identifies an allocated thread-local slot. The zero Key is invalid.
type Key uint32

// Destructor is invoked with the swapped-out value of a key at thread
// exit. The nil Destructor means "no destructor"; the call through a
// non-nil one is a plain indirect call, nothing more.
type Destructor func(unsafe.Pointer)

// Registry is the process-wide key table: an allocation bitmap, a
// destructor slot per key, and a generation per key so that reuse of a
// freed key never exposes values stored under its previous life.
type Registry struct {
	bitmap [bitmapWords]atomicbitops.Uint64
	dtors  [MaxKeys]atomic.Pointer[Destructor]
	gens   [MaxKeys]atomicbitops.Uint32
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Allocate claims the first free key, records d as its destructor, and
// returns the key. Allocation is first-fit over the bitmap; the
// compare-exchange on the bitmap word guarantees uniqueness against
// racing allocators. A destructor-bearing key may only be created from a
// bound slot: an unbound slot's locals are torn down at every ecall
// return, which would run destructors at surprising times.
func (r *Registry) Allocate(d Destructor, bound bool) (Key, error) {
	if d != nil && !bound {
		return 0, enclerr.EACCES
	}
	for w := 0; w < bitmapWords; w++ {
		for {
			v := r.bitmap[w].Load()
			if v == ^uint64(0) {
				break
			}
			bit := uint(bits.TrailingZeros64(^v))
			if !r.bitmap[w].SetBit(bit) {
				continue
			}
			idx := uint32(w)*64 + uint32(bit)
			// A fresh generation invalidates any per-thread node left
			// over from the key's previous life.
			r.gens[idx].Add(1)
			if d != nil {
				r.dtors[idx].Store(&d)
			} else {
				r.dtors[idx].Store(nil)
			}
			return Key(idx + 1), nil
		}
	}
	return 0, enclerr.ENOMEM
}

// Free releases k. Outstanding per-thread values become unreachable but
// are not freed, matching POSIX; a thread still holding a pointer to a
// value under k may observe it until its next set.
func (r *Registry) Free(k Key) error {
	idx, ok := r.index(k)
	if !ok || !r.allocated(idx) {
		return enclerr.EINVAL
	}
	r.dtors[idx].Store(nil)
	r.bitmap[idx/64].ClearBit(uint(idx % 64))
	return nil
}

// SetDestructor replaces k's destructor. Only the key's owner may call
// this while the key is allocated.
func (r *Registry) SetDestructor(k Key, d Destructor) error {
	idx, ok := r.index(k)
	if !ok || !r.allocated(idx) {
		return enclerr.EINVAL
	}
	if d != nil {
		r.dtors[idx].Store(&d)
	} else {
		r.dtors[idx].Store(nil)
	}
	return nil
}

func (r *Registry) index(k Key) (uint32, bool) {
	if k == 0 || k > MaxKeys {
		return 0, false
	}
	return uint32(k) - 1, true
}

func (r *Registry) allocated(idx uint32) bool {
	return r.bitmap[idx/64].Load()&(uint64(1)<<(idx%64)) != 0
}

func (r *Registry) destructor(idx uint32) Destructor {
	if d := r.dtors[idx].Load(); d != nil {
		return *d
	}
	return nil
}

func (r *Registry) generation(idx uint32) uint32 {
	return r.gens[idx].Load()
}
