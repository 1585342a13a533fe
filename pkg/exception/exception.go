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

// Package exception maintains the in-enclave hardware exception handler
// chain: a doubly linked list of handlers consulted in order, each stored
// with an integrity word derived from a process-private random cookie.
// The cookie check is defense-in-depth against naive corruption of the
// list contents, not a cryptographic boundary.
package exception

import (
	"fmt"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/log"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/rand"
	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/sync"
)

// maxHandlers caps the chain length.
const maxHandlers = 64

// Outcome is a handler's verdict on an exception.
type Outcome int

const (
	// Search means the handler did not handle the exception; traversal
	// continues with the next handler.
	Search Outcome = iota

	// Handled means traversal stops and execution resumes.
	Handled
)

// Info is the exception record passed to handlers.
type Info struct {
	// Vector is the hardware exception vector.
	Vector int32

	// Code is the exception type qualifier.
	Code int32

	// Addr is the faulting address, when the vector carries one.
	Addr uintptr

	// Context is an opaque pointer to the saved execution state.
	Context uintptr
}

// Handler examines an exception and either handles it or passes. Handlers
// run with thread-locals available but must not take the handler-list
// lock; a handler that re-enters user locks must itself tolerate that the
// interrupted code may hold them.
type Handler func(*Info) Outcome

type node struct {
	next, prev *node

	id uint64
	h  Handler

	// check is the handler's code pointer XORed with the registry
	// cookie. Verified before every call.
	check uintptr
}

// Registry is the process-wide handler chain.
type Registry struct {
	mu     sync.SpinMutex
	head   *node
	tail   *node
	count  int
	nextID uint64
	cookie uintptr
}

// NewRegistry returns an empty handler registry.
func NewRegistry() (*Registry, error) {
	w, err := rand.Word()
	if err != nil {
		return nil, enclerr.ErrUnexpected
	}
	return &Registry{
		nextID: 1,
		cookie: uintptr(w),
	}, nil
}

// Register appends h to the front or back of the chain and returns a
// nonzero handle for unregistration. Fails with ENOMEM at the cap.
func (r *Registry) Register(h Handler, front bool) (uint64, error) {
	if h == nil {
		return 0, enclerr.EINVAL
	}
	n := &node{
		h:     h,
		check: r.cookie ^ handlerCode(h),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count >= maxHandlers {
		return 0, enclerr.ENOMEM
	}
	n.id = r.nextID
	r.nextID++
	r.count++
	if front {
		n.next = r.head
		if r.head != nil {
			r.head.prev = n
		} else {
			r.tail = n
		}
		r.head = n
	} else {
		n.prev = r.tail
		if r.tail != nil {
			r.tail.next = n
		} else {
			r.head = n
		}
		r.tail = n
	}
	return n.id, nil
}

// Unregister removes the handler registered under id, reporting whether
// it was found.
func (r *Registry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n := r.head; n != nil; n = n.next {
		if n.id != id {
			continue
		}
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			r.head = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			r.tail = n.prev
		}
		r.count--
		return true
	}
	return false
}

// Dispatch walks the chain in order until a handler reports Handled. The
// chain is snapshotted under the lock and the handlers run outside it.
// It returns true iff some handler handled the exception; false means the
// exception propagates as enclave termination, which is the caller's job.
func (r *Registry) Dispatch(info *Info) bool {
	r.mu.Lock()
	handlers := make([]Handler, 0, r.count)
	for n := r.head; n != nil; n = n.next {
		if r.cookie^n.check != handlerCode(n.h) {
			r.mu.Unlock()
			fatalf("exception: handler %d integrity check failed", n.id)
		}
		handlers = append(handlers, n.h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		if h(info) == Handled {
			return true
		}
	}
	log.Debugf("exception: vector %d unhandled after %d handlers", info.Vector, len(handlers))
	return false
}

func fatalf(format string, v ...any) {
	log.Warningf(format, v...)
	panic(fmt.Sprintf(format, v...))
}
