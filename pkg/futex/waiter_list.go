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

// waiterList is an intrusive doubly-linked list of Waiters. Entries are
// added and removed in O(1) with no additional allocation.
//
// The zero value is an empty list ready to use.
type waiterList struct {
	head *Waiter
	tail *Waiter
}

// waiterEntry is embedded in Waiter to link it into a waiterList.
type waiterEntry struct {
	next *Waiter
	prev *Waiter
}

// Next returns the entry that follows w in its list, or nil.
func (e *waiterEntry) Next() *Waiter {
	return e.next
}

// Prev returns the entry that precedes w in its list, or nil.
func (e *waiterEntry) Prev() *Waiter {
	return e.prev
}

// Empty returns true iff the list is empty.
func (l *waiterList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of the list or nil.
func (l *waiterList) Front() *Waiter {
	return l.head
}

// Len returns the number of elements in the list.
func (l *waiterList) Len() int {
	n := 0
	for w := l.head; w != nil; w = w.next {
		n++
	}
	return n
}

// PushBack appends w to the back of the list.
func (l *waiterList) PushBack(w *Waiter) {
	w.next = nil
	w.prev = l.tail
	if l.tail != nil {
		l.tail.next = w
	} else {
		l.head = w
	}
	l.tail = w
}

// Remove removes w from the list.
func (l *waiterList) Remove(w *Waiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		l.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		l.tail = w.prev
	}
	w.next = nil
	w.prev = nil
}
