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

package hostevent

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/atomicbitops"
)

func TestTimeSpecValid(t *testing.T) {
	for _, tc := range []struct {
		ts   TimeSpec
		want bool
	}{
		{TimeSpec{0, 0}, true},
		{TimeSpec{1, 999999999}, true},
		{TimeSpec{-1, 0}, false},
		{TimeSpec{0, -1}, false},
		{TimeSpec{0, 1000000000}, false},
	} {
		if got := tc.ts.Valid(); got != tc.want {
			t.Errorf("Valid(%+v): got %v, wanted %v", tc.ts, got, tc.want)
		}
	}
}

func TestTimeSpecRoundTrip(t *testing.T) {
	d := 3*time.Second + 250*time.Millisecond
	ts := FromDuration(d)
	if diff := cmp.Diff(TimeSpec{Sec: 3, Nsec: 250000000}, ts); diff != "" {
		t.Errorf("FromDuration mismatch (-want +got):\n%s", diff)
	}
	if got := ts.Duration(); got != d {
		t.Errorf("Duration: got %v, wanted %v", got, d)
	}
	if got := FromDuration(-time.Second); got != (TimeSpec{}) {
		t.Errorf("FromDuration of negative: got %+v, wanted zero", got)
	}
}

func TestParkWakeBeforeWait(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)

	// A wake posted before the wait is consumed by it.
	if ret, errno, st := p.SetEvent(1); ret != 0 || errno != 0 || st != StatusOK {
		t.Fatalf("SetEvent: got (%d, %v, %v)", ret, errno, st)
	}
	if ret, errno, st := p.WaitEvent(1, nil); ret != 0 || errno != 0 || st != StatusOK {
		t.Fatalf("WaitEvent: got (%d, %v, %v)", ret, errno, st)
	}
}

func TestParkSingleWakePending(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)

	// Three posted wakes collapse into one.
	p.SetEvent(1)
	p.SetEvent(1)
	p.SetEvent(1)
	if ret, _, _ := p.WaitEvent(1, nil); ret != 0 {
		t.Fatalf("first WaitEvent: got ret %d", ret)
	}
	ts := FromDuration(10 * time.Millisecond)
	if ret, errno, _ := p.WaitEvent(1, &ts); ret == 0 || errno != unix.ETIMEDOUT {
		t.Errorf("second WaitEvent: got (%d, %v), wanted timeout", ret, errno)
	}
}

func TestParkTimeout(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)

	ts := FromDuration(10 * time.Millisecond)
	if ret, errno, st := p.WaitEvent(1, &ts); ret != -1 || errno != unix.ETIMEDOUT || st != StatusOK {
		t.Errorf("WaitEvent: got (%d, %v, %v), wanted (-1, ETIMEDOUT, ok)", ret, errno, st)
	}
}

func TestParkUnknownSlot(t *testing.T) {
	p := NewPark()
	if _, errno, _ := p.WaitEvent(9, nil); errno != unix.EINVAL {
		t.Errorf("WaitEvent on unknown slot: got %v, wanted EINVAL", errno)
	}
	if _, errno, _ := p.SetEvent(9); errno != unix.EINVAL {
		t.Errorf("SetEvent on unknown slot: got %v, wanted EINVAL", errno)
	}
}

func TestParkSetWaitEvents(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	p.AddSlot(2)

	// Pre-post our own wake so the combined call does not block; the
	// other slot's wake must land.
	p.SetEvent(1)
	if ret, errno, st := p.SetWaitEvents(2, 1, nil); ret != 0 || errno != 0 || st != StatusOK {
		t.Fatalf("SetWaitEvents: got (%d, %v, %v)", ret, errno, st)
	}
	if ret, _, _ := p.WaitEvent(2, nil); ret != 0 {
		t.Errorf("WaitEvent on woken slot: got ret %d", ret)
	}
}

func TestParkSetMultipleEvents(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	p.AddSlot(2)

	if ret, errno, st := p.SetMultipleEvents([]uintptr{1, 2}); ret != 0 || errno != 0 || st != StatusOK {
		t.Fatalf("SetMultipleEvents: got (%d, %v, %v)", ret, errno, st)
	}
	for _, slot := range []uintptr{1, 2} {
		if ret, _, _ := p.WaitEvent(slot, nil); ret != 0 {
			t.Errorf("WaitEvent(%d): got ret %d", slot, ret)
		}
	}
	if _, errno, _ := p.SetMultipleEvents([]uintptr{1, 9}); errno != unix.EINVAL {
		t.Errorf("SetMultipleEvents with unknown slot: got %v, wanted EINVAL", errno)
	}
}

func TestCheckedRejectsBadTimeout(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	c := NewChecked(p, nil)

	bad := TimeSpec{Sec: -1}
	if ret, errno, _ := c.WaitEvent(1, &bad); ret != -1 || errno != unix.EINVAL {
		t.Errorf("WaitEvent with bad timeout: got (%d, %v), wanted (-1, EINVAL)", ret, errno)
	}
	if ret, errno, _ := c.SetWaitEvents(1, 1, &bad); ret != -1 || errno != unix.EINVAL {
		t.Errorf("SetWaitEvents with bad timeout: got (%d, %v), wanted (-1, EINVAL)", ret, errno)
	}
}

func TestCheckedCancellation(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	p.AddSlot(2)
	var cancel atomicbitops.Uint32
	c := NewChecked(p, &cancel)

	cancel.Store(1)
	if ret, errno, _ := c.WaitEvent(1, nil); ret != -1 || errno != unix.EINTR {
		t.Errorf("WaitEvent after cancel: got (%d, %v), wanted (-1, EINTR)", ret, errno)
	}

	// The wake half of a cancelled combined call still lands.
	if ret, errno, _ := c.SetWaitEvents(2, 1, nil); ret != -1 || errno != unix.EINTR {
		t.Errorf("SetWaitEvents after cancel: got (%d, %v), wanted (-1, EINTR)", ret, errno)
	}
	if ret, _, _ := p.WaitEvent(2, nil); ret != 0 {
		t.Errorf("WaitEvent on other slot: got ret %d, wanted delivered wake", ret)
	}
}

// flaky fails wake calls until remaining hits zero, then delegates.
type flaky struct {
	next      Bridge
	remaining int
	calls     int
}

var _ Bridge = (*flaky)(nil)

func (f *flaky) fail() bool {
	f.calls++
	if f.remaining > 0 {
		f.remaining--
		return true
	}
	return false
}

func (f *flaky) WaitEvent(slot uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	return f.next.WaitEvent(slot, timeout)
}

func (f *flaky) SetEvent(slot uintptr) (int32, unix.Errno, Status) {
	if f.fail() {
		return -1, 0, Status(1)
	}
	return f.next.SetEvent(slot)
}

func (f *flaky) SetMultipleEvents(slots []uintptr) (int32, unix.Errno, Status) {
	if f.fail() {
		return -1, 0, Status(1)
	}
	return f.next.SetMultipleEvents(slots)
}

func (f *flaky) SetWaitEvents(other, self uintptr, timeout *TimeSpec) (int32, unix.Errno, Status) {
	return f.next.SetWaitEvents(other, self, timeout)
}

func TestRetryRecoversTransientWakeFailure(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	f := &flaky{next: p, remaining: 2}
	r := NewRetry(f)

	if _, _, st := r.SetEvent(1); st != StatusOK {
		t.Fatalf("SetEvent: status %v after retries", st)
	}
	if f.calls != 3 {
		t.Errorf("underlying calls: got %d, wanted 3", f.calls)
	}
	if ret, _, _ := p.WaitEvent(1, nil); ret != 0 {
		t.Errorf("WaitEvent: got ret %d, wanted delivered wake", ret)
	}
}

func TestRetryGivesUp(t *testing.T) {
	p := NewPark()
	p.AddSlot(1)
	f := &flaky{next: p, remaining: 100}
	r := NewRetry(f)

	if _, _, st := r.SetEvent(1); st == StatusOK {
		t.Error("SetEvent: got ok status from a permanently failing host")
	}
	// An attempt plus wakeRetries retries.
	if f.calls != wakeRetries+1 {
		t.Errorf("underlying calls: got %d, wanted %d", f.calls, wakeRetries+1)
	}
}
