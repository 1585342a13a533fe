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
	"math"
	"time"
)

// TimeSpec is the timeout representation crossing the enclave boundary:
// two 64-bit signed integers, seconds then nanoseconds, no padding. The
// layout is part of the host ABI.
type TimeSpec struct {
	Sec  int64
	Nsec int64
}

// Valid returns true iff ts represents a usable timeout.
func (ts TimeSpec) Valid() bool {
	return ts.Sec >= 0 && ts.Nsec >= 0 && ts.Nsec < int64(time.Second)
}

// Duration returns ts as a time.Duration, saturating on overflow.
func (ts TimeSpec) Duration() time.Duration {
	if ts.Sec > int64(math.MaxInt64/time.Second) {
		return math.MaxInt64
	}
	d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
	if d < 0 {
		return math.MaxInt64
	}
	return d
}

// FromDuration converts a duration to a TimeSpec, saturating the seconds
// field. Negative durations map to zero.
func FromDuration(d time.Duration) TimeSpec {
	if d < 0 {
		return TimeSpec{}
	}
	return TimeSpec{
		Sec:  int64(d / time.Second),
		Nsec: int64(d % time.Second),
	}
}
