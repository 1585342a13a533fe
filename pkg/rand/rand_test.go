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

package rand

import (
	"bytes"
	"testing"
)

func TestRead(t *testing.T) {
	b := make([]byte, 64)
	n, err := Read(b)
	if err != nil || n != len(b) {
		t.Fatalf("Read: got (%d, %v), wanted (%d, nil)", n, err, len(b))
	}
	if bytes.Equal(b, make([]byte, 64)) {
		t.Error("Read returned all zeros")
	}
}

func TestWordNonzero(t *testing.T) {
	for i := 0; i < 16; i++ {
		w, err := Word()
		if err != nil {
			t.Fatalf("Word: %v", err)
		}
		if w == 0 {
			t.Fatal("Word returned zero")
		}
	}
}
