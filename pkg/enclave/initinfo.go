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

package enclave

import (
	"bytes"
	"encoding/binary"

	"github.com/apache/incubator-teaclave-sgx-sdk-sub010/pkg/errors/enclerr"
)

// initInfoHeaderSize is the fixed prefix of the untrusted init blob:
// six little-endian uint64 fields.
const initInfoHeaderSize = 48

// InitInfo is the launch information the host passes on the first ecall.
// The untrusted encoding is a fixed header followed by four length-prefixed
// byte regions; Parse validates the lengths against the total size before
// anything is retained, since the buffer originates outside the enclave.
type InitInfo struct {
	// EnclaveID is the host-assigned identifier for this enclave
	// instance, echoed back on ocalls.
	EnclaveID uint64

	// Path is the filesystem path of the enclave image as the host
	// loaded it.
	Path string

	// Env holds the NUL-separated environment strings.
	Env []string

	// Args holds the NUL-separated process arguments.
	Args []string

	// Aux is the raw auxiliary vector region, kept opaque.
	Aux []byte
}

// ParseInitInfo decodes and validates the init blob. The declared total
// size must equal the header plus the four regions exactly; anything
// short, long, or overflowing fails with EINVAL.
func ParseInitInfo(b []byte) (*InitInfo, error) {
	if len(b) < initInfoHeaderSize {
		return nil, enclerr.EINVAL
	}
	id := binary.LittleEndian.Uint64(b[0:8])
	size := binary.LittleEndian.Uint64(b[8:16])
	pathLen := binary.LittleEndian.Uint64(b[16:24])
	envLen := binary.LittleEndian.Uint64(b[24:32])
	argsLen := binary.LittleEndian.Uint64(b[32:40])
	auxLen := binary.LittleEndian.Uint64(b[40:48])

	total := uint64(initInfoHeaderSize)
	for _, n := range []uint64{pathLen, envLen, argsLen, auxLen} {
		total += n
		if total < n {
			return nil, enclerr.EINVAL
		}
	}
	if size != total || uint64(len(b)) != total {
		return nil, enclerr.EINVAL
	}

	off := uint64(initInfoHeaderSize)
	take := func(n uint64) []byte {
		r := b[off : off+n]
		off += n
		return r
	}
	info := &InitInfo{
		EnclaveID: id,
		Path:      string(bytes.TrimRight(take(pathLen), "\x00")),
		Env:       splitNUL(take(envLen)),
		Args:      splitNUL(take(argsLen)),
	}
	if auxLen > 0 {
		info.Aux = append([]byte(nil), take(auxLen)...)
	}
	return info, nil
}

// splitNUL splits a NUL-separated string region, tolerating a trailing
// terminator.
func splitNUL(b []byte) []string {
	b = bytes.TrimRight(b, "\x00")
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, string(p))
	}
	return out
}
