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

package log

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// TextEmitter logs messages in a human-readable single-line format:
//
//	L0102 15:04:05.000000 file.go:123] msg...
//
// where L is a single character for the level.
type TextEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	var prefix byte
	switch level {
	case Warning:
		prefix = 'W'
	case Info:
		prefix = 'I'
	case Debug:
		prefix = 'D'
	default:
		prefix = '?'
	}

	caller := "?:0"
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:] // Trim any directory path from the file.
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	line := fmt.Sprintf("%c%s %s] %s",
		prefix, timestamp.Format("0102 15:04:05.000000"), caller,
		fmt.Sprintf(format, v...))
	e.Writer.Write([]byte(line))
}
