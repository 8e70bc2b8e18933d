// Copyright 2026 The gVisor Authors.
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
	"os"
	"time"
)

// GoogleEmitter emits logs in the glog text format:
//
//	Lmmdd hh:mm:ss.uuuuuu pid iospace] msg
//
// The file:line component of glog is replaced by a fixed tag. Walking the
// stack on every bitmap fault would dominate the fault path.
type GoogleEmitter struct {
	*Writer
}

// glogPid is padded like glog pads its thread id.
var glogPid = fmt.Sprintf("%7d", os.Getpid())

var levelChar = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(_ int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := local[:0]

	c := byte('?')
	if int(level) < len(levelChar) {
		c = levelChar[level]
	}
	b = append(b, c)
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, glogPid...)
	b = append(b, " iospace] "...)
	b = fmt.Appendf(b, format, args...)
	if b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	g.Writer.Write(b)
}
