// Copyright 2025 Tom Barlow
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

package supervisor

import (
	"sync"
	"time"
)

// OutputLine is one entry of a worker's output ring buffer. Seq is a
// monotonically increasing per-worker sequence number.
type OutputLine struct {
	Seq       int64       `json:"seq"`
	Event     *WorkerEvent `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// outputRing keeps the last capacity lines of a worker's output.
type outputRing struct {
	mu       sync.Mutex
	lines    []OutputLine
	capacity int
	nextSeq  int64
}

func newOutputRing(capacity int) *outputRing {
	return &outputRing{capacity: capacity}
}

// Append adds an event to the ring, evicting the oldest line when full,
// and returns the assigned sequence number.
func (r *outputRing) Append(ev *WorkerEvent) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	r.lines = append(r.lines, OutputLine{Seq: seq, Event: ev, Timestamp: time.Now()})
	if len(r.lines) > r.capacity {
		r.lines = r.lines[len(r.lines)-r.capacity:]
	}
	return seq
}

// Since returns the lines with sequence number greater than since. Pass
// -1 for the whole buffer.
func (r *outputRing) Since(since int64) []OutputLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OutputLine, 0)
	for _, l := range r.lines {
		if l.Seq > since {
			out = append(out, l)
		}
	}
	return out
}
