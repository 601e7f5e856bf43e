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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
		want WorkerEvent
	}{
		{
			name: "init event",
			line: `{"type":"system","subtype":"init","session_id":"sess-1"}`,
			want: WorkerEvent{Type: EventTypeSystem, Subtype: SubtypeInit, SessionID: "sess-1"},
		},
		{
			name: "result event",
			line: `{"type":"result","result":"done","duration_ms":1500,"total_cost_usd":0.02,"is_error":false}`,
			want: WorkerEvent{Type: EventTypeResult, Result: "done", DurationMs: 1500, CostUSD: 0.02},
		},
		{
			name: "plain text falls back to assistant",
			line: `reading file main.go`,
			want: WorkerEvent{Type: EventTypeAssistant, Subtype: SubtypeText},
		},
		{
			name: "json without type falls back to assistant",
			line: `{"foo":"bar"}`,
			want: WorkerEvent{Type: EventTypeAssistant, Subtype: SubtypeText},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseEvent([]byte(tt.line))
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.Subtype, got.Subtype)
			assert.Equal(t, tt.want.SessionID, got.SessionID)
			assert.Equal(t, tt.want.Result, got.Result)
			assert.Equal(t, tt.want.DurationMs, got.DurationMs)
			assert.Equal(t, tt.want.CostUSD, got.CostUSD)
		})
	}
}

func TestOutputRing(t *testing.T) {
	ring := newOutputRing(3)

	for i := 0; i < 5; i++ {
		ring.Append(&WorkerEvent{Type: EventTypeAssistant})
	}

	all := ring.Since(-1)
	require.Len(t, all, 3)
	assert.Equal(t, int64(2), all[0].Seq)
	assert.Equal(t, int64(4), all[2].Seq)

	tail := ring.Since(3)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(4), tail[0].Seq)

	assert.Empty(t, ring.Since(4))
}
