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

import "encoding/json"

// Worker stdout event types.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeUser      = "user"
	EventTypeResult    = "result"

	SubtypeInit    = "init"
	SubtypeText    = "text"
	SubtypeToolUse = "tool_use"
)

// WorkerEvent is one JSON line emitted by a worker subprocess.
type WorkerEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Result     string          `json:"result,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// parseEvent decodes a stdout line into a WorkerEvent. Lines that are
// not JSON objects come back as a plain assistant text event so raw
// output still reaches the ring buffer and subscribers.
func parseEvent(line []byte) *WorkerEvent {
	var ev WorkerEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return &WorkerEvent{
			Type:    EventTypeAssistant,
			Subtype: SubtypeText,
			Message: json.RawMessage(mustQuote(string(line))),
		}
	}
	return &ev
}

func mustQuote(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return data
}
