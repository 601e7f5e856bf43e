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

package lifecycle

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []LifecycleEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []LifecycleEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LifecycleEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestLifecycleLoggerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.log")
	l := NewLifecycleLogger(path)

	require.NoError(t, l.LogStart("1.2.3", []string{"--listen", "127.0.0.1:4620", "--foreground"}, ""))
	require.NoError(t, l.LogStartSuccess(4321, 3, 250*time.Millisecond))
	require.NoError(t, l.LogStopFailure(4321, errors.New("timed out")))

	events := readEvents(t, path)
	require.Len(t, events, 3)

	assert.Equal(t, "start", events[0].Event)
	assert.Equal(t, "1.2.3", events[0].Version)
	assert.Equal(t, "127.0.0.1:4620", events[0].Flags["listen"])
	assert.Equal(t, "true", events[0].Flags["foreground"])

	assert.Equal(t, "start_success", events[1].Event)
	assert.Equal(t, 4321, events[1].PID)
	assert.True(t, events[1].Success)

	assert.Equal(t, "stop_failure", events[2].Event)
	assert.False(t, events[2].Success)
	assert.Equal(t, "timed out", events[2].Error)
}

func TestLifecycleLoggerCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "lifecycle.log")
	l := NewLifecycleLogger(path)

	require.NoError(t, l.LogAlreadyRunning(99))
	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, "already_running", events[0].Event)
}
