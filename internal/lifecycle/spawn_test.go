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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireSpawnable skips in environments that block fork/exec or lack sh.
func requireSpawnable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}
}

func skipOnSpawnError(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("spawn not permitted here: %v", err)
	}
}

func TestSpawnDetachedRedirectsOutput(t *testing.T) {
	requireSpawnable(t)
	logPath := filepath.Join(t.TempDir(), "fleetd.log")

	pid, err := NewSpawner().SpawnDetached("sh", []string{"-c", "echo started"}, logPath)
	skipOnSpawnError(t, err)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(content), "started")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSpawnDetachedCreatesLogDir(t *testing.T) {
	requireSpawnable(t)
	logPath := filepath.Join(t.TempDir(), "state", "logs", "fleetd.log")

	_, err := NewSpawner().SpawnDetached("sh", []string{"-c", "true"}, logPath)
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(logPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSpawnDetachedChildOutlivesParentGroup(t *testing.T) {
	requireSpawnable(t)
	logPath := filepath.Join(t.TempDir(), "fleetd.log")

	pid, err := NewSpawner().SpawnDetached("sh", []string{"-c", "sleep 2"}, logPath)
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	assert.True(t, IsProcessRunning(pid))
	// The child sits in its own session, not the test's process group.
	assert.NotEqual(t, os.Getpid(), pid)
}

func TestSpawnDetachedMissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "fleetd.log")

	_, err := NewSpawner().SpawnDetached("definitely-not-a-real-binary-xyz", nil, logPath)
	require.Error(t, err)
}

func TestSpawnerWithEnv(t *testing.T) {
	requireSpawnable(t)
	logPath := filepath.Join(t.TempDir(), "fleetd.log")

	spawner := NewSpawner().WithEnv([]string{"FLEET_TEST_MARKER=present", "PATH=" + os.Getenv("PATH")})
	_, err := spawner.SpawnDetached("sh", []string{"-c", "echo $FLEET_TEST_MARKER"}, logPath)
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(content), "present")
	}, 5*time.Second, 50*time.Millisecond)
}
