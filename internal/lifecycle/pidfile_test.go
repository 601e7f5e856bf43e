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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileCreateReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.pid")
	m := NewPIDFileManager(path)

	require.NoError(t, m.Create(4321))
	assert.True(t, m.Exists())

	pid, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)

	require.NoError(t, m.Remove())
	assert.False(t, m.Exists())
}

func TestPIDFileCreateMakesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "fleetd.pid")
	m := NewPIDFileManager(path)

	require.NoError(t, m.Create(100))
	defer m.Remove()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestPIDFileCreateRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.pid")
	first := NewPIDFileManager(path)
	require.NoError(t, first.Create(1))
	defer first.Remove()

	err := NewPIDFileManager(path).Create(2)
	assert.ErrorIs(t, err, ErrPIDFileExists)
}

func TestPIDFileReadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"non-numeric": "not-a-pid\n",
		"negative":    "-7\n",
		"zero":        "0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".pid")
			require.NoError(t, os.WriteFile(path, []byte(content), 0600))

			_, err := NewPIDFileManager(path).Read()
			assert.ErrorIs(t, err, ErrInvalidPID)
		})
	}
}

func TestPIDFileReadMissingIsNotExist(t *testing.T) {
	_, err := NewPIDFileManager(filepath.Join(t.TempDir(), "gone.pid")).Read()
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFileRemoveMissingIsNoop(t *testing.T) {
	m := NewPIDFileManager(filepath.Join(t.TempDir(), "gone.pid"))
	assert.NoError(t, m.Remove())
}

func TestPIDFileRejectsWorldWritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are advisory for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0777))

	err := NewPIDFileManager(filepath.Join(dir, "fleetd.pid")).Create(1)
	assert.ErrorIs(t, err, ErrUnsafeDirectory)
}

func TestPIDFileReadTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.pid")
	require.NoError(t, os.WriteFile(path, []byte("  9876 \n\n"), 0600))

	pid, err := NewPIDFileManager(path).Read()
	require.NoError(t, err)
	assert.Equal(t, 9876, pid)
}
