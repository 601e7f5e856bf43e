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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileExists is returned when the PID file is already present.
	ErrPIDFileExists = errors.New("PID file already exists")

	// ErrPIDFileLocked is returned when another daemon holds the lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file holds non-numeric or
	// non-positive content.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file's parent directory
	// is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDFileManager owns the daemon's PID file. The PID file decides which
// process `fleet daemon stop` signals, so creation is atomic (O_EXCL)
// and the file stays flock-ed for the daemon's lifetime; a second
// daemon attempting Create fails rather than silently stealing the file.
type PIDFileManager struct {
	path string
	lock *os.File
}

// NewPIDFileManager manages the PID file at path.
func NewPIDFileManager(path string) *PIDFileManager {
	return &PIDFileManager{path: path}
}

// Create records pid in the file and holds an exclusive lock on it.
// The parent directory is created with 0700 when missing and refused
// when world-writable, since a hostile symlink there could redirect the
// write. Returns ErrPIDFileExists or ErrPIDFileLocked on contention.
func (m *PIDFileManager) Create(pid int) error {
	dir := filepath.Dir(m.path)
	if err := checkPIDDir(dir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrPIDFileExists
		}
		return fmt.Errorf("creating PID file: %w", err)
	}

	discard := func(cause error) error {
		f.Close()
		os.Remove(m.path)
		return cause
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return discard(ErrPIDFileLocked)
		}
		return discard(fmt.Errorf("locking PID file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return discard(fmt.Errorf("writing PID: %w", err))
	}
	if err := f.Sync(); err != nil {
		return discard(fmt.Errorf("syncing PID file: %w", err))
	}

	// The open locked handle is retained until Remove.
	m.lock = f
	return nil
}

// Read parses the recorded PID. The os.IsNotExist error passes through
// so callers can distinguish "no daemon" from a corrupt file.
func (m *PIDFileManager) Read() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, text)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Remove releases the lock and deletes the file. A file already gone is
// not an error.
func (m *PIDFileManager) Remove() error {
	if m.lock != nil {
		syscall.Flock(int(m.lock.Fd()), syscall.LOCK_UN)
		m.lock.Close()
		m.lock = nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

// Exists reports whether the PID file is present.
func (m *PIDFileManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// checkPIDDir rejects world-writable parents. A missing directory is
// fine; Create makes it with restrictive permissions.
func checkPIDDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
