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

//go:build linux

package lifecycle

import (
	"fmt"
	"os"
	"strings"
)

// isFleetProcess matches "fleet" against /proc/[pid]/cmdline, covering
// both the fleetd binary and a `fleet daemon start --foreground` child.
func isFleetProcess(pid int) bool {
	cmd, err := getProcessCommand(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, "fleet")
}

// getProcessCommand reads the NUL-separated cmdline and joins it with
// spaces.
func getProcessCommand(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", fmt.Errorf("reading cmdline: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " ")), nil
}
