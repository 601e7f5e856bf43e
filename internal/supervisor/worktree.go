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
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// createWorktree adds a git worktree for a worker so it can edit files
// without contending with siblings. Returns the worktree path and the
// branch name.
func createWorktree(ctx context.Context, repoDir, handle string) (string, string, error) {
	branch := fmt.Sprintf("fleet/%s-%d", sanitizeRef(handle), time.Now().Unix())
	path := filepath.Join(repoDir, ".worktrees", sanitizeRef(handle))

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return path, branch, nil
}

// removeWorktree tears down a worker's worktree. Failure is not fatal;
// stale worktrees can be pruned manually.
func removeWorktree(ctx context.Context, repoDir, path string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sanitizeRef makes a handle safe for use in a git ref.
func sanitizeRef(handle string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, handle)
}
