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

package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{
			name: "with field",
			err:  &ValidationError{Field: "handle", Message: "must not be empty"},
			want: "validation failed on handle: must not be empty",
		},
		{
			name: "without field",
			err:  &ValidationError{Message: "bad payload"},
			want: "validation failed: bad payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "worker", ID: "alice"}
	assert.Equal(t, "worker not found: alice", err.Error())
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{Resource: "worker", Reason: "handle alice already in use"}
	assert.Equal(t, "worker conflict: handle alice already in use", err.Error())

	err = &ConflictError{Reason: "over capacity"}
	assert.Equal(t, "conflict: over capacity", err.Error())
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := New("disk full")
	err := &StorageError{Op: "create worker", Cause: cause}

	assert.Contains(t, err.Error(), "create worker")
	assert.True(t, Is(err, cause))
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := New("deadline exceeded")
	err := &TimeoutError{Operation: "worker startup", Duration: 30 * time.Second, Cause: cause}

	assert.Equal(t, "worker startup operation timed out after 30s", err.Error())
	assert.True(t, Is(err, cause))
}

func TestAs_FindsTypedErrorThroughWrapping(t *testing.T) {
	inner := &ConflictError{Resource: "spawn request", Reason: "depth exceeded"}
	wrapped := Wrap(fmt.Errorf("enqueue: %w", inner), "controller")

	var conflict *ConflictError
	require.True(t, As(wrapped, &conflict))
	assert.Equal(t, "spawn request", conflict.Resource)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "anything"))
	assert.NoError(t, Wrapf(nil, "anything %d", 1))
}
