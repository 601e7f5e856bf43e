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

package mail

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/fleet/internal/store/memory"
	"github.com/tombee/fleet/pkg/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, st, logger)
}

func TestSend_RequiresRecipientAndBody(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "", "hello", "")
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "to", ve.Field)

	_, err = svc.Send(ctx, "alice", "bob", "", "")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "body", ve.Field)
}

func TestSend_ThenReadLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.Send(ctx, "alice", "bob", "the build is green", "ci status")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	unread, err := svc.GetUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "alice", unread[0].FromHandle)
	assert.Equal(t, "ci status", unread[0].Subject)

	require.NoError(t, svc.MarkRead(ctx, id))
	// Idempotent.
	require.NoError(t, svc.MarkRead(ctx, id))

	unread, err = svc.GetUnread(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestHandoff_AcceptIsOneWay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateHandoff(ctx, "alice", "bob",
		map[string]any{"branch": "feature/parser"}, "## Checkpoint Resume\nGoal: finish parser")
	require.NoError(t, err)

	pending, err := svc.PendingHandoffs(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, svc.AcceptHandoff(ctx, id, "taking over"))

	// A resolved handoff cannot be rejected afterwards.
	err = svc.RejectHandoff(ctx, id, "")
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)

	pending, err = svc.PendingHandoffs(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFormatForInjection_EmptyMailbox(t *testing.T) {
	svc := newTestService(t)

	out, err := svc.FormatForInjection(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFormatForInjection_RendersMailAndHandoffs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "bob", "please review PR 42", "review request")
	require.NoError(t, err)
	_, err = svc.Send(ctx, "carol", "bob", "standup moved to 10am", "")
	require.NoError(t, err)
	_, err = svc.CreateHandoff(ctx, "alice", "bob", map[string]any{"pr": 42}, "")
	require.NoError(t, err)

	out, err := svc.FormatForInjection(ctx, "bob")
	require.NoError(t, err)

	assert.Contains(t, out, "## Pending Messages (2)")
	assert.Contains(t, out, "### From alice")
	assert.Contains(t, out, "**Subject:** review request")
	assert.Contains(t, out, "### From carol")
	assert.NotContains(t, strings.Split(out, "### From carol")[1], "**Subject:**")
	assert.Contains(t, out, "## Pending Handoffs (1)")
	assert.Contains(t, out, "```json")
	assert.Contains(t, out, `"pr": 42`)
}
