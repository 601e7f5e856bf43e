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

package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

func TestCreateTrigger_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	d := registerWorkflow(t, e, store.GraphDefinition{
		Steps: []store.StepDefinition{scriptStep("only", "execution.id")},
	})

	_, err := e.CreateTrigger(ctx, &store.WorkflowTrigger{WorkflowID: d.ID, TriggerType: "psychic"})
	var validation *errors.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = e.CreateTrigger(ctx, &store.WorkflowTrigger{WorkflowID: "ghost", TriggerType: store.TriggerBlackboard})
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestBlackboardTriggerFires(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	d := registerWorkflow(t, e, store.GraphDefinition{
		Steps: []store.StepDefinition{scriptStep("only", "execution.context.triggerMessage.messageType")},
	})

	_, err := e.CreateTrigger(ctx, &store.WorkflowTrigger{
		WorkflowID:  d.ID,
		TriggerType: store.TriggerBlackboard,
		IsEnabled:   true,
		Config: map[string]any{
			"swarmId":     "swarm-1",
			"messageType": "alert",
			"filter":      map[string]any{"severity": "high"},
		},
	})
	require.NoError(t, err)

	// A low-severity alert does not match the filter.
	require.NoError(t, st.CreateMessage(ctx, &store.BlackboardMessage{
		ID: "m1", SwarmID: "swarm-1", SenderHandle: "scout", MessageType: "alert",
		Priority: store.PriorityNormal, Payload: map[string]any{"severity": "low"},
	}))
	e.pollTriggers(ctx)

	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)

	// A matching alert starts the workflow with the message as input.
	require.NoError(t, st.CreateMessage(ctx, &store.BlackboardMessage{
		ID: "m2", SwarmID: "swarm-1", SenderHandle: "scout", MessageType: "alert",
		Priority: store.PriorityHigh, Payload: map[string]any{"severity": "high"},
	}))
	e.pollTriggers(ctx)

	execs, err = st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	msg, ok := execs[0].Context["triggerMessage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m2", msg["id"])

	// The watermark advanced; the same message does not fire twice.
	e.pollTriggers(ctx)
	execs, err = st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestEventTriggerFiresOnName(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	d := registerWorkflow(t, e, store.GraphDefinition{
		Steps: []store.StepDefinition{scriptStep("only", "execution.context.event")},
	})
	_, err := e.CreateTrigger(ctx, &store.WorkflowTrigger{
		WorkflowID:  d.ID,
		TriggerType: store.TriggerEvent,
		IsEnabled:   true,
		Config:      map[string]any{"event": "deploy.finished"},
	})
	require.NoError(t, err)

	require.NoError(t, e.FireEvent(ctx, store.TriggerEvent, "deploy.started", nil))
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)

	require.NoError(t, e.FireEvent(ctx, store.TriggerEvent, "deploy.finished", map[string]any{"sha": "abc123"}))
	execs, err = st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "deploy.finished", execs[0].Context["event"])
}
