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
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/fleet/internal/log"
	"github.com/tombee/fleet/internal/store"
	"github.com/tombee/fleet/pkg/errors"
)

// CreateTrigger validates and persists a workflow trigger.
func (e *Engine) CreateTrigger(ctx context.Context, t *store.WorkflowTrigger) (*store.WorkflowTrigger, error) {
	switch t.TriggerType {
	case store.TriggerEvent, store.TriggerSchedule, store.TriggerWebhook, store.TriggerBlackboard:
	default:
		return nil, &errors.ValidationError{
			Field:   "trigger_type",
			Message: "unknown trigger type: " + string(t.TriggerType),
		}
	}
	if _, err := e.store.GetDefinition(ctx, t.WorkflowID); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if err := e.store.CreateTrigger(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("trigger created", "trigger_id", t.ID, "workflow_id", t.WorkflowID, "type", string(t.TriggerType))
	return t, nil
}

// EnableTrigger flips a trigger's enabled flag.
func (e *Engine) EnableTrigger(ctx context.Context, id string, enabled bool) error {
	t, err := e.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	t.IsEnabled = enabled
	return e.store.UpdateTrigger(ctx, t)
}

// FireEvent starts workflows attached to event triggers matching the
// event name. Called by the transport layer for event and webhook
// triggers.
func (e *Engine) FireEvent(ctx context.Context, triggerType store.TriggerType, eventName string, payload map[string]any) error {
	triggers, err := e.store.ListEnabledTriggers(ctx, triggerType)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if name := configString(t.Config, "event"); name != "" && name != eventName {
			continue
		}
		e.fire(ctx, t, map[string]any{"event": eventName, "payload": payload})
	}
	return nil
}

// pollTriggers runs each cycle: blackboard triggers scan for messages
// posted since they last fired, schedule triggers fire when their
// interval elapses.
func (e *Engine) pollTriggers(ctx context.Context) {
	e.pollBlackboardTriggers(ctx)
	e.pollScheduleTriggers(ctx)
}

func (e *Engine) pollBlackboardTriggers(ctx context.Context) {
	triggers, err := e.store.ListEnabledTriggers(ctx, store.TriggerBlackboard)
	if err != nil {
		e.logger.Warn("failed to list blackboard triggers", log.Error(err))
		return
	}

	for _, t := range triggers {
		swarmID := configString(t.Config, "swarmId")
		messageType := configString(t.Config, "messageType")
		if swarmID == "" || messageType == "" {
			continue
		}

		filter := store.BlackboardFilter{MessageType: messageType}
		if t.LastFiredAt != nil {
			filter.Since = *t.LastFiredAt
		}
		messages, err := e.board.ListMessages(ctx, swarmID, filter)
		if err != nil {
			e.logger.Warn("failed to poll blackboard trigger", log.Error(err), "trigger_id", t.ID)
			continue
		}

		matchFilter, _ := t.Config["filter"].(map[string]any)
		for _, msg := range messages {
			if !payloadMatches(msg.Payload, matchFilter) {
				continue
			}
			e.fire(ctx, t, map[string]any{"triggerMessage": map[string]any{
				"id":          msg.ID,
				"sender":      msg.SenderHandle,
				"messageType": msg.MessageType,
				"payload":     msg.Payload,
			}})
		}
	}
}

// pollScheduleTriggers fires triggers whose intervalSeconds has passed
// since the last firing.
func (e *Engine) pollScheduleTriggers(ctx context.Context) {
	triggers, err := e.store.ListEnabledTriggers(ctx, store.TriggerSchedule)
	if err != nil {
		e.logger.Warn("failed to list schedule triggers", log.Error(err))
		return
	}

	now := time.Now()
	for _, t := range triggers {
		seconds, ok := t.Config["intervalSeconds"].(float64)
		if !ok || seconds <= 0 {
			if n, isInt := t.Config["intervalSeconds"].(int); isInt && n > 0 {
				seconds = float64(n)
			} else {
				continue
			}
		}
		interval := time.Duration(seconds * float64(time.Second))
		if t.LastFiredAt != nil && now.Sub(*t.LastFiredAt) < interval {
			continue
		}
		e.fire(ctx, t, map[string]any{"scheduledAt": now.Format(time.RFC3339)})
	}
}

// payloadMatches applies a trigger's key/value equality filter. A nil
// filter matches everything.
func payloadMatches(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// fire starts the trigger's workflow and advances its watermark.
func (e *Engine) fire(ctx context.Context, t *store.WorkflowTrigger, inputs map[string]any) {
	swarmID := configString(t.Config, "swarmId")
	if _, err := e.StartWorkflow(ctx, t.WorkflowID, inputs, "trigger:"+t.ID, swarmID); err != nil {
		e.logger.Warn("trigger failed to start workflow", log.Error(err), "trigger_id", t.ID)
		return
	}

	now := time.Now()
	t.LastFiredAt = &now
	t.FireCount++
	if err := e.store.UpdateTrigger(ctx, t); err != nil {
		e.logger.Warn("failed to advance trigger watermark", log.Error(err), "trigger_id", t.ID)
	}
	e.logger.Info("trigger fired", "trigger_id", t.ID, "workflow_id", t.WorkflowID, "fire_count", t.FireCount)
}
