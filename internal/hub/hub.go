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

// Package hub implements the process-wide WebSocket event fan-out.
// Subscribers register interest by topic; delivery is best-effort and
// at-most-once per connection, with no replay on reconnect. A slow
// consumer whose send buffer fills simply misses events.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/fleet/internal/log"
)

// Event types emitted on the hub.
const (
	EventWorkerSpawned   = "worker_spawned"
	EventWorkerDismissed = "worker_dismissed"
	EventWorkerOutput    = "worker_output"
	EventWorkerExit      = "worker_exit"
	EventTaskAssigned    = "task_assigned"
	EventNewMessage      = "new_message"
	EventBroadcast       = "broadcast"

	EventWorkflowStarted   = "workflow:started"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"
	EventWorkflowCancelled = "workflow:cancelled"
	EventStepStarted       = "step:started"
	EventStepCompleted     = "step:completed"
	EventStepFailed        = "step:failed"
	EventStepSkipped       = "step:skipped"
)

// TopicAll subscribes a client to every event regardless of topic.
const TopicAll = "*"

// Event is a single fan-out message. Payload is the JSON of the entity
// that changed.
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the write side of the hub, consumed by the engines.
type Publisher interface {
	Publish(event Event)
}

// Hub routes events to subscribed WebSocket clients.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	logger *slog.Logger
}

// New creates an event hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		logger: log.WithComponent(logger, "hub"),
	}
}

// Subscribe registers a client's interest in a topic.
func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

// Unsubscribe removes a client from a topic.
func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Remove detaches a client from every topic. Called when the connection
// closes.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish delivers an event to the topic's subscribers and to wildcard
// subscribers. Broadcasts take a snapshot so a slow client cannot hold
// the subscriber lock.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to marshal event", log.Error(err), "event_type", event.Type)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0)
	for c := range h.topics[event.Topic] {
		targets = append(targets, c)
	}
	if event.Topic != TopicAll {
		for c := range h.topics[TopicAll] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Best-effort delivery: a full buffer means the client
			// misses this event.
		}
	}
}

// SubscriberCount returns the number of clients subscribed to a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
