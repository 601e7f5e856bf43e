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

package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(h *Hub) *Client {
	return &Client{hub: h, send: make(chan []byte, sendBuffer)}
}

func TestPublish_TopicRouting(t *testing.T) {
	h := newTestHub()
	chatClient := newTestClient(h)
	otherClient := newTestClient(h)

	h.Subscribe(chatClient, "chat:42")
	h.Subscribe(otherClient, "chat:99")

	h.Publish(Event{Type: EventNewMessage, Topic: "chat:42", Payload: map[string]any{"body": "hi"}})

	require.Len(t, chatClient.send, 1)
	assert.Empty(t, otherClient.send)

	var got Event
	require.NoError(t, json.Unmarshal(<-chatClient.send, &got))
	assert.Equal(t, EventNewMessage, got.Type)
	assert.Equal(t, "chat:42", got.Topic)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPublish_WildcardReceivesEverything(t *testing.T) {
	h := newTestHub()
	wildcard := newTestClient(h)
	h.Subscribe(wildcard, TopicAll)

	h.Publish(Event{Type: EventWorkerSpawned, Topic: "chat:1"})
	h.Publish(Event{Type: EventWorkerOutput, Topic: "chat:2"})

	assert.Len(t, wildcard.send, 2)
}

func TestPublish_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := newTestHub()
	slow := &Client{hub: h, send: make(chan []byte, 1)}
	h.Subscribe(slow, TopicAll)

	h.Publish(Event{Type: EventBroadcast})
	// Buffer full; this one is dropped, Publish must not block.
	h.Publish(Event{Type: EventBroadcast})

	assert.Len(t, slow.send, 1)
}

func TestRemove_DetachesFromAllTopics(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)
	h.Subscribe(c, TopicAll)
	h.Subscribe(c, "chat:1")

	require.Equal(t, 1, h.SubscriberCount("chat:1"))
	h.Remove(c)
	assert.Equal(t, 0, h.SubscriberCount("chat:1"))
	assert.Equal(t, 0, h.SubscriberCount(TopicAll))

	// Publishing after removal delivers nothing.
	h.Publish(Event{Type: EventBroadcast, Topic: "chat:1"})
	assert.Empty(t, c.send)
}

func TestUnsubscribe_KeepsOtherTopics(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h)
	h.Subscribe(c, "chat:1")
	h.Subscribe(c, "chat:2")

	h.Unsubscribe(c, "chat:1")

	h.Publish(Event{Type: EventNewMessage, Topic: "chat:1"})
	assert.Empty(t, c.send)
	h.Publish(Event{Type: EventNewMessage, Topic: "chat:2"})
	assert.Len(t, c.send, 1)
}
