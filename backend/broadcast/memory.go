/*
 * Copyright 2025 The Coral Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package broadcast

import (
	"sync"
	"time"

	"github.com/coral-db/coral/pkg/cmap"
)

// Hub is an in-process broadcast medium shared by every instance attached to
// it. It models the same-origin shared storage of co-resident clients and is
// the medium used in tests and single-process deployments.
type Hub struct {
	values *cmap.Map[string, Message]

	mu          sync.Mutex
	subscribers map[int64]Handler
	nextSubID   int64
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		values:      cmap.New[string, Message](),
		subscribers: make(map[int64]Handler),
	}
}

// Attach returns a Medium scoped to one instance sharing this hub. Messages
// published through the returned medium are not delivered back to it.
func (h *Hub) Attach() Medium {
	return &hubMedium{hub: h}
}

func (h *Hub) publish(from int64, msg Message) {
	// Last-write-wins per key by timestamp.
	h.values.Upsert(msg.Key, func(prev Message, exists bool) Message {
		if exists && prev.UpdatedAt.After(msg.UpdatedAt) {
			return prev
		}
		return msg
	})

	h.mu.Lock()
	handlers := make([]Handler, 0, len(h.subscribers))
	for id, handler := range h.subscribers {
		if id == from {
			continue
		}
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()

	// Deliver asynchronously; the medium guarantees no ordering.
	for _, handler := range handlers {
		go handler(msg)
	}
}

func (h *Hub) subscribe(handler Handler) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSubID++
	h.subscribers[h.nextSubID] = handler
	return h.nextSubID
}

func (h *Hub) unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers, id)
}

// hubMedium is one instance's attachment to a Hub.
type hubMedium struct {
	hub *Hub

	mu     sync.Mutex
	subIDs []int64
	closed bool
}

// Publish writes the key-value pair and notifies the other attachments.
func (m *hubMedium) Publish(key, value string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	from := int64(0)
	if len(m.subIDs) > 0 {
		from = m.subIDs[0]
	}
	m.mu.Unlock()

	m.hub.publish(from, Message{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	})
	return nil
}

// Subscribe registers a handler for publishes from other attachments.
func (m *hubMedium) Subscribe(handler Handler) (func(), error) {
	id := m.hub.subscribe(handler)

	m.mu.Lock()
	m.subIDs = append(m.subIDs, id)
	m.mu.Unlock()

	return func() {
		m.hub.unsubscribe(id)
	}, nil
}

// Snapshot returns the current value of every key.
func (m *hubMedium) Snapshot() []Message {
	return m.hub.values.Values()
}

// Close detaches this instance from the hub.
func (m *hubMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, id := range m.subIDs {
		m.hub.unsubscribe(id)
	}
	m.subIDs = nil
	return nil
}
