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

// Package broadcast provides the shared medium through which co-resident
// client instances propagate visible state: mutation batch transitions,
// active targets and the online state. The medium is same-origin,
// at-least-once and eventually consistent; the only ordering guarantee is
// per-key last-write-wins by timestamp. Nothing in the engine relies on it
// for data consistency.
package broadcast

import (
	"time"
)

// Message is one published key-value pair.
type Message struct {
	// Key is the state key, unique per logical item.
	Key string

	// Value is the serialized state.
	Value string

	// UpdatedAt orders writes to the same key.
	UpdatedAt time.Time
}

// Handler consumes published messages. Handlers may be invoked from any
// goroutine; consumers re-enqueue onto their own task queue.
type Handler func(msg Message)

// Medium is the shared broadcast contract.
type Medium interface {
	// Publish writes the key-value pair and notifies subscribers of other
	// instances. Delivery is best-effort.
	Publish(key, value string) error

	// Subscribe registers a handler for future publishes. It returns an
	// unsubscribe function.
	Subscribe(handler Handler) (func(), error)

	// Snapshot returns the current value of every key, for late joiners.
	Snapshot() []Message

	// Close detaches from the medium.
	Close() error
}
