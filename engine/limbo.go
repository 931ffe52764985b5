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

package engine

import (
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// limboTracker tracks documents whose locally visible state is not
// corroborated by the server. Each tracked key moves from enqueued (waiting
// for a slot) to active (owning a dedicated single-document watch target)
// to resolved (removed). The number of active resolutions is capped; excess
// keys wait in FIFO order.
type limboTracker struct {
	maxConcurrent int

	enqueued    []document.Key
	enqueuedSet map[document.Key]struct{}

	activeByKey    map[document.Key]*core.TargetData
	activeByTarget map[core.TargetID]document.Key
}

func newLimboTracker(maxConcurrent int) *limboTracker {
	return &limboTracker{
		maxConcurrent:  maxConcurrent,
		enqueuedSet:    make(map[document.Key]struct{}),
		activeByKey:    make(map[document.Key]*core.TargetData),
		activeByTarget: make(map[core.TargetID]document.Key),
	}
}

// Contains reports whether the key is tracked, enqueued or active.
func (t *limboTracker) Contains(key document.Key) bool {
	if _, ok := t.enqueuedSet[key]; ok {
		return true
	}
	_, ok := t.activeByKey[key]
	return ok
}

// Enqueue adds a key to the FIFO queue. Already tracked keys are ignored.
func (t *limboTracker) Enqueue(key document.Key) {
	if t.Contains(key) {
		return
	}
	t.enqueued = append(t.enqueued, key)
	t.enqueuedSet[key] = struct{}{}
}

// HasCapacity reports whether another resolution may activate.
func (t *limboTracker) HasCapacity() bool {
	return len(t.activeByKey) < t.maxConcurrent
}

// Next pops the oldest enqueued key, or false when the queue is empty.
func (t *limboTracker) Next() (document.Key, bool) {
	if len(t.enqueued) == 0 {
		return "", false
	}
	key := t.enqueued[0]
	t.enqueued = t.enqueued[1:]
	delete(t.enqueuedSet, key)
	return key, true
}

// Activate records the dedicated watch target of a key.
func (t *limboTracker) Activate(key document.Key, data *core.TargetData) {
	t.activeByKey[key] = data
	t.activeByTarget[data.TargetID] = key
}

// Resolve removes an active resolution by target id and returns its key.
func (t *limboTracker) Resolve(id core.TargetID) (document.Key, bool) {
	key, ok := t.activeByTarget[id]
	if !ok {
		return "", false
	}
	delete(t.activeByTarget, id)
	delete(t.activeByKey, key)
	return key, true
}

// Remove drops a key from tracking regardless of state. It returns the
// target data of an active resolution, or nil.
func (t *limboTracker) Remove(key document.Key) *core.TargetData {
	if _, ok := t.enqueuedSet[key]; ok {
		delete(t.enqueuedSet, key)
		for i, k := range t.enqueued {
			if k == key {
				t.enqueued = append(t.enqueued[:i], t.enqueued[i+1:]...)
				break
			}
		}
		return nil
	}

	data, ok := t.activeByKey[key]
	if !ok {
		return nil
	}
	delete(t.activeByKey, key)
	delete(t.activeByTarget, data.TargetID)
	return data
}

// TargetData returns the target data of an active resolution target.
func (t *limboTracker) TargetData(id core.TargetID) *core.TargetData {
	key, ok := t.activeByTarget[id]
	if !ok {
		return nil
	}
	return t.activeByKey[key]
}

// IsLimboTarget reports whether the target id belongs to an active
// resolution.
func (t *limboTracker) IsLimboTarget(id core.TargetID) bool {
	_, ok := t.activeByTarget[id]
	return ok
}

// EnqueuedKeys returns the waiting keys in FIFO order.
func (t *limboTracker) EnqueuedKeys() []document.Key {
	keys := make([]document.Key, len(t.enqueued))
	copy(keys, t.enqueued)
	return keys
}

// ActiveKeys returns the keys with a dedicated watch target.
func (t *limboTracker) ActiveKeys() map[document.Key]core.TargetID {
	keys := make(map[document.Key]core.TargetID, len(t.activeByKey))
	for key, data := range t.activeByKey {
		keys[key] = data.TargetID
	}
	return keys
}
