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

package pq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/pkg/pq"
)

type testValue int

func (v testValue) Less(other testValue) bool {
	return v < other
}

func TestPriorityQueue(t *testing.T) {
	t.Run("pop order test", func(t *testing.T) {
		queue := pq.NewPriorityQueue[testValue]()
		for _, v := range []testValue{5, 1, 4, 2, 3} {
			queue.Push(v)
		}
		assert.Equal(t, 5, queue.Len())
		assert.Equal(t, testValue(1), queue.Peek())

		var popped []testValue
		for queue.Len() > 0 {
			popped = append(popped, queue.Pop())
		}
		assert.Equal(t, []testValue{1, 2, 3, 4, 5}, popped)
	})

	t.Run("peek keeps element test", func(t *testing.T) {
		queue := pq.NewPriorityQueue[testValue]()
		queue.Push(2)
		queue.Push(1)

		assert.Equal(t, testValue(1), queue.Peek())
		assert.Equal(t, 2, queue.Len())
	})
}
