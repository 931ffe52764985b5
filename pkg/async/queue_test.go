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

package async_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/pkg/async"
)

func TestQueue(t *testing.T) {
	t.Run("tasks run in enqueue order test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		var order []int
		for i := 0; i < 10; i++ {
			i := i
			queue.Enqueue(func() {
				order = append(order, i)
			})
		}
		queue.Drain()

		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	})

	t.Run("enqueue from running task test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		var order []string
		queue.Enqueue(func() {
			order = append(order, "outer")
			queue.Enqueue(func() {
				order = append(order, "inner")
			})
		})
		queue.Enqueue(func() {
			order = append(order, "second")
		})
		queue.Drain()
		queue.Drain()

		assert.Equal(t, []string{"outer", "second", "inner"}, order)
	})

	t.Run("schedule replaces pending timer test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		var ran atomic.Int32
		queue.Schedule("timer", time.Hour, func() {
			ran.Add(1)
		})
		queue.Schedule("timer", time.Hour, func() {
			ran.Add(10)
		})
		assert.True(t, queue.ContainsDelayed("timer"))

		queue.ForceRunDelayedTasks()
		assert.Equal(t, int32(10), ran.Load())
		assert.False(t, queue.ContainsDelayed("timer"))
	})

	t.Run("cancel test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		queue.Schedule("timer", time.Hour, func() {
			t.Error("cancelled task ran")
		})
		assert.True(t, queue.Cancel("timer"))
		assert.False(t, queue.Cancel("timer"))
		assert.False(t, queue.ContainsDelayed("timer"))

		queue.ForceRunDelayedTasks()
	})

	t.Run("force run in due order test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		var order []string
		queue.Schedule("late", 2*time.Hour, func() {
			order = append(order, "late")
		})
		queue.Schedule("early", time.Hour, func() {
			order = append(order, "early")
		})

		queue.ForceRunDelayedTasks()
		assert.Equal(t, []string{"early", "late"}, order)
	})

	t.Run("elapsed timer fires test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Close()

		done := make(chan struct{})
		queue.Schedule("soon", time.Millisecond, func() {
			close(done)
		})

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("close drops new tasks test", func(t *testing.T) {
		queue := async.NewQueue()

		var ran atomic.Int32
		queue.EnqueueAndWait(func() {
			ran.Add(1)
		})
		queue.Close()

		queue.Enqueue(func() {
			ran.Add(1)
		})
		queue.EnqueueAndWait(func() {
			ran.Add(1)
		})
		queue.Schedule("timer", time.Millisecond, func() {
			ran.Add(1)
		})
		time.Sleep(10 * time.Millisecond)

		assert.Equal(t, int32(1), ran.Load())
	})
}
