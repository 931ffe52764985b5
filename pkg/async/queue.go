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

// Package async provides the single ordered task queue that serializes every
// state mutation of a client instance. Network callbacks, timers and
// application calls all enter as tasks on one queue, so no two tasks ever run
// interleaved and no fine-grained locking is needed in the engine. Timers are
// delayed tasks identified by a TimerID, cancellable and fast-forwardable for
// deterministic tests.
package async

import (
	"sync"
	"time"

	"github.com/coral-db/coral/pkg/pq"
)

// TimerID identifies a kind of delayed task on the queue. At most one delayed
// task per TimerID is scheduled at a time.
type TimerID string

// DelayedTask is a scheduled task that has not run yet.
type DelayedTask struct {
	id    TimerID
	dueAt time.Time
	seq   int64
	task  func()

	timer *time.Timer
	done  bool
}

// ID returns the TimerID of this task.
func (d *DelayedTask) ID() TimerID {
	return d.id
}

// Less orders delayed tasks by due time, then by scheduling order.
func (d *DelayedTask) Less(other *DelayedTask) bool {
	if d.dueAt.Equal(other.dueAt) {
		return d.seq < other.seq
	}
	return d.dueAt.Before(other.dueAt)
}

// Queue runs tasks one at a time in enqueue order on a dedicated goroutine.
// A task runs to completion before the next one starts; suspension happens
// only at task boundaries.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	delayed map[TimerID]*DelayedTask
	seq     int64
	closed  bool
	idle    *sync.Cond
	running bool
}

// NewQueue creates a Queue and starts its worker goroutine.
func NewQueue() *Queue {
	q := &Queue{
		delayed: make(map[TimerID]*DelayedTask),
	}
	q.cond = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)

	go q.loop()
	return q
}

// Enqueue appends the given task to the queue. It is safe to call from any
// goroutine, including from a running task.
func (q *Queue) Enqueue(task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.tasks = append(q.tasks, task)
	q.cond.Signal()
}

// EnqueueAndWait enqueues the given task and blocks until it has run. It must
// not be called from a task already running on this queue.
func (q *Queue) EnqueueAndWait(task func()) {
	done := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, func() {
		defer close(done)
		task()
	})
	q.cond.Signal()
	q.mu.Unlock()

	<-done
}

// Schedule enqueues a task to run after the given delay. Scheduling a TimerID
// that is already pending replaces the pending task.
func (q *Queue) Schedule(id TimerID, delay time.Duration, task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if prev, ok := q.delayed[id]; ok {
		prev.done = true
		prev.timer.Stop()
	}

	q.seq++
	d := &DelayedTask{
		id:    id,
		dueAt: time.Now().Add(delay),
		seq:   q.seq,
		task:  task,
	}
	d.timer = time.AfterFunc(delay, func() {
		q.fire(d)
	})
	q.delayed[id] = d
}

// Cancel removes the pending delayed task with the given TimerID. It returns
// false if no such task is pending.
func (q *Queue) Cancel(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.delayed[id]
	if !ok {
		return false
	}

	d.done = true
	d.timer.Stop()
	delete(q.delayed, id)
	return true
}

// ContainsDelayed returns whether a delayed task with the given TimerID is
// pending. Intended for tests.
func (q *Queue) ContainsDelayed(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.delayed[id]
	return ok
}

// ForceRunDelayedTasks runs every pending delayed task immediately, in due
// order, without waiting for its delay to elapse. It blocks until the tasks
// have run. Intended for deterministic backoff and lease tests.
func (q *Queue) ForceRunDelayedTasks() {
	q.mu.Lock()
	queue := pq.NewPriorityQueue[*DelayedTask]()
	for _, d := range q.delayed {
		d.done = true
		d.timer.Stop()
		queue.Push(d)
	}
	q.delayed = make(map[TimerID]*DelayedTask)
	q.mu.Unlock()

	for queue.Len() > 0 {
		d := queue.Pop()
		q.EnqueueAndWait(d.task)
	}
}

// Drain blocks until every task currently enqueued has run.
func (q *Queue) Drain() {
	q.EnqueueAndWait(func() {})
}

// Close stops the queue. Tasks already enqueued still run, new and delayed
// tasks are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	for _, d := range q.delayed {
		d.done = true
		d.timer.Stop()
	}
	q.delayed = make(map[TimerID]*DelayedTask)
	q.cond.Signal()
}

// fire moves a delayed task whose timer elapsed onto the main queue.
func (q *Queue) fire(d *DelayedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || d.done {
		return
	}

	d.done = true
	delete(q.delayed, d.id)
	q.tasks = append(q.tasks, d.task)
	q.cond.Signal()
}

// loop is the worker goroutine. It pops and runs tasks one at a time.
func (q *Queue) loop() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.idle.Broadcast()
			q.cond.Wait()
		}
		if q.closed && len(q.tasks) == 0 {
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}

		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}
