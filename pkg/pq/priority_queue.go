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

// Package pq provides a priority queue.
package pq

import (
	"container/heap"
)

// Value represents the data stored by PriorityQueue.
type Value[V any] interface {
	Less(other V) bool
}

// PriorityQueue is a priority queue. The element for which Less reports true
// against all others is popped first.
type PriorityQueue[V Value[V]] struct {
	queue *internalQueue[V]
}

// NewPriorityQueue creates an instance of PriorityQueue.
func NewPriorityQueue[V Value[V]]() *PriorityQueue[V] {
	pq := &internalQueue[V]{}
	heap.Init(pq)

	return &PriorityQueue[V]{
		queue: pq,
	}
}

// Peek returns the minimum element of this PriorityQueue.
func (pq *PriorityQueue[V]) Peek() V {
	return pq.queue.Peek()
}

// Pop removes and returns the minimum element of this PriorityQueue.
func (pq *PriorityQueue[V]) Pop() V {
	return heap.Pop(pq.queue).(*pqItem[V]).value
}

// Push pushes the given value onto this PriorityQueue.
func (pq *PriorityQueue[V]) Push(value V) {
	item := &pqItem[V]{value: value, index: -1}
	heap.Push(pq.queue, item)
}

// Len is the number of elements in this PriorityQueue.
func (pq *PriorityQueue[V]) Len() int {
	return pq.queue.Len()
}

// Values returns the values of this PriorityQueue in heap order.
func (pq *PriorityQueue[V]) Values() []V {
	var values []V
	for _, item := range *pq.queue {
		values = append(values, item.value)
	}
	return values
}

// pqItem is an element managed by the internal heap.
type pqItem[V Value[V]] struct {
	value V
	index int
}

// internalQueue implements heap.Interface.
type internalQueue[V Value[V]] []*pqItem[V]

// Len is the number of elements in this internalQueue.
func (q internalQueue[V]) Len() int { return len(q) }

// Less reports whether the element with index i sorts before the element
// with index j.
func (q internalQueue[V]) Less(i, j int) bool {
	return q[i].value.Less(q[j].value)
}

// Swap swaps the elements with indexes i and j.
func (q internalQueue[V]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

// Push pushes the element x onto this internalQueue.
func (q *internalQueue[V]) Push(x interface{}) {
	n := len(*q)
	item := x.(*pqItem[V])
	item.index = n
	*q = append(*q, item)
}

// Pop removes and returns the minimum element of this internalQueue.
func (q *internalQueue[V]) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*q = old[0 : n-1]
	return item
}

// Peek returns the minimum element of this internalQueue.
func (q internalQueue[V]) Peek() V {
	return q[0].value
}
