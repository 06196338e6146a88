// Copyright 2026 The Gristmill Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import (
	"container/heap"

	"github.com/gristmill-build/gristmill/dag"
)

// readyItem is one dispatchable execution waiting in a queue.
type readyItem struct {
	id       dag.ExecutionID
	priority int64
	seq      uint64
}

// readyQueue orders dispatchable executions by priority, then submission
// order. Not goroutine safe; the scheduler mutex guards it.
type readyQueue struct {
	items []readyItem
	seq   uint64
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

// add enqueues an execution.
func (q *readyQueue) add(id dag.ExecutionID, priority int64) {
	q.seq++
	heap.Push(q, readyItem{id: id, priority: priority, seq: q.seq})
}

// next dequeues the highest priority execution, if any.
func (q *readyQueue) next() (dag.ExecutionID, bool) {
	if q.Len() == 0 {
		return "", false
	}
	return heap.Pop(q).(readyItem).id, true
}
