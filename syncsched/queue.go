// Package syncsched orders pending transfers for the next transmission
// opportunity.
package syncsched

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

// queuedTask pairs a task with its insertion sequence.
type queuedTask struct {
	task model.SyncTask
	seq  uint64
}

// taskHeap is ordered by priority tier, then by insertion sequence.
type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// PriorityQueue is a thread-safe queue of SyncTasks. Critical tasks leave
// first; tasks of equal priority leave in insertion order.
type PriorityQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	counter uint64
	bytes   uint64
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// AddTask enqueues a transfer and returns its ID ("task_<n>").
func (q *PriorityQueue) AddTask(nodeID string, dataSizeBytes uint64, priority model.Priority, description string) string {
	id, _ := q.Push(model.SyncTask{
		NodeID:        nodeID,
		DataSizeBytes: dataSizeBytes,
		Priority:      priority,
		Description:   description,
	})
	return id
}

// Push enqueues t, assigning a fresh TaskID. The stored copy is returned.
func (q *PriorityQueue) Push(t model.SyncTask) (string, model.SyncTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	t.TaskID = fmt.Sprintf("task_%d", q.counter)
	heap.Push(&q.heap, queuedTask{task: t, seq: q.counter})
	q.bytes += t.DataSizeBytes
	return t.TaskID, t
}

// PopTask removes the most urgent task.
func (q *PriorityQueue) PopTask() (model.SyncTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return model.SyncTask{}, false
	}
	qt := heap.Pop(&q.heap).(queuedTask)
	q.bytes -= qt.task.DataSizeBytes
	return qt.task, true
}

// PopIf removes the most urgent task only when accept approves it. The
// check and the removal happen under one lock, so a concurrent Push can
// not slip an unchecked task in between.
func (q *PriorityQueue) PopIf(accept func(model.SyncTask) bool) (model.SyncTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || !accept(q.heap[0].task) {
		return model.SyncTask{}, false
	}
	qt := heap.Pop(&q.heap).(queuedTask)
	q.bytes -= qt.task.DataSizeBytes
	return qt.task, true
}

// PeekTask returns the most urgent task without removing it.
func (q *PriorityQueue) PeekTask() (model.SyncTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return model.SyncTask{}, false
	}
	return q.heap[0].task, true
}

// IsEmpty reports whether no tasks are queued.
func (q *PriorityQueue) IsEmpty() bool { return q.Size() == 0 }

// Size returns the number of queued tasks.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// TotalBytesPending sums DataSizeBytes across queued tasks.
func (q *PriorityQueue) TotalBytesPending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
