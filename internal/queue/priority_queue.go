// Package queue implements a min-heap priority queue, used for the path
// table's expiry ordering and the resource transfer's part-retry
// scheduling. Adapted from the teacher's queue.PriorityQueue, trimmed to
// the New/Enqueue/Peek/Pop surface this module actually calls.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
	idx      int
}

type priorityQueueImpl []*Entry

func (pq priorityQueueImpl) Len() int {
	return len(pq)
}

func (pq priorityQueueImpl) Less(i, j int) bool {
	return pq[i].Priority < pq[j].Priority
}

func (pq priorityQueueImpl) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].idx = i
	pq[j].idx = j
}

func (pq *priorityQueueImpl) Push(x interface{}) {
	n := len(*pq)
	entry := x.(*Entry)
	entry.idx = n
	*pq = append(*pq, entry)
}

func (pq *priorityQueueImpl) Pop() interface{} {
	old := *pq
	n := len(old)
	entry := old[n-1]
	entry.idx = -1
	*pq = old[0 : n-1]
	return entry
}

// PriorityQueue is a priority queue instance.
type PriorityQueue struct {
	heap priorityQueueImpl
}

// Peek returns the 0th entry (lowest priority) if any, leaving the
// PriorityQueue unaltered. Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the 0th entry (lowest priority) if any.
func (q *PriorityQueue) Pop() *Entry {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry)
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	ent := &Entry{
		Value:    value,
		Priority: priority,
	}
	heap.Push(&q.heap, ent)
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return q.heap.Len()
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make(priorityQueueImpl, 0),
	}
	heap.Init(&q.heap)
	return q
}
