package container

import (
	"container/heap"
	"time"
)

type Item[T any] struct {
	Value      T
	Priority   int
	EnqueuedAt time.Time
	Index      int

	seq uint64
}

// items is the heap.Interface backing store. Higher priority first, then
// earlier enqueue time, then insertion order.
type items[T any] []*Item[T]

func (q items[T]) Len() int { return len(q) }

func (q items[T]) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if !q[i].EnqueuedAt.Equal(q[j].EnqueuedAt) {
		return q[i].EnqueuedAt.Before(q[j].EnqueuedAt)
	}
	return q[i].seq < q[j].seq
}

func (q items[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].Index = i
	q[j].Index = j
}

func (q *items[T]) Push(x any) {
	item := x.(*Item[T])
	item.Index = len(*q)
	*q = append(*q, item)
}

func (q *items[T]) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*q = old[0 : n-1]
	return item
}

// PriorityQueue is a max-priority queue that is FIFO among equal priorities.
// It is not safe for concurrent use.
type PriorityQueue[T any] struct {
	items items[T]
	seq   uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq *PriorityQueue[T]) Push(value T, priority int) *Item[T] {
	pq.seq++
	item := &Item[T]{
		Value:      value,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        pq.seq,
	}
	heap.Push(&pq.items, item)
	return item
}

// Pop removes the highest priority item. ok is false when the queue is empty.
func (pq *PriorityQueue[T]) Pop() (item *Item[T], ok bool) {
	if len(pq.items) == 0 {
		return nil, false
	}
	return heap.Pop(&pq.items).(*Item[T]), true
}

func (pq *PriorityQueue[T]) Peek() (*Item[T], bool) {
	if len(pq.items) == 0 {
		return nil, false
	}
	return pq.items[0], true
}

// Drain empties the queue and returns its values in pop order.
func (pq *PriorityQueue[T]) Drain() []T {
	out := make([]T, 0, len(pq.items))
	for len(pq.items) > 0 {
		out = append(out, heap.Pop(&pq.items).(*Item[T]).Value)
	}
	return out
}
