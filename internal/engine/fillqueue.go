package engine

import (
	"container/heap"
	"sync"

	"coinbase-gridbot/pkg/types"
)

// fillQueue buffers fills from the user stream until the tick loop drains
// them. Draining yields fills in exchange-timestamp order regardless of
// arrival order.
type fillQueue struct {
	mu sync.Mutex
	h  fillHeap
}

func newFillQueue() *fillQueue {
	q := &fillQueue{}
	heap.Init(&q.h)
	return q
}

func (q *fillQueue) Push(f types.Fill) {
	q.mu.Lock()
	heap.Push(&q.h, f)
	q.mu.Unlock()
}

// Drain removes and returns all buffered fills, oldest first.
func (q *fillQueue) Drain() []types.Fill {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Fill, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(types.Fill))
	}
	return out
}

func (q *fillQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

type fillHeap []types.Fill

func (h fillHeap) Len() int            { return len(h) }
func (h fillHeap) Less(i, j int) bool  { return h[i].Timestamp.Before(h[j].Timestamp) }
func (h fillHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fillHeap) Push(x any)         { *h = append(*h, x.(types.Fill)) }
func (h *fillHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}
