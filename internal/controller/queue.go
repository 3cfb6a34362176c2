package controller

import (
	"container/heap"
	"sync"
)

// command is one unit of work for the controller's worker goroutine.
// Foreground commands come from direct user actions and jump ahead of
// background work; within the same class commands run in submission
// order.
type command struct {
	description string
	listener    Listener
	run         func() error
	foreground  bool
	seq         uint64
}

type commandHeap []*command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].foreground != h[j].foreground {
		return h[i].foreground
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(*command)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// commandQueue is an unbounded blocking priority queue. Take blocks
// until a command is available or the queue is closed.
type commandQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   commandHeap
	closed bool
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *commandQueue) Put(c *command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.heap, c)
	q.cond.Signal()
}

// Take removes the highest-priority command, blocking while the queue
// is empty. It returns false once the queue is closed and drained.
func (q *commandQueue) Take() (*command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*command), true
}

// Close stops the queue. Commands already queued are still handed out
// by Take; new Puts are dropped.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
