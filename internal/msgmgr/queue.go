package msgmgr

import (
	"container/heap"
	"sync"

	"github.com/joshuadahlunr/wnts/internal/proto"
)

// entry is one queued message with its processing priority. seq keeps
// pops stable for equal keys.
type entry struct {
	msg      *proto.Message
	priority int
	seq      uint64
}

// entryHeap orders by priority (low first), then — within the file
// message family — by timestamp (earlier first), then FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.msg.Type.IsFileScoped() && b.msg.Type.IsFileScoped() &&
		!a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// messageQueue is the thread-safe priority queue every peer reader feeds
// and the single processing thread drains.
type messageQueue struct {
	mu      sync.Mutex
	heap    entryHeap
	nextSeq uint64
}

func newMessageQueue() *messageQueue {
	return &messageQueue{}
}

func (q *messageQueue) push(m *proto.Message, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &entry{msg: m, priority: priority, seq: q.nextSeq})
	q.nextSeq++
}

func (q *messageQueue) pop() (*proto.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*entry)
	return e.msg, true
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
