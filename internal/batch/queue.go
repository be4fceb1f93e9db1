package batch

import (
	"sync"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// Queue is a bounded per-source FIFO with a drop-oldest policy.
//
// Push never blocks: when the queue is full the oldest queued frame is
// evicted to make room for the newest one.
type Queue struct {
	mu    sync.Mutex
	buf   []types.Frame
	head  int
	count int

	pushed  uint64
	dropped uint64
	popped  uint64
}

// NewQueue creates a queue holding at most depth frames (minimum 1).
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{buf: make([]types.Frame, depth)}
}

// Push appends f and reports whether an older frame was evicted.
func (q *Queue) Push(f types.Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushed++
	depth := len(q.buf)

	if q.count == depth {
		q.buf[q.head] = types.Frame{}
		q.head = (q.head + 1) % depth
		q.count--
		q.dropped++
		evicted = true
	}

	q.buf[(q.head+q.count)%depth] = f
	q.count++
	return evicted
}

// Pop removes and returns the oldest frame.
func (q *Queue) Pop() (types.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return types.Frame{}, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = types.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.popped++
	return f, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Depth returns the configured capacity.
func (q *Queue) Depth() int {
	return len(q.buf)
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Depth   int    `json:"depth"`
	Len     int    `json:"len"`
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
	Popped  uint64 `json:"popped"`
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:   len(q.buf),
		Len:     q.count,
		Pushed:  q.pushed,
		Dropped: q.dropped,
		Popped:  q.popped,
	}
}
