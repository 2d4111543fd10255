package persist

import (
	"sync"
	"sync/atomic"
)

// Entry is a queued point with its enqueue sequence number.
type Entry struct {
	Seq   uint64
	Point Point
}

// RetryQueue is a fixed-capacity FIFO ring of points awaiting a retry.
// When full, Push evicts the oldest entry and counts the drop.
type RetryQueue struct {
	mu      sync.Mutex
	buf     []Entry
	head    int
	size    int
	nextSeq uint64

	dropped atomic.Uint64
}

// NewRetryQueue creates a queue holding at most capacity points.
func NewRetryQueue(capacity int) *RetryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RetryQueue{buf: make([]Entry, capacity)}
}

// Push appends p. It returns ErrQueueFull if the oldest entry was dropped.
func (q *RetryQueue) Push(p Point) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	e := Entry{Seq: q.nextSeq, Point: p}

	if q.size == len(q.buf) {
		q.buf[q.head] = e
		q.head = (q.head + 1) % len(q.buf)
		q.dropped.Add(1)
		return ErrQueueFull
	}

	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++
	return nil
}

// Peek returns the oldest entry without removing it.
func (q *RetryQueue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Entry{}, false
	}
	return q.buf[q.head], true
}

// RemoveIfHead removes the oldest entry if it is still the one with seq.
// It returns false if that entry was already evicted.
func (q *RetryQueue) RemoveIfHead(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || q.buf[q.head].Seq != seq {
		return false
	}
	q.buf[q.head] = Entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return true
}

// Len returns the number of queued points.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue bound.
func (q *RetryQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many points were evicted since creation.
func (q *RetryQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Points returns a copy of the queued points, oldest first.
func (q *RetryQueue) Points() []Point {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Point, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)].Point
	}
	return out
}
