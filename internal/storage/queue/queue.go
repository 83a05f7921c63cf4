// Package queue implements the ingestion queue: an unbounded FIFO
// between the ingestion boundary (many producers) and the batch writer
// (one consumer).
//
// Storage is a ring of samples that doubles when full, so Enqueue never
// blocks and never drops. The consumer waits on a one-slot notification
// channel rather than polling.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

const initialCapacity = 256

// Queue is a thread-safe unbounded FIFO of samples.
type Queue struct {
	mu     sync.Mutex
	data   []types.Sample
	head   int // next read position
	count  int
	closed bool

	// notify holds at most one pending wakeup for the consumer.
	notify chan struct{}

	// Statistics
	enqueued atomic.Int64
	dequeued atomic.Int64
	rejected atomic.Int64
	peak     atomic.Int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		data:   make([]types.Sample, initialCapacity),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends a sample. It never blocks. The only error is
// ErrQueueClosed, returned once Close has been called.
func (q *Queue) Enqueue(sample types.Sample) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.rejected.Add(1)
		return errors.ErrQueueClosed
	}

	if q.count == len(q.data) {
		q.grow()
	}
	q.data[(q.head+q.count)%len(q.data)] = sample
	q.count++
	depth := int64(q.count)
	q.mu.Unlock()

	q.enqueued.Add(1)
	for {
		p := q.peak.Load()
		if depth <= p || q.peak.CompareAndSwap(p, depth) {
			break
		}
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// grow doubles the ring, unrolling it so head is 0. Caller holds mu.
func (q *Queue) grow() {
	next := make([]types.Sample, len(q.data)*2)
	n := copy(next, q.data[q.head:])
	copy(next[n:], q.data[:q.head])
	q.data = next
	q.head = 0
}

// TryDequeue removes the oldest sample without waiting.
func (q *Queue) TryDequeue() (types.Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (types.Sample, bool) {
	if q.count == 0 {
		return types.Sample{}, false
	}
	sample := q.data[q.head]
	q.data[q.head] = types.Sample{} // Clear for GC
	q.head = (q.head + 1) % len(q.data)
	q.count--
	q.dequeued.Add(1)
	return sample, true
}

// DequeueWithTimeout waits up to maxWait for a sample. It returns false
// when the wait elapsed, ctx was cancelled, or the queue is closed and
// empty. A timeout is not an error.
func (q *Queue) DequeueWithTimeout(ctx context.Context, maxWait time.Duration) (types.Sample, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		sample, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return sample, true
		}
		if closed {
			return types.Sample{}, false
		}

		if timer == nil {
			timer = time.NewTimer(maxWait)
		}

		select {
		case <-q.notify:
			// Re-check; another wakeup may have been consumed already.
		case <-timer.C:
			return types.Sample{}, false
		case <-ctx.Done():
			return types.Sample{}, false
		}
	}
}

// DrainAll removes and returns every queued sample in FIFO order.
func (q *Queue) DrainAll() []types.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]types.Sample, 0, q.count)
	for {
		s, ok := q.popLocked()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// Close stops accepting new samples. Samples already queued stay
// available to TryDequeue and DrainAll. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := q.count
	capacity := len(q.data)
	q.mu.Unlock()

	return Stats{
		Depth:    depth,
		Capacity: capacity,
		Peak:     int(q.peak.Load()),
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Depth    int
	Capacity int
	Peak     int
	Enqueued int64
	Dequeued int64
	Rejected int64
}
