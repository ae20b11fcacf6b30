package ds

import (
	"sync"
	"sync/atomic"
)

// Queue collects requests and forwards them to a Backend in batches.
// It tracks the in-flight count, aggregates completion statistics and
// retains completed request records until they are harvested with
// TakeCompleted.
//
// A Queue does not quiesce on its own: callers must observe
// InFlight() == 0 (normally via WaitAll) before releasing the queue or
// any buffer a pending request references.
type Queue struct {
	backend Backend

	mu        sync.Mutex // guards pending and completed
	pending   []Request
	completed []Request

	inFlight atomic.Int64
	stats    Stats

	// wait uses its own mutex so the completion callback never holds
	// the list mutex while notifying; see WaitAll.
	waitMu   sync.Mutex
	waitCond *sync.Cond
}

// NewQueue creates a queue that dispatches to the given backend. The
// backend is shared: closing it remains the caller's responsibility.
func NewQueue(backend Backend) *Queue {
	q := &Queue{backend: backend}
	q.waitCond = sync.NewCond(&q.waitMu)
	return q
}

// Enqueue buffers a request for a later SubmitAll. Thread-safe; never
// blocks on I/O.
func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
}

// SubmitAll drains the pending buffer into the backend. It returns
// without waiting for completions.
func (q *Queue) SubmitAll() {
	q.submitAll(nil)
}

// SubmitAllFunc is SubmitAll with a per-request callback, invoked after
// the queue's own accounting with the completed request. Used by
// embedders (and the C surface) that need per-completion hooks.
func (q *Queue) SubmitAllFunc(complete CompletionCallback) {
	q.submitAll(complete)
}

func (q *Queue) submitAll(complete CompletionCallback) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range batch {
		q.inFlight.Add(1)

		q.backend.Submit(req, func(done *Request) {
			q.mu.Lock()
			q.completed = append(q.completed, *done)
			q.mu.Unlock()

			q.stats.RecordCompletion(done)

			if complete != nil {
				complete(done)
			}

			if q.inFlight.Add(-1) == 0 {
				q.waitMu.Lock()
				q.waitCond.Broadcast()
				q.waitMu.Unlock()
			}
		})
	}
}

// WaitAll blocks until every submitted request has completed.
func (q *Queue) WaitAll() {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	for q.inFlight.Load() != 0 {
		q.waitCond.Wait()
	}
}

// InFlight returns a snapshot of the outstanding request count.
func (q *Queue) InFlight() int {
	return int(q.inFlight.Load())
}

// TakeCompleted returns all completed request records accumulated since
// the last call, emptying the retained list. Calling it again with no
// intervening completions returns an empty slice.
func (q *Queue) TakeCompleted() []Request {
	q.mu.Lock()
	out := q.completed
	q.completed = nil
	q.mu.Unlock()
	return out
}

// TotalCompleted returns the number of requests completed so far.
func (q *Queue) TotalCompleted() uint64 {
	return q.stats.Completed.Load()
}

// TotalFailed returns the number of requests that completed with a
// status other than Ok.
func (q *Queue) TotalFailed() uint64 {
	return q.stats.Failed.Load()
}

// TotalBytesTransferred returns the total bytes moved by successful
// transfers.
func (q *Queue) TotalBytesTransferred() uint64 {
	return q.stats.BytesTransferred.Load()
}

// Stats returns a snapshot of all queue counters.
func (q *Queue) Stats() StatsSnapshot {
	return q.stats.Snapshot()
}
