package ds

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCompletionAccounting(t *testing.T) {
	backend := NewMockBackend(1024)
	defer backend.Close()

	q := NewQueue(backend)

	payload := []byte("accounting payload")
	q.Enqueue(Request{
		Fd:      1,
		Offset:  0,
		Size:    len(payload),
		HostSrc: payload,
		Op:      OpWrite,
	})

	require.Equal(t, 0, q.InFlight())
	q.SubmitAll()
	q.WaitAll()

	// Distinct requests are not ordered, so the read is submitted only
	// after the write has completed.
	dst := make([]byte, len(payload))
	q.Enqueue(Request{
		Fd:      1,
		Offset:  0,
		Size:    len(dst),
		HostDst: dst,
		Op:      OpRead,
	})
	q.SubmitAll()
	q.WaitAll()

	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, uint64(2), q.TotalCompleted())
	assert.Equal(t, uint64(0), q.TotalFailed())
	assert.Equal(t, uint64(2*len(payload)), q.TotalBytesTransferred())
	assert.Equal(t, payload, dst)
}

func TestQueueExactlyOneCompletionPerRequest(t *testing.T) {
	backend := NewMockBackend(4096)
	defer backend.Close()

	q := NewQueue(backend)

	const n = 32
	dst := make([]byte, n)
	for i := 0; i < n; i++ {
		q.Enqueue(Request{
			Fd:      1,
			Offset:  int64(i),
			Size:    1,
			HostDst: dst[i : i+1],
			Op:      OpRead,
		})
	}

	var callbacks atomic.Int64
	q.SubmitAllFunc(func(req *Request) {
		callbacks.Add(1)
	})
	q.WaitAll()

	assert.Equal(t, int64(n), callbacks.Load())
	assert.Equal(t, uint64(n), q.TotalCompleted())
	assert.Len(t, q.TakeCompleted(), n)
}

func TestQueueFailedRequestsCountAsFailed(t *testing.T) {
	backend := NewMockBackend(0)
	backend.FailWith = syscall.EIO
	defer backend.Close()

	q := NewQueue(backend)
	q.Enqueue(Request{Fd: 1, Size: 8, HostDst: make([]byte, 8), Op: OpRead})
	q.SubmitAll()
	q.WaitAll()

	assert.Equal(t, uint64(1), q.TotalCompleted())
	assert.Equal(t, uint64(1), q.TotalFailed())
	assert.Equal(t, uint64(0), q.TotalBytesTransferred())

	completed := q.TakeCompleted()
	require.Len(t, completed, 1)
	assert.Equal(t, StatusIoError, completed[0].Status)
	assert.Equal(t, syscall.EIO, completed[0].ErrnoValue)
	assert.Equal(t, 0, completed[0].BytesTransferred)
}

func TestQueueTakeCompletedIsIdempotent(t *testing.T) {
	backend := NewMockBackend(64)
	defer backend.Close()

	q := NewQueue(backend)
	q.Enqueue(Request{Fd: 1, Size: 8, HostDst: make([]byte, 8), Op: OpRead})
	q.SubmitAll()
	q.WaitAll()

	first := q.TakeCompleted()
	require.Len(t, first, 1)

	second := q.TakeCompleted()
	assert.Empty(t, second)
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	backend := NewMockBackend(4096)
	defer backend.Close()

	q := NewQueue(backend)

	const workers = 8
	const perWorker = 16

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				q.Enqueue(Request{
					Fd:      1,
					Size:    4,
					HostDst: make([]byte, 4),
					Op:      OpRead,
				})
			}
		}()
	}
	wg.Wait()

	q.SubmitAll()
	q.WaitAll()

	assert.Equal(t, uint64(workers*perWorker), q.TotalCompleted())
	assert.Equal(t, uint64(0), q.TotalFailed())
}

func TestQueueStatsSnapshot(t *testing.T) {
	backend := NewMockBackend(256)
	defer backend.Close()

	q := NewQueue(backend)
	q.Enqueue(Request{Fd: 1, Size: 16, HostSrc: make([]byte, 16), Op: OpWrite})
	q.Enqueue(Request{Fd: 1, Size: 16, HostDst: make([]byte, 16), Op: OpRead})
	q.SubmitAll()
	q.WaitAll()

	snap := q.Stats()
	assert.Equal(t, uint64(2), snap.Completed)
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(16), snap.ReadBytes)
	assert.Equal(t, uint64(16), snap.WriteBytes)
}
