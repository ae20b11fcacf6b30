// The capi package exposes the runtime over a C ABI so embedding
// processes (and translation layers like Wine) can drive it through
// opaque handles. Build with:
//
//	go build -buildmode=c-shared -o libds_runtime.so ./capi
package main

/*
#include <stdlib.h>
#include "ds_runtime.h"
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/backend/cpu"
	"github.com/infinityabundance/ds-runtime/backend/gpustage"
	"github.com/infinityabundance/ds-runtime/backend/uring"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/gpu"
)

// Opaque handles are one-byte C allocations used as stable map keys;
// the Go objects they stand for live in these registries. The
// indirection keeps Go pointers out of C memory.
var (
	registryMu sync.Mutex
	backends   = make(map[unsafe.Pointer]*backendBox)
	queues     = make(map[unsafe.Pointer]*cQueue)
)

type backendBox struct {
	backend ds.Backend
	staged  *gpustage.Backend // non-nil for gpu backends
	buffers map[uint64]gpu.BoundBuffer
}

func newHandle() unsafe.Pointer {
	return C.malloc(1)
}

func putBackend(b ds.Backend, staged *gpustage.Backend) *C.ds_backend_t {
	h := newHandle()
	registryMu.Lock()
	backends[h] = &backendBox{
		backend: b,
		staged:  staged,
		buffers: make(map[uint64]gpu.BoundBuffer),
	}
	registryMu.Unlock()
	return (*C.ds_backend_t)(h)
}

func getBackend(h *C.ds_backend_t) *backendBox {
	registryMu.Lock()
	defer registryMu.Unlock()
	return backends[unsafe.Pointer(h)]
}

//export ds_make_cpu_backend
func ds_make_cpu_backend(workerCount C.size_t) *C.ds_backend_t {
	return putBackend(cpu.New(int(workerCount)), nil)
}

//export ds_make_io_uring_backend
func ds_make_io_uring_backend(entries C.uint) *C.ds_backend_t {
	return putBackend(uring.New(uring.Config{Entries: uint32(entries)}), nil)
}

//export ds_make_gpu_backend
func ds_make_gpu_backend(config *C.ds_gpu_backend_config) *C.ds_backend_t {
	if config == nil {
		return nil
	}
	if config.device != nil {
		// No device adapter is compiled into this build, so foreign
		// handles cannot be borrowed. Embedders supply NULL and use
		// the internal device via ds_gpu_create_buffer.
		diag.Report("gpu", "make_backend",
			"foreign device handles are not supported by this build", syscall.ENOTSUP)
		return nil
	}

	b := gpustage.New(gpustage.Config{WorkerCount: int(config.worker_count)})
	return putBackend(b, b)
}

//export ds_backend_release
func ds_backend_release(h *C.ds_backend_t) {
	if h == nil {
		return
	}
	registryMu.Lock()
	box := backends[unsafe.Pointer(h)]
	delete(backends, unsafe.Pointer(h))
	registryMu.Unlock()

	if box != nil {
		if box.staged != nil {
			dev := box.staged.Device()
			for _, bb := range box.buffers {
				bb.Release(dev)
			}
		}
		box.backend.Close()
	}
	C.free(unsafe.Pointer(h))
}

//export ds_gpu_create_buffer
func ds_gpu_create_buffer(h *C.ds_backend_t, size C.uint64_t) C.uint64_t {
	box := getBackend(h)
	if box == nil || box.staged == nil {
		return 0
	}

	bb, err := gpu.CreateBoundBuffer(box.staged.Device(), uint64(size),
		gpu.UsageTransferSrc|gpu.UsageTransferDst)
	if err != nil {
		diag.Report("gpu", "create_buffer", "failed to create device buffer", syscall.ENOMEM)
		return 0
	}

	registryMu.Lock()
	box.buffers[uint64(bb.Buf)] = bb
	registryMu.Unlock()
	return C.uint64_t(bb.Buf)
}

//export ds_gpu_destroy_buffer
func ds_gpu_destroy_buffer(h *C.ds_backend_t, buffer C.uint64_t) {
	box := getBackend(h)
	if box == nil || box.staged == nil {
		return
	}

	registryMu.Lock()
	bb, ok := box.buffers[uint64(buffer)]
	delete(box.buffers, uint64(buffer))
	registryMu.Unlock()

	if ok {
		bb.Release(box.staged.Device())
	}
}

// pendingRequest pairs a translated request with the caller's struct so
// completion can write results back through the ABI.
type pendingRequest struct {
	req  ds.Request
	cReq *C.ds_request
}

// cQueue mirrors ds.Queue over the ABI: it owns in-flight tracking and
// statistics and invokes the caller's per-request callback with the
// updated C struct.
type cQueue struct {
	backend ds.Backend

	mu      sync.Mutex
	pending []pendingRequest

	inFlight atomic.Int64
	stats    ds.Stats

	waitMu   sync.Mutex
	waitCond *sync.Cond
}

func toRequest(c *C.ds_request) ds.Request {
	req := ds.Request{
		Fd:          int(c.fd),
		Offset:      int64(c.offset),
		Size:        int(c.size),
		GPUBuffer:   gpu.Buffer(c.gpu_buffer),
		GPUOffset:   uint64(c.gpu_offset),
		Op:          ds.Op(c.op),
		DstMem:      ds.Memory(c.dst_memory),
		SrcMem:      ds.Memory(c.src_memory),
		Compression: ds.Compression(c.compression),
		Status:      ds.StatusPending,
	}
	if c.dst != nil && c.size > 0 {
		req.HostDst = unsafe.Slice((*byte)(c.dst), int(c.size))
	}
	if c.src != nil && c.size > 0 {
		req.HostSrc = unsafe.Slice((*byte)(unsafe.Pointer(c.src)), int(c.size))
	}
	return req
}

func updateCRequest(c *C.ds_request, req *ds.Request) {
	switch req.Status {
	case ds.StatusOk:
		c.status = C.DS_REQUEST_OK
	case ds.StatusIoError:
		c.status = C.DS_REQUEST_IO_ERROR
	default:
		c.status = C.DS_REQUEST_PENDING
	}
	c.errno_value = C.int(req.ErrnoValue)
	c.bytes_transferred = C.size_t(req.BytesTransferred)
}

func (q *cQueue) enqueue(c *C.ds_request) {
	if c == nil {
		return
	}
	c.status = C.DS_REQUEST_PENDING
	c.errno_value = 0
	c.bytes_transferred = 0

	q.mu.Lock()
	q.pending = append(q.pending, pendingRequest{req: toRequest(c), cReq: c})
	q.mu.Unlock()
}

func (q *cQueue) submitAll(cb C.ds_completion_callback, userData unsafe.Pointer) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, pr := range batch {
		q.inFlight.Add(1)
		cReq := pr.cReq

		q.backend.Submit(pr.req, func(done *ds.Request) {
			if cReq != nil {
				updateCRequest(cReq, done)
			}
			q.stats.RecordCompletion(done)

			invokeCallback(cb, cReq, userData)

			if q.inFlight.Add(-1) == 0 {
				q.waitMu.Lock()
				q.waitCond.Broadcast()
				q.waitMu.Unlock()
			}
		})
	}
}

func (q *cQueue) waitAll() {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	for q.inFlight.Load() != 0 {
		q.waitCond.Wait()
	}
}

//export ds_queue_create
func ds_queue_create(h *C.ds_backend_t) *C.ds_queue_t {
	box := getBackend(h)
	if box == nil {
		return nil
	}

	q := &cQueue{backend: box.backend}
	q.waitCond = sync.NewCond(&q.waitMu)

	qh := newHandle()
	registryMu.Lock()
	queues[qh] = q
	registryMu.Unlock()
	return (*C.ds_queue_t)(qh)
}

func getQueue(h *C.ds_queue_t) *cQueue {
	registryMu.Lock()
	defer registryMu.Unlock()
	return queues[unsafe.Pointer(h)]
}

//export ds_queue_release
func ds_queue_release(h *C.ds_queue_t) {
	if h == nil {
		return
	}
	registryMu.Lock()
	delete(queues, unsafe.Pointer(h))
	registryMu.Unlock()
	C.free(unsafe.Pointer(h))
}

//export ds_queue_enqueue
func ds_queue_enqueue(h *C.ds_queue_t, request *C.ds_request) {
	if q := getQueue(h); q != nil {
		q.enqueue(request)
	}
}

//export ds_queue_submit_all
func ds_queue_submit_all(h *C.ds_queue_t, callback C.ds_completion_callback, userData unsafe.Pointer) {
	if q := getQueue(h); q != nil {
		q.submitAll(callback, userData)
	}
}

//export ds_queue_wait_all
func ds_queue_wait_all(h *C.ds_queue_t) {
	if q := getQueue(h); q != nil {
		q.waitAll()
	}
}

//export ds_queue_in_flight
func ds_queue_in_flight(h *C.ds_queue_t) C.size_t {
	if q := getQueue(h); q != nil {
		return C.size_t(q.inFlight.Load())
	}
	return 0
}

//export ds_queue_total_completed
func ds_queue_total_completed(h *C.ds_queue_t) C.size_t {
	if q := getQueue(h); q != nil {
		return C.size_t(q.stats.Completed.Load())
	}
	return 0
}

//export ds_queue_total_failed
func ds_queue_total_failed(h *C.ds_queue_t) C.size_t {
	if q := getQueue(h); q != nil {
		return C.size_t(q.stats.Failed.Load())
	}
	return 0
}

//export ds_queue_total_bytes_transferred
func ds_queue_total_bytes_transferred(h *C.ds_queue_t) C.size_t {
	if q := getQueue(h); q != nil {
		return C.size_t(q.stats.BytesTransferred.Load())
	}
	return 0
}

func main() {}
