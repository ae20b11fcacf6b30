//go:build linux

// Package uring implements the completion-ring backend: a single
// dispatcher goroutine drives an io_uring instance, batching positional
// reads and writes and draining their completions.
package uring

import (
	"errors"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/internal/constants"
	"github.com/infinityabundance/ds-runtime/internal/logging"
)

const subsystem = "ring"

// Config configures the ring backend.
type Config struct {
	// Entries is the submission queue depth. Defaults when zero.
	Entries uint32

	// WorkerCount is accepted for config symmetry with the other
	// backends but the ring runs a single dispatcher.
	WorkerCount int
}

// DefaultConfig returns the default ring configuration.
func DefaultConfig() Config {
	return Config{Entries: constants.DefaultRingEntries}
}

type pendingOp struct {
	req      ds.Request
	complete ds.CompletionCallback
}

// Backend drives one io_uring from one dispatcher goroutine. Requests
// are host-memory only; anything touching GPU memory or compression is
// rejected up front.
type Backend struct {
	ring    *giouring.Ring
	entries uint32

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*pendingOp
	stopped bool

	// Tracking records for in-flight SQEs, keyed by the cookie stored
	// in the SQE user data. Touched only by the dispatcher.
	inflight map[uint64]*pendingOp
	nextTag  uint64

	failed bool
	done   chan struct{}
	log    *logging.Logger
}

// New creates the backend and starts its dispatcher. If ring setup
// fails the backend is permanently failed: every submission completes
// immediately with IoError(EINVAL) and a diagnostic.
func New(cfg Config) *Backend {
	entries := cfg.Entries
	if entries == 0 {
		entries = constants.DefaultRingEntries
	}

	b := &Backend{
		entries:  entries,
		inflight: make(map[uint64]*pendingOp),
		log:      logging.Default().WithSubsystem(subsystem),
	}
	b.cond = sync.NewCond(&b.mu)

	ring, err := giouring.CreateRing(entries)
	if err != nil {
		diag.Report(subsystem, "io_uring_setup", "failed to initialize io_uring ring", errnoOf(err))
		b.failed = true
		return b
	}
	b.ring = ring
	b.done = make(chan struct{})

	go b.loop()
	return b
}

// Submit implements ds.Backend.
func (b *Backend) Submit(req ds.Request, complete ds.CompletionCallback) {
	op := &pendingOp{req: req, complete: complete}

	if b.failed {
		b.fail(op, "submit", "backend initialization failed", syscall.EINVAL)
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.fail(op, "submit", "backend is closed", syscall.EINVAL)
		return
	}
	b.pending = append(b.pending, op)
	b.mu.Unlock()

	b.cond.Signal()
}

// Close implements ds.Backend: stop the dispatcher, join it, tear down
// the ring. Requests already accepted are flushed first.
func (b *Backend) Close() error {
	if b.failed {
		return nil
	}

	b.mu.Lock()
	alreadyStopped := b.stopped
	b.stopped = true
	b.mu.Unlock()

	b.cond.Broadcast()
	<-b.done

	if !alreadyStopped {
		b.ring.QueueExit()
	}
	return nil
}

// loop is the dispatcher: wait for work, swap out the pending FIFO,
// prepare and submit SQEs, then drain exactly as many CQEs.
func (b *Backend) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(b.done)

	for {
		b.mu.Lock()
		for !b.stopped && len(b.pending) == 0 {
			b.cond.Wait()
		}
		if b.stopped && len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		prepared := 0
		for _, op := range batch {
			if !b.validate(op) {
				continue
			}
			if b.prepare(op) {
				prepared++
			}
		}
		if prepared == 0 {
			continue
		}

		submitted, err := b.ring.Submit()
		if err != nil || submitted == 0 {
			diag.Report(subsystem, "io_uring_submit", "submission failed", errnoOf(err))
			// Prepared entries stay tracked; any that did reach the
			// kernel still surface through the completion queue.
			continue
		}

		b.drain(uint(submitted))
	}
}

// validate rejects requests outside the ring's capabilities. Returns
// false when the request was completed as failed.
func (b *Backend) validate(op *pendingOp) bool {
	req := &op.req
	switch {
	case req.DstMem == ds.MemGPU || req.SrcMem == ds.MemGPU:
		b.fail(op, "submit", "GPU memory is not supported on the ring backend", syscall.EINVAL)
	case req.Op == ds.OpWrite && req.Compression != ds.CompressionNone:
		b.fail(op, "submit", "compression is not supported for write requests", syscall.ENOTSUP)
	case req.Op == ds.OpRead && req.Compression == ds.CompressionStubbed:
		b.fail(op, "submit", "GDeflate decompression is not implemented", syscall.ENOTSUP)
	case req.Op == ds.OpRead && req.Compression == ds.CompressionDemoTransform:
		b.fail(op, "submit", "post-read transforms are not supported on the ring backend", syscall.ENOTSUP)
	case req.Fd < 0:
		b.fail(op, "submit", "invalid file descriptor", syscall.EBADF)
	case req.Size <= 0:
		b.fail(op, "submit", "zero-length request is not allowed", syscall.EINVAL)
	case req.Op == ds.OpRead && len(req.HostDst) < req.Size:
		b.fail(op, "submit", "read request missing destination buffer", syscall.EINVAL)
	case req.Op == ds.OpWrite && len(req.HostSrc) < req.Size:
		b.fail(op, "submit", "write request missing source buffer", syscall.EINVAL)
	default:
		return true
	}
	return false
}

// prepare attaches one SQE for the request and tags it with a tracking
// cookie. Returns false when no ring slot was available (EBUSY).
func (b *Backend) prepare(op *pendingOp) bool {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		b.fail(op, "get_sqe", "submission queue is full", syscall.EBUSY)
		return false
	}

	req := &op.req
	if req.Op == ds.OpWrite {
		sqe.PrepareWrite(req.Fd,
			uintptr(unsafe.Pointer(&req.HostSrc[0])),
			uint32(req.Size), uint64(req.Offset))
	} else {
		sqe.PrepareRead(req.Fd,
			uintptr(unsafe.Pointer(&req.HostDst[0])),
			uint32(req.Size), uint64(req.Offset))
	}

	b.nextTag++
	tag := b.nextTag
	b.inflight[tag] = op
	sqe.UserData = tag
	return true
}

// drain consumes count completions, mapping each result onto its
// tracking record and firing its callback.
func (b *Backend) drain(count uint) {
	seen := uint(0)
	for seen < count {
		cqe, err := b.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			diag.Report(subsystem, "io_uring_wait_cqe", "failed waiting for completion", errnoOf(err))
			return
		}

		op, ok := b.inflight[cqe.UserData]
		if ok {
			delete(b.inflight, cqe.UserData)
			req := &op.req
			if cqe.Res < 0 {
				req.Fail(syscall.Errno(-cqe.Res))
			} else {
				req.Complete(int(cqe.Res))
			}
			if op.complete != nil {
				op.complete(req)
			}
		} else {
			b.log.Warn("completion with unknown cookie", "user_data", cqe.UserData, "res", cqe.Res)
		}

		b.ring.CQESeen(cqe)
		seen++
	}
}

func (b *Backend) fail(op *pendingOp, operation, detail string, errno syscall.Errno) {
	diag.ReportRequest(subsystem, operation, detail, errno, op.req.DiagInfo())
	op.req.Fail(errno)
	if op.complete != nil {
		op.complete(&op.req)
	}
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return syscall.EIO
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return syscall.EIO
}
