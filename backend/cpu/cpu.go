// Package cpu implements the host thread-pool backend: positional
// reads and writes on a fixed worker pool, with an optional post-read
// transform standing in for decompression.
package cpu

import (
	"golang.org/x/sys/unix"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/gdeflate"
	"github.com/infinityabundance/ds-runtime/internal/constants"
	"github.com/infinityabundance/ds-runtime/internal/logging"
	"github.com/infinityabundance/ds-runtime/internal/workpool"
)

const subsystem = "cpu"

// Backend executes host<->host requests on worker goroutines.
type Backend struct {
	pool *workpool.Pool
	log  *logging.Logger
}

// New creates a CPU backend with the given worker count (clamped to
// >= 1, defaulting when zero).
func New(workerCount int) *Backend {
	if workerCount <= 0 {
		workerCount = constants.DefaultWorkerCount
	}
	return &Backend{
		pool: workpool.New(workerCount),
		log:  logging.Default().WithSubsystem(subsystem),
	}
}

// Submit implements ds.Backend. The request is captured by value; the
// caller's copy is untouched.
func (b *Backend) Submit(req ds.Request, complete ds.CompletionCallback) {
	if !b.pool.Submit(func() { b.execute(&req, complete) }) {
		// Pool already closed; complete inline so the callback still
		// fires exactly once.
		fail(&req, "submit", "backend is closed", unix.EINVAL)
		invoke(complete, &req)
	}
}

// Close implements ds.Backend. Pending requests run to completion.
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func (b *Backend) execute(req *ds.Request, complete ds.CompletionCallback) {
	defer invoke(complete, req)

	if !validate(req) {
		return
	}

	var (
		n   int
		err error
	)
	if req.Op == ds.OpWrite {
		n, err = unix.Pwrite(req.Fd, req.HostSrc[:req.Size], req.Offset)
	} else {
		n, err = unix.Pread(req.Fd, req.HostDst[:req.Size], req.Offset)
	}

	if err != nil {
		fail(req, req.Op.String(), "positional I/O failed", errnoOf(err))
		return
	}

	req.Complete(n)

	if req.Op == ds.OpRead && n < req.Size {
		// Zero-terminate short reads so text-mode demos can treat the
		// destination as a C string. Binary readers must rely on
		// BytesTransferred, not on the full Size bytes being valid.
		req.HostDst[n] = 0
	}

	if req.Op == ds.OpRead {
		b.transform(req)
	}
}

// transform applies the post-read "decompression" stage.
func (b *Backend) transform(req *ds.Request) {
	switch req.Compression {
	case ds.CompressionDemoTransform:
		for i := 0; i < req.Size; i++ {
			c := req.HostDst[i]
			if c == 0 {
				break
			}
			if c >= 'a' && c <= 'z' {
				req.HostDst[i] = c - ('a' - 'A')
			}
		}

	case ds.CompressionStubbed:
		if _, err := gdeflate.Decode(req.HostDst[:req.Size], req.HostDst[:req.BytesTransferred]); err != nil {
			b.log.Debug("gdeflate decode rejected", "fd", req.Fd, "size", req.Size)
			fail(req, "decompression", "GDeflate decompression is not implemented", unix.ENOTSUP)
		}
	}
}

// validate checks request shape against the backend's capabilities.
// Order matters: descriptor, size, buffers, memory sides.
func validate(req *ds.Request) bool {
	switch {
	case req.Fd < 0:
		fail(req, "validate", "invalid file descriptor", unix.EBADF)
	case req.Size <= 0:
		fail(req, "validate", "zero-length request is not allowed", unix.EINVAL)
	case req.Op == ds.OpRead && len(req.HostDst) < req.Size:
		fail(req, "validate", "read request missing destination buffer", unix.EINVAL)
	case req.Op == ds.OpWrite && len(req.HostSrc) < req.Size:
		fail(req, "validate", "write request missing source buffer", unix.EINVAL)
	case req.DstMem == ds.MemGPU || req.SrcMem == ds.MemGPU:
		fail(req, "validate", "GPU memory is not supported on the cpu backend", unix.EINVAL)
	default:
		return true
	}
	return false
}

func fail(req *ds.Request, op, detail string, errno unix.Errno) {
	diag.ReportRequest(subsystem, op, detail, errno, req.DiagInfo())
	req.Fail(errno)
}

func invoke(complete ds.CompletionCallback, req *ds.Request) {
	if complete != nil {
		complete(req)
	}
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
