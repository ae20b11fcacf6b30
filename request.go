// Package ds provides an asynchronous I/O runtime in the DirectStorage
// mold: callers fill Request values, hand them to a Queue, and the Queue
// dispatches them to a pluggable Backend. Backends exist for a host
// thread pool (backend/cpu), a kernel completion ring (backend/uring)
// and a GPU staging copy pipeline (backend/gpustage).
package ds

import (
	"syscall"

	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/gpu"
)

// Op selects the direction of a request.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	default:
		return "read"
	}
}

// Memory identifies where a transfer endpoint lives.
type Memory int

const (
	MemHost Memory = iota
	MemGPU
)

func (m Memory) String() string {
	if m == MemGPU {
		return "gpu"
	}
	return "host"
}

// Compression selects the post-read transform applied to a request.
//
// In a real implementation this would name concrete formats (GDeflate
// and friends). The runtime ships a demo transform and a stubbed mode
// that fails with ENOTSUP; see the gdeflate package for the stub's
// stream metadata.
type Compression int

const (
	CompressionNone Compression = iota
	// CompressionDemoTransform uppercases ASCII in place after a read.
	// It stands in for a real decompressor in demos and tests.
	CompressionDemoTransform
	// CompressionStubbed requests GDeflate decompression, which is not
	// implemented. The cpu and ring backends complete such reads with
	// ENOTSUP; the gpustage backend rejects any compression with EINVAL.
	CompressionStubbed
)

func (c Compression) String() string {
	switch c {
	case CompressionDemoTransform:
		return "demo-transform"
	case CompressionStubbed:
		return "stubbed"
	default:
		return "none"
	}
}

// Status is the lifecycle state of a request.
type Status int

const (
	StatusPending Status = iota
	StatusOk
	StatusIoError
	// StatusCancelled is reserved for overlay layers; the core backends
	// never produce it.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusIoError:
		return "io-error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Request describes a single positional I/O operation and carries its
// result fields. Requests are plain values: the queue and backends copy
// them freely, but the buffers they reference stay owned by the caller
// and must outlive the request. The zero value is a Pending, zero-size
// request that every backend validator rejects.
type Request struct {
	// Fd is a handle to an open byte-addressable file. Must be >= 0 at
	// submit time.
	Fd int

	// Offset is the byte offset into the file.
	Offset int64

	// Size is the byte count to transfer. Must be > 0.
	Size int

	// HostDst receives read data when DstMem is MemHost. Must be at
	// least Size bytes.
	HostDst []byte

	// HostSrc supplies write data when SrcMem is MemHost. Must be at
	// least Size bytes.
	HostSrc []byte

	// GPUBuffer is an opaque device buffer handle, required when either
	// memory side is MemGPU. The runtime never owns or destroys it.
	GPUBuffer gpu.Buffer

	// GPUOffset is the byte offset into GPUBuffer.
	GPUOffset uint64

	Op          Op
	DstMem      Memory
	SrcMem      Memory
	Compression Compression

	// Result fields, written exactly once by the executing backend.
	Status           Status
	ErrnoValue       syscall.Errno
	BytesTransferred int
}

// DiagInfo builds the request snapshot attached to diagnostic reports.
func (r *Request) DiagInfo() diag.RequestInfo {
	return diag.RequestInfo{
		Fd:     r.Fd,
		Offset: r.Offset,
		Size:   r.Size,
		Op:     r.Op.String(),
		SrcMem: r.SrcMem.String(),
		DstMem: r.DstMem.String(),
	}
}

// Fail marks the request failed with the given errno. Failed requests
// carry no transferred bytes.
func (r *Request) Fail(errno syscall.Errno) {
	r.Status = StatusIoError
	r.ErrnoValue = errno
	r.BytesTransferred = 0
}

// Complete marks the request successful with the given transfer count.
func (r *Request) Complete(n int) {
	r.Status = StatusOk
	r.ErrnoValue = 0
	r.BytesTransferred = n
}
