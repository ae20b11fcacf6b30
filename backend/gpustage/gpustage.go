// Package gpustage implements the GPU-staging backend: positional host
// I/O paired with transient device staging buffers and a synchronous
// device copy, so file data lands in (or drains from) device buffers
// the caller owns.
package gpustage

import (
	"sync"

	"golang.org/x/sys/unix"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/gpu"
	"github.com/infinityabundance/ds-runtime/internal/constants"
	"github.com/infinityabundance/ds-runtime/internal/logging"
	"github.com/infinityabundance/ds-runtime/internal/workpool"
)

const subsystem = "gpu"

// Config configures the staging backend.
type Config struct {
	// Device supplies externally-owned device objects. The backend
	// borrows it and never closes it. When nil, the backend creates
	// and owns a gpu.MemDevice.
	Device gpu.Device

	// WorkerCount sizes the dispatch pool (clamped to >= 1).
	WorkerCount int
}

// Backend executes host<->host, file->GPU and GPU->file requests.
type Backend struct {
	dev     gpu.Device
	ownsDev bool
	pool    *workpool.Pool
	log     *logging.Logger

	// queueMu serializes command-buffer lifecycle, queue submission and
	// fence waits: the device queue contract is externally-synchronized.
	// Staging buffer allocation and mapping stay outside it.
	queueMu sync.Mutex
}

// New creates a staging backend. With no external device in the config
// it builds its own minimal device and owns it.
func New(cfg Config) *Backend {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = constants.DefaultWorkerCount
	}

	dev := cfg.Device
	owns := false
	if dev == nil {
		dev = gpu.NewMemDevice()
		owns = true
	}

	return &Backend{
		dev:     dev,
		ownsDev: owns,
		pool:    workpool.New(workers),
		log:     logging.Default().WithSubsystem(subsystem),
	}
}

// Device returns the device this backend executes on. Useful for
// allocating the destination buffers staged transfers target when the
// backend created its own device.
func (b *Backend) Device() gpu.Device {
	return b.dev
}

// Submit implements ds.Backend.
func (b *Backend) Submit(req ds.Request, complete ds.CompletionCallback) {
	if !b.pool.Submit(func() { b.execute(&req, complete) }) {
		b.fail(&req, "submit", "backend is closed", unix.EINVAL)
		invoke(complete, &req)
	}
}

// Close implements ds.Backend. Pending requests are flushed, device
// work is drained, and only an internally-created device is destroyed.
func (b *Backend) Close() error {
	b.pool.Close()

	if b.dev != nil {
		if err := b.dev.WaitIdle(); err != nil {
			b.log.Warn("device idle wait failed", "error", err)
		}
		if b.ownsDev {
			return b.dev.Close()
		}
	}
	return nil
}

func (b *Backend) execute(req *ds.Request, complete ds.CompletionCallback) {
	defer invoke(complete, req)

	if !b.validate(req) {
		return
	}

	switch {
	case req.Op == ds.OpWrite && req.SrcMem == ds.MemGPU:
		b.gpuToFile(req)
	case req.Op == ds.OpRead && req.DstMem == ds.MemGPU:
		b.fileToGPU(req)
	default:
		b.hostIO(req)
	}
}

// validate mirrors the cpu backend's checks with the symmetric GPU
// rules: device paths need a device, and the staging pipeline carries
// no transform stage. The GPU buffer handle is checked on each device
// path.
func (b *Backend) validate(req *ds.Request) bool {
	switch {
	case req.Fd < 0:
		b.fail(req, "validate", "invalid file descriptor", unix.EBADF)
	case req.Size <= 0:
		b.fail(req, "validate", "zero-length request is not allowed", unix.EINVAL)
	case req.Op == ds.OpRead && req.DstMem == ds.MemHost && len(req.HostDst) < req.Size:
		b.fail(req, "validate", "read request missing destination buffer", unix.EINVAL)
	case req.Op == ds.OpWrite && req.SrcMem == ds.MemHost && len(req.HostSrc) < req.Size:
		b.fail(req, "validate", "write request missing source buffer", unix.EINVAL)
	case req.Compression != ds.CompressionNone:
		b.fail(req, "validate", "compression is not supported on the gpu backend", unix.EINVAL)
	case b.dev == nil:
		b.fail(req, "validate", "device not initialized", unix.EINVAL)
	default:
		return true
	}
	return false
}

// hostIO is the no-device fallback for host<->host requests.
func (b *Backend) hostIO(req *ds.Request) {
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
		b.fail(req, req.Op.String(), "host I/O failed", errnoOf(err))
		return
	}
	req.Complete(n)
}

// staging bundles the transient objects of one device transfer.
type staging struct {
	buf gpu.Buffer
	mem gpu.Memory
}

func (b *Backend) release(s staging) {
	if s.buf != 0 {
		b.dev.DestroyBuffer(s.buf)
	}
	if s.mem != 0 {
		b.dev.FreeMemory(s.mem)
	}
}

// createStaging allocates and binds a host-visible staging buffer of
// exactly size bytes. The memory type is chosen by intersecting the
// buffer's requirement bits with host-visible|host-coherent; no match
// means the device cannot stage and the request fails ENOMEM.
func (b *Backend) createStaging(req *ds.Request, usage gpu.BufferUsage) (staging, bool) {
	var s staging

	buf, reqs, err := b.dev.CreateBuffer(uint64(req.Size), usage)
	if err != nil {
		b.fail(req, "create_buffer", "failed to create staging buffer", unix.EIO)
		return s, false
	}
	s.buf = buf

	typeIndex := gpu.FindMemoryType(b.dev.MemoryTypes(), reqs.TypeBits,
		gpu.MemoryHostVisible|gpu.MemoryHostCoherent)
	if typeIndex < 0 {
		b.release(s)
		b.fail(req, "find_memory_type", "no suitable memory type for staging buffer", unix.ENOMEM)
		return staging{}, false
	}

	mem, err := b.dev.AllocateMemory(reqs.Size, uint32(typeIndex))
	if err != nil {
		b.release(s)
		b.fail(req, "allocate_memory", "failed to allocate staging buffer memory", unix.ENOMEM)
		return staging{}, false
	}
	s.mem = mem

	if err := b.dev.BindBufferMemory(s.buf, s.mem); err != nil {
		b.release(s)
		b.fail(req, "bind_buffer_memory", "failed to bind staging buffer memory", unix.EIO)
		return staging{}, false
	}

	return s, true
}

// fileToGPU reads file bytes into a staging buffer, then copies the
// staging buffer into the caller's device buffer.
func (b *Backend) fileToGPU(req *ds.Request) {
	if req.GPUBuffer == 0 {
		b.fail(req, "file_to_gpu", "GPU buffer handle is null", unix.EINVAL)
		return
	}

	s, ok := b.createStaging(req, gpu.UsageTransferSrc)
	if !ok {
		return
	}

	mapped, err := b.dev.MapMemory(s.mem, 0, uint64(req.Size))
	if err != nil {
		b.release(s)
		b.fail(req, "map_memory", "failed to map staging buffer memory", unix.EIO)
		return
	}
	n, rdErr := unix.Pread(req.Fd, mapped, req.Offset)
	b.dev.UnmapMemory(s.mem)

	if rdErr != nil {
		b.release(s)
		b.fail(req, "pread", "failed to read file into staging buffer", errnoOf(rdErr))
		return
	}

	if !b.copySync(req, s.buf, req.GPUBuffer, 0, req.GPUOffset) {
		b.release(s)
		return
	}

	b.release(s)
	req.Complete(n)
}

// gpuToFile copies the caller's device buffer into a staging buffer,
// then writes the staged bytes to the file.
func (b *Backend) gpuToFile(req *ds.Request) {
	if req.GPUBuffer == 0 {
		b.fail(req, "gpu_to_file", "GPU buffer handle is null", unix.EINVAL)
		return
	}

	s, ok := b.createStaging(req, gpu.UsageTransferDst)
	if !ok {
		return
	}

	if !b.copySync(req, req.GPUBuffer, s.buf, req.GPUOffset, 0) {
		b.release(s)
		return
	}

	mapped, err := b.dev.MapMemory(s.mem, 0, uint64(req.Size))
	if err != nil {
		b.release(s)
		b.fail(req, "map_memory", "failed to map staging buffer memory", unix.EIO)
		return
	}
	n, wrErr := unix.Pwrite(req.Fd, mapped, req.Offset)
	b.dev.UnmapMemory(s.mem)
	b.release(s)

	if wrErr != nil {
		b.fail(req, "pwrite", "failed to write staging buffer to file", errnoOf(wrErr))
		return
	}
	req.Complete(n)
}

// copySync records a one-shot command buffer with a single copy region,
// submits it with a fence and waits out the bounded fence timeout. All
// of it runs under queueMu.
func (b *Backend) copySync(req *ds.Request, src, dst gpu.Buffer, srcOff, dstOff uint64) bool {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	cmd, err := b.dev.AllocateCommandBuffer()
	if err != nil {
		b.fail(req, "allocate_command_buffer", "failed to allocate command buffer", unix.EIO)
		return false
	}
	defer b.dev.FreeCommandBuffer(cmd)

	if err := b.dev.RecordCopy(cmd, src, dst, srcOff, dstOff, uint64(req.Size)); err != nil {
		b.fail(req, "record_copy", "failed to record buffer copy", unix.EIO)
		return false
	}

	fence, err := b.dev.CreateFence()
	if err != nil {
		b.fail(req, "create_fence", "failed to create fence", unix.EIO)
		return false
	}
	defer b.dev.DestroyFence(fence)

	if err := b.dev.Submit(cmd, fence); err != nil {
		b.fail(req, "queue_submit", "queue submission failed", unix.EIO)
		return false
	}

	if err := b.dev.WaitFence(fence, constants.FenceWaitTimeout); err != nil {
		b.fail(req, "wait_fence", "fence wait failed", unix.EIO)
		return false
	}
	return true
}

func (b *Backend) fail(req *ds.Request, op, detail string, errno unix.Errno) {
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
