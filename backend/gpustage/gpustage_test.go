package gpustage

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/gpu"
)

func tempFile(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "gpustage-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	if len(content) > 0 {
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	return f
}

func submitAndWait(t *testing.T, b ds.Backend, req ds.Request) ds.Request {
	t.Helper()
	q := ds.NewQueue(b)
	q.Enqueue(req)
	q.SubmitAll()
	q.WaitAll()

	completed := q.TakeCompleted()
	require.Len(t, completed, 1)
	return completed[0]
}

func TestHostRoundTripWithoutDevicePaths(t *testing.T) {
	b := New(Config{WorkerCount: 2})
	defer b.Close()

	payload := []byte("host path payload")
	f := tempFile(t, nil)

	done := submitAndWait(t, b, ds.Request{
		Fd:      int(f.Fd()),
		Size:    len(payload),
		HostSrc: payload,
		Op:      ds.OpWrite,
	})
	require.Equal(t, ds.StatusOk, done.Status)

	dst := make([]byte, len(payload))
	done = submitAndWait(t, b, ds.Request{
		Fd:      int(f.Fd()),
		Size:    len(dst),
		HostDst: dst,
		Op:      ds.OpRead,
	})
	require.Equal(t, ds.StatusOk, done.Status)
	assert.Equal(t, payload, dst)
}

func TestStagingRoundTrip(t *testing.T) {
	b := New(Config{WorkerCount: 2})
	defer b.Close()

	payload := []byte("Hello from staging!")

	// Device buffer the transfer targets; 64 bytes like a real asset slot.
	bb, err := gpu.CreateBoundBuffer(b.Device(), 64, gpu.UsageTransferSrc|gpu.UsageTransferDst)
	require.NoError(t, err)
	defer bb.Release(b.Device())

	src := tempFile(t, payload)

	// file -> GPU
	done := submitAndWait(t, b, ds.Request{
		Fd:        int(src.Fd()),
		Size:      len(payload),
		GPUBuffer: bb.Buf,
		GPUOffset: 0,
		Op:        ds.OpRead,
		DstMem:    ds.MemGPU,
	})
	require.Equal(t, ds.StatusOk, done.Status)
	require.Equal(t, len(payload), done.BytesTransferred)

	// GPU -> file
	out := tempFile(t, nil)
	done = submitAndWait(t, b, ds.Request{
		Fd:        int(out.Fd()),
		Size:      len(payload),
		GPUBuffer: bb.Buf,
		GPUOffset: 0,
		Op:        ds.OpWrite,
		SrcMem:    ds.MemGPU,
	})
	require.Equal(t, ds.StatusOk, done.Status)
	require.Equal(t, len(payload), done.BytesTransferred)

	readBack := make([]byte, len(payload))
	_, err = out.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestStagingHonorsGPUOffset(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	bb, err := gpu.CreateBoundBuffer(b.Device(), 64, gpu.UsageTransferDst|gpu.UsageTransferSrc)
	require.NoError(t, err)
	defer bb.Release(b.Device())

	src := tempFile(t, []byte("offset"))

	done := submitAndWait(t, b, ds.Request{
		Fd:        int(src.Fd()),
		Size:      6,
		GPUBuffer: bb.Buf,
		GPUOffset: 16,
		Op:        ds.OpRead,
		DstMem:    ds.MemGPU,
	})
	require.Equal(t, ds.StatusOk, done.Status)

	out := tempFile(t, nil)
	done = submitAndWait(t, b, ds.Request{
		Fd:        int(out.Fd()),
		Size:      6,
		GPUBuffer: bb.Buf,
		GPUOffset: 16,
		Op:        ds.OpWrite,
		SrcMem:    ds.MemGPU,
	})
	require.Equal(t, ds.StatusOk, done.Status)

	readBack := make([]byte, 6)
	_, err = out.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("offset"), readBack)
}

func TestValidationRejections(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	tests := []struct {
		name  string
		req   ds.Request
		errno syscall.Errno
	}{
		{
			name:  "negative fd",
			req:   ds.Request{Fd: -1, Size: 4, HostDst: make([]byte, 4)},
			errno: syscall.EBADF,
		},
		{
			name:  "zero size",
			req:   ds.Request{Fd: 1, Size: 0, HostDst: make([]byte, 4)},
			errno: syscall.EINVAL,
		},
		{
			name: "compression on gpu backend",
			req: ds.Request{
				Fd: 1, Size: 4, HostDst: make([]byte, 4),
				Op: ds.OpRead, Compression: ds.CompressionDemoTransform,
			},
			errno: syscall.EINVAL,
		},
		{
			name: "null gpu buffer",
			req: ds.Request{
				Fd: 1, Size: 4,
				Op: ds.OpRead, DstMem: ds.MemGPU,
			},
			errno: syscall.EINVAL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := submitAndWait(t, b, tt.req)
			assert.Equal(t, ds.StatusIoError, done.Status)
			assert.Equal(t, tt.errno, done.ErrnoValue)
			assert.Equal(t, 0, done.BytesTransferred)
		})
	}
}

// hostileDevice wraps a MemDevice but advertises no host-visible
// memory, so staging allocation cannot find a type.
type hostileDevice struct {
	*gpu.MemDevice
}

func (d hostileDevice) MemoryTypes() []gpu.MemoryType {
	return []gpu.MemoryType{{Flags: gpu.MemoryDeviceLocal}}
}

func TestNoHostVisibleMemoryFailsENOMEM(t *testing.T) {
	dev := gpu.NewMemDevice()
	defer dev.Close()

	b := New(Config{Device: hostileDevice{dev}})
	defer b.Close()

	bb, err := gpu.CreateBoundBuffer(dev, 32, gpu.UsageTransferDst)
	require.NoError(t, err)
	defer bb.Release(dev)

	f := tempFile(t, []byte("payload"))

	done := submitAndWait(t, b, ds.Request{
		Fd:        int(f.Fd()),
		Size:      7,
		GPUBuffer: bb.Buf,
		Op:        ds.OpRead,
		DstMem:    ds.MemGPU,
	})
	assert.Equal(t, ds.StatusIoError, done.Status)
	assert.Equal(t, syscall.ENOMEM, done.ErrnoValue)
}

// stuckDevice never signals fences, forcing the bounded wait to expire.
type stuckDevice struct {
	*gpu.MemDevice
}

func (d stuckDevice) Submit(cmd gpu.CommandBuffer, fence gpu.Fence) error {
	return nil // swallow the work; the fence stays unsignalled
}

func (d stuckDevice) WaitFence(fence gpu.Fence, timeout time.Duration) error {
	return d.MemDevice.WaitFence(fence, time.Millisecond)
}

func TestFenceTimeoutFailsRequest(t *testing.T) {
	var reported []diag.ErrorContext
	var mu sync.Mutex
	diag.SetSink(func(ctx diag.ErrorContext) {
		mu.Lock()
		reported = append(reported, ctx)
		mu.Unlock()
	})
	defer diag.SetSink(nil)

	dev := gpu.NewMemDevice()
	defer dev.Close()

	b := New(Config{Device: stuckDevice{dev}})
	defer b.Close()

	bb, err := gpu.CreateBoundBuffer(dev, 32, gpu.UsageTransferDst)
	require.NoError(t, err)
	defer bb.Release(dev)

	f := tempFile(t, []byte("payload"))

	done := submitAndWait(t, b, ds.Request{
		Fd:        int(f.Fd()),
		Size:      7,
		GPUBuffer: bb.Buf,
		Op:        ds.OpRead,
		DstMem:    ds.MemGPU,
	})
	assert.Equal(t, ds.StatusIoError, done.Status)
	assert.Equal(t, syscall.EIO, done.ErrnoValue)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.Equal(t, "wait_fence", reported[len(reported)-1].Operation)
}

func TestBorrowedDeviceSurvivesClose(t *testing.T) {
	dev := gpu.NewMemDevice()
	defer dev.Close()

	b := New(Config{Device: dev})
	require.NoError(t, b.Close())

	// The borrowed device must still work after the backend is gone.
	bb, err := gpu.CreateBoundBuffer(dev, 16, gpu.UsageTransferDst)
	require.NoError(t, err)
	bb.Release(dev)
}
