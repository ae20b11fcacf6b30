// Package gpu abstracts the device objects the staging backend drives:
// buffers, memory allocations, one-shot command buffers and fences.
//
// The interface mirrors the explicit-binding style of modern graphics
// APIs so that a thin adapter over a real device (a Vulkan binding, a
// driver shim) can satisfy it without impedance mismatch. The built-in
// MemDevice implements the same protocol over host RAM and is what a
// gpustage backend creates when no external device is supplied.
//
// All handle types are opaque integers. Handle 0 is never valid.
package gpu

import (
	"errors"
	"time"
)

// Buffer is an opaque device buffer handle.
type Buffer uint64

// Memory is an opaque device memory allocation handle.
type Memory uint64

// CommandBuffer is an opaque one-shot command buffer handle.
type CommandBuffer uint64

// Fence is an opaque device-side completion marker with a host-side
// wait primitive.
type Fence uint64

// BufferUsage declares how a buffer participates in transfers.
type BufferUsage uint32

const (
	UsageTransferSrc BufferUsage = 1 << iota
	UsageTransferDst
)

// MemoryPropertyFlags describe a device memory type.
type MemoryPropertyFlags uint32

const (
	MemoryHostVisible MemoryPropertyFlags = 1 << iota
	MemoryHostCoherent
	MemoryDeviceLocal
)

// MemoryType is one entry of a device's memory type table.
type MemoryType struct {
	Flags MemoryPropertyFlags
}

// MemoryRequirements describe what an allocation backing a buffer must
// satisfy. TypeBits has bit i set when memory type i is acceptable.
type MemoryRequirements struct {
	Size     uint64
	TypeBits uint32
}

// Device errors. Adapters over real devices should map their native
// failures onto these where the meaning matches.
var (
	ErrClosed        = errors.New("gpu: device closed")
	ErrUnknownHandle = errors.New("gpu: unknown handle")
	ErrUnbound       = errors.New("gpu: buffer has no bound memory")
	ErrOutOfRange    = errors.New("gpu: copy region out of range")
	ErrTimeout       = errors.New("gpu: fence wait timed out")
)

// Device is the capability set the staging backend needs. External
// devices are borrowed: the runtime never calls Close on a device it
// did not create.
//
// Thread-safety contract: buffer and memory operations may be called
// from any goroutine concurrently; command buffer lifecycle, Submit and
// fence waits must be externally serialized per queue (the gpustage
// backend holds one mutex across them).
type Device interface {
	// MemoryTypes returns the device memory type table. Indices into
	// this slice are the typeIndex values AllocateMemory accepts.
	MemoryTypes() []MemoryType

	// CreateBuffer creates an unbound buffer of the given size.
	CreateBuffer(size uint64, usage BufferUsage) (Buffer, MemoryRequirements, error)

	// AllocateMemory allocates backing store of the given memory type.
	AllocateMemory(size uint64, typeIndex uint32) (Memory, error)

	// BindBufferMemory attaches an allocation to a buffer. A buffer
	// must be bound before it can be mapped or copied.
	BindBufferMemory(buf Buffer, mem Memory) error

	// MapMemory exposes a host-visible allocation as a byte slice. The
	// slice aliases device memory and is invalidated by UnmapMemory and
	// FreeMemory.
	MapMemory(mem Memory, offset, size uint64) ([]byte, error)

	// UnmapMemory ends a mapping.
	UnmapMemory(mem Memory)

	// DestroyBuffer releases a buffer handle. The bound allocation, if
	// any, stays alive until FreeMemory.
	DestroyBuffer(buf Buffer)

	// FreeMemory releases an allocation.
	FreeMemory(mem Memory)

	// AllocateCommandBuffer returns a fresh one-shot command buffer.
	AllocateCommandBuffer() (CommandBuffer, error)

	// RecordCopy appends a buffer-to-buffer copy region to cmd. Both
	// buffers must be bound and the regions in range.
	RecordCopy(cmd CommandBuffer, src, dst Buffer, srcOffset, dstOffset, size uint64) error

	// CreateFence returns an unsignalled fence.
	CreateFence() (Fence, error)

	// Submit hands the command buffer to the device queue and arranges
	// for fence to signal once it has executed.
	Submit(cmd CommandBuffer, fence Fence) error

	// WaitFence blocks until fence signals or the timeout elapses.
	WaitFence(fence Fence, timeout time.Duration) error

	DestroyFence(fence Fence)
	FreeCommandBuffer(cmd CommandBuffer)

	// WaitIdle blocks until all submitted work has executed.
	WaitIdle() error

	// Close tears the device down. Only the creator may call it.
	Close() error
}

// FindMemoryType returns the index of the first memory type allowed by
// typeBits whose flags contain want, or -1 when none match.
func FindMemoryType(types []MemoryType, typeBits uint32, want MemoryPropertyFlags) int {
	for i, t := range types {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if t.Flags&want == want {
			return i
		}
	}
	return -1
}
