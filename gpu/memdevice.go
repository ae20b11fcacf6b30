package gpu

import (
	"sync"
	"time"

	"github.com/infinityabundance/ds-runtime/internal/bufpool"
)

// MemDevice is a RAM-backed Device. It honors the full binding and
// submission protocol — unbound buffers reject copies, fences only
// signal after the copy work has executed — so code written against it
// behaves the same against a real device adapter.
//
// Submitted command buffers execute on a background goroutine per
// submission; WaitIdle blocks until all of them have retired.
type MemDevice struct {
	mu       sync.Mutex
	buffers  map[Buffer]*memBuffer
	memories map[Memory]*memAllocation
	cmds     map[CommandBuffer]*memCommands
	fences   map[Fence]chan struct{}
	next     uint64
	closed   bool

	pending sync.WaitGroup
}

type memBuffer struct {
	size  uint64
	usage BufferUsage
	mem   *memAllocation
}

type memAllocation struct {
	data []byte
}

type copyRegion struct {
	src, dst           *memBuffer
	srcOff, dstOff, nr uint64
}

type memCommands struct {
	copies []copyRegion
}

// NewMemDevice creates an empty RAM-backed device.
func NewMemDevice() *MemDevice {
	return &MemDevice{
		buffers:  make(map[Buffer]*memBuffer),
		memories: make(map[Memory]*memAllocation),
		cmds:     make(map[CommandBuffer]*memCommands),
		fences:   make(map[Fence]chan struct{}),
	}
}

// MemoryTypes implements Device. RAM is everything at once: one type
// that is device-local, host-visible and host-coherent.
func (d *MemDevice) MemoryTypes() []MemoryType {
	return []MemoryType{
		{Flags: MemoryDeviceLocal | MemoryHostVisible | MemoryHostCoherent},
	}
}

func (d *MemDevice) handle() uint64 {
	d.next++
	return d.next
}

// CreateBuffer implements Device.
func (d *MemDevice) CreateBuffer(size uint64, usage BufferUsage) (Buffer, MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, MemoryRequirements{}, ErrClosed
	}

	h := Buffer(d.handle())
	d.buffers[h] = &memBuffer{size: size, usage: usage}
	return h, MemoryRequirements{Size: size, TypeBits: 1}, nil
}

// AllocateMemory implements Device. Allocations come from the shared
// buffer pool and are zeroed so freshly bound buffers read as zeros.
func (d *MemDevice) AllocateMemory(size uint64, typeIndex uint32) (Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if typeIndex != 0 {
		return 0, ErrUnknownHandle
	}

	data := bufpool.Get(int(size))
	for i := range data {
		data[i] = 0
	}

	h := Memory(d.handle())
	d.memories[h] = &memAllocation{data: data}
	return h, nil
}

// BindBufferMemory implements Device.
func (d *MemDevice) BindBufferMemory(buf Buffer, mem Memory) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return ErrUnknownHandle
	}
	m, ok := d.memories[mem]
	if !ok {
		return ErrUnknownHandle
	}
	if uint64(len(m.data)) < b.size {
		return ErrOutOfRange
	}
	b.mem = m
	return nil
}

// MapMemory implements Device.
func (d *MemDevice) MapMemory(mem Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mem]
	if !ok {
		return nil, ErrUnknownHandle
	}
	if offset+size > uint64(len(m.data)) {
		return nil, ErrOutOfRange
	}
	return m.data[offset : offset+size], nil
}

// UnmapMemory implements Device. Host RAM needs no unmap work.
func (d *MemDevice) UnmapMemory(mem Memory) {}

// DestroyBuffer implements Device.
func (d *MemDevice) DestroyBuffer(buf Buffer) {
	d.mu.Lock()
	delete(d.buffers, buf)
	d.mu.Unlock()
}

// FreeMemory implements Device. The backing store returns to the pool.
func (d *MemDevice) FreeMemory(mem Memory) {
	d.mu.Lock()
	m, ok := d.memories[mem]
	delete(d.memories, mem)
	d.mu.Unlock()

	if ok {
		bufpool.Put(m.data)
	}
}

// AllocateCommandBuffer implements Device.
func (d *MemDevice) AllocateCommandBuffer() (CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	h := CommandBuffer(d.handle())
	d.cmds[h] = &memCommands{}
	return h, nil
}

// RecordCopy implements Device. Regions are validated at record time so
// execution cannot fail.
func (d *MemDevice) RecordCopy(cmd CommandBuffer, src, dst Buffer, srcOffset, dstOffset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.cmds[cmd]
	if !ok {
		return ErrUnknownHandle
	}
	sb, ok := d.buffers[src]
	if !ok {
		return ErrUnknownHandle
	}
	db, ok := d.buffers[dst]
	if !ok {
		return ErrUnknownHandle
	}
	if sb.mem == nil || db.mem == nil {
		return ErrUnbound
	}
	if srcOffset+size > sb.size || dstOffset+size > db.size {
		return ErrOutOfRange
	}

	c.copies = append(c.copies, copyRegion{
		src: sb, dst: db,
		srcOff: srcOffset, dstOff: dstOffset, nr: size,
	})
	return nil
}

// CreateFence implements Device.
func (d *MemDevice) CreateFence() (Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	h := Fence(d.handle())
	d.fences[h] = make(chan struct{})
	return h, nil
}

// Submit implements Device. The recorded copies execute asynchronously;
// the fence signals once they are done.
func (d *MemDevice) Submit(cmd CommandBuffer, fence Fence) error {
	d.mu.Lock()
	c, ok := d.cmds[cmd]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownHandle
	}
	signal, ok := d.fences[fence]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownHandle
	}
	copies := c.copies
	d.mu.Unlock()

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		for _, r := range copies {
			copy(r.dst.mem.data[r.dstOff:r.dstOff+r.nr], r.src.mem.data[r.srcOff:r.srcOff+r.nr])
		}
		close(signal)
	}()
	return nil
}

// WaitFence implements Device.
func (d *MemDevice) WaitFence(fence Fence, timeout time.Duration) error {
	d.mu.Lock()
	signal, ok := d.fences[fence]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// DestroyFence implements Device.
func (d *MemDevice) DestroyFence(fence Fence) {
	d.mu.Lock()
	delete(d.fences, fence)
	d.mu.Unlock()
}

// FreeCommandBuffer implements Device.
func (d *MemDevice) FreeCommandBuffer(cmd CommandBuffer) {
	d.mu.Lock()
	delete(d.cmds, cmd)
	d.mu.Unlock()
}

// WaitIdle implements Device.
func (d *MemDevice) WaitIdle() error {
	d.pending.Wait()
	return nil
}

// Close implements Device. Outstanding work is drained first; handle
// tables are cleared and pooled allocations returned.
func (d *MemDevice) Close() error {
	d.pending.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for h, m := range d.memories {
		bufpool.Put(m.data)
		delete(d.memories, h)
	}
	d.buffers = make(map[Buffer]*memBuffer)
	d.cmds = make(map[CommandBuffer]*memCommands)
	d.fences = make(map[Fence]chan struct{})
	return nil
}
