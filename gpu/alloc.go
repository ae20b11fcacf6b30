package gpu

// BoundBuffer is a buffer with its backing allocation, as produced by
// CreateBoundBuffer.
type BoundBuffer struct {
	Buf Buffer
	Mem Memory
}

// CreateBoundBuffer creates a buffer of the given size, allocates
// memory for it (device-local when an allowed type has it, otherwise the
// first allowed type) and binds the two. Callers use it to set
// up the destination buffers that staged transfers target.
func CreateBoundBuffer(dev Device, size uint64, usage BufferUsage) (BoundBuffer, error) {
	buf, reqs, err := dev.CreateBuffer(size, usage)
	if err != nil {
		return BoundBuffer{}, err
	}

	typeIndex := FindMemoryType(dev.MemoryTypes(), reqs.TypeBits, MemoryDeviceLocal)
	if typeIndex < 0 {
		// Fall back to any allowed type; integrated devices often
		// expose a single unified heap.
		for i := range dev.MemoryTypes() {
			if reqs.TypeBits&(1<<uint(i)) != 0 {
				typeIndex = i
				break
			}
		}
	}
	if typeIndex < 0 {
		dev.DestroyBuffer(buf)
		return BoundBuffer{}, ErrUnknownHandle
	}

	mem, err := dev.AllocateMemory(reqs.Size, uint32(typeIndex))
	if err != nil {
		dev.DestroyBuffer(buf)
		return BoundBuffer{}, err
	}

	if err := dev.BindBufferMemory(buf, mem); err != nil {
		dev.DestroyBuffer(buf)
		dev.FreeMemory(mem)
		return BoundBuffer{}, err
	}

	return BoundBuffer{Buf: buf, Mem: mem}, nil
}

// Release destroys the buffer and frees its allocation.
func (b BoundBuffer) Release(dev Device) {
	if b.Buf != 0 {
		dev.DestroyBuffer(b.Buf)
	}
	if b.Mem != 0 {
		dev.FreeMemory(b.Mem)
	}
}
