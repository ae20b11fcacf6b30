package bufpool

import (
	"testing"
)

func TestGet_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 100, 4 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 8 * 1024, 64 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"256KB bucket - smaller", 100 * 1024, 256 * 1024},
		{"1MB bucket - exact", 1024 * 1024, 1024 * 1024},
		{"1MB bucket - smaller", 800 * 1024, 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("Get(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("Get(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			Put(buf)
		})
	}
}

func TestGet_Oversized(t *testing.T) {
	// Above the largest bucket we get a plain allocation of exact size.
	buf := Get(2 * 1024 * 1024)
	if len(buf) != 2*1024*1024 {
		t.Errorf("oversized Get returned len=%d", len(buf))
	}
	if cap(buf) != 2*1024*1024 {
		t.Errorf("oversized Get returned cap=%d", cap(buf))
	}
	// Returning it must not panic even though it fits no bucket.
	Put(buf)
}

func TestPool_Reuse(t *testing.T) {
	// Get a buffer
	buf1 := Get(64 * 1024)
	ptr1 := &buf1[0]
	Put(buf1)

	// Get another buffer of the same size - should reuse
	buf2 := Get(64 * 1024)
	ptr2 := &buf2[0]
	Put(buf2)

	// Note: sync.Pool may or may not reuse immediately, but addresses should be same
	// when the pool is warm. This test verifies the basic pooling mechanism works.
	if ptr1 == ptr2 {
		t.Log("Buffer was successfully reused from pool")
	} else {
		t.Log("Buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPut_NonStandardCap(t *testing.T) {
	// Create a buffer with non-standard capacity
	buf := make([]byte, 100*1024) // 100KB - not a standard bucket
	// This should not panic
	Put(buf)
}
