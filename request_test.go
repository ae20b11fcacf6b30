package ds

import (
	"syscall"
	"testing"
)

func TestRequestZeroValueIsPending(t *testing.T) {
	var req Request

	if req.Status != StatusPending {
		t.Errorf("zero request status = %v, want pending", req.Status)
	}
	if req.Size != 0 {
		t.Errorf("zero request size = %d, want 0", req.Size)
	}
	if req.ErrnoValue != 0 {
		t.Errorf("zero request errno = %d, want 0", req.ErrnoValue)
	}
}

func TestRequestFailZeroesBytes(t *testing.T) {
	req := Request{BytesTransferred: 42}
	req.Fail(syscall.EBADF)

	if req.Status != StatusIoError {
		t.Errorf("status = %v, want io-error", req.Status)
	}
	if req.ErrnoValue != syscall.EBADF {
		t.Errorf("errno = %v, want EBADF", req.ErrnoValue)
	}
	if req.BytesTransferred != 0 {
		t.Errorf("bytes = %d, want 0", req.BytesTransferred)
	}
}

func TestRequestCompleteClearsErrno(t *testing.T) {
	req := Request{ErrnoValue: syscall.EIO, Status: StatusPending}
	req.Complete(128)

	if req.Status != StatusOk {
		t.Errorf("status = %v, want ok", req.Status)
	}
	if req.ErrnoValue != 0 {
		t.Errorf("errno = %v, want 0", req.ErrnoValue)
	}
	if req.BytesTransferred != 128 {
		t.Errorf("bytes = %d, want 128", req.BytesTransferred)
	}
}

func TestRequestDiagInfo(t *testing.T) {
	req := Request{
		Fd:     7,
		Offset: 12345,
		Size:   100,
		Op:     OpRead,
		SrcMem: MemHost,
		DstMem: MemGPU,
	}

	info := req.DiagInfo()
	if info.Fd != 7 || info.Offset != 12345 || info.Size != 100 {
		t.Errorf("snapshot mismatch: %+v", info)
	}
	if info.Op != "read" || info.SrcMem != "host" || info.DstMem != "gpu" {
		t.Errorf("snapshot enum strings mismatch: %+v", info)
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{OpRead.String(), "read"},
		{OpWrite.String(), "write"},
		{MemHost.String(), "host"},
		{MemGPU.String(), "gpu"},
		{CompressionNone.String(), "none"},
		{CompressionDemoTransform.String(), "demo-transform"},
		{CompressionStubbed.String(), "stubbed"},
		{StatusPending.String(), "pending"},
		{StatusOk.String(), "ok"},
		{StatusIoError.String(), "io-error"},
		{StatusCancelled.String(), "cancelled"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("enum string = %q, want %q", tt.got, tt.want)
		}
	}
}
