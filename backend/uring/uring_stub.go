//go:build !linux

// Package uring implements the completion-ring backend. io_uring is a
// Linux interface; on other platforms the backend constructs in the
// permanently-failed state and every submission completes with
// IoError(EINVAL) and a diagnostic.
package uring

import (
	"syscall"

	ds "github.com/infinityabundance/ds-runtime"
	"github.com/infinityabundance/ds-runtime/diag"
	"github.com/infinityabundance/ds-runtime/internal/constants"
)

const subsystem = "ring"

// Config configures the ring backend.
type Config struct {
	Entries     uint32
	WorkerCount int
}

// DefaultConfig returns the default ring configuration.
func DefaultConfig() Config {
	return Config{Entries: constants.DefaultRingEntries}
}

// Backend is the non-Linux placeholder.
type Backend struct{}

// New reports the missing platform support and returns a failed
// backend.
func New(cfg Config) *Backend {
	diag.Report(subsystem, "io_uring_setup", "io_uring is unavailable on this platform", syscall.ENOTSUP)
	return &Backend{}
}

// Submit implements ds.Backend.
func (b *Backend) Submit(req ds.Request, complete ds.CompletionCallback) {
	diag.ReportRequest(subsystem, "submit", "backend initialization failed", syscall.EINVAL, req.DiagInfo())
	req.Fail(syscall.EINVAL)
	if complete != nil {
		complete(&req)
	}
}

// Close implements ds.Backend.
func (b *Backend) Close() error {
	return nil
}
