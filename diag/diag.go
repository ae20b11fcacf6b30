// Package diag is the process-wide diagnostic reporter. Every backend
// routes request failures through it, attaching a snapshot of the
// offending request when one is at hand.
//
// A single sink function receives reports. The sink slot is guarded by
// a mutex held only while reading or replacing it; the sink itself runs
// outside the lock, so sinks may report recursively without
// deadlocking. With no sink installed, reports are written to stderr as
// a single key=value line (see defaultSink for the field set).
package diag

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// RequestInfo is the request snapshot attached to a report.
type RequestInfo struct {
	Fd     int
	Offset int64
	Size   int
	Op     string
	SrcMem string
	DstMem string
}

// ErrorContext describes one failure event.
type ErrorContext struct {
	Subsystem string
	Operation string
	Detail    string
	File      string
	Line      int
	Function  string
	Errno     syscall.Errno
	Timestamp time.Time
	// Request is nil when the failure is not tied to a single request.
	Request *RequestInfo
}

// Sink consumes failure reports. Sinks must not block for long; they
// run on the reporting goroutine, which is usually a backend worker.
type Sink func(ErrorContext)

var (
	sinkMu sync.Mutex
	sink   Sink
)

// SetSink installs the process-wide sink. A nil sink restores the
// default stderr line writer.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

// Report emits a failure record with the caller's source location.
func Report(subsystem, operation, detail string, errno syscall.Errno) {
	dispatch(build(subsystem, operation, detail, errno, nil))
}

// ReportRequest is Report with an attached request snapshot.
func ReportRequest(subsystem, operation, detail string, errno syscall.Errno, req RequestInfo) {
	dispatch(build(subsystem, operation, detail, errno, &req))
}

func build(subsystem, operation, detail string, errno syscall.Errno, req *RequestInfo) ErrorContext {
	ctx := ErrorContext{
		Subsystem: subsystem,
		Operation: operation,
		Detail:    detail,
		Errno:     errno,
		Timestamp: time.Now(),
		Request:   req,
	}

	// Skip build and the exported Report/ReportRequest frame.
	if pc, file, line, ok := runtime.Caller(2); ok {
		ctx.File = file
		ctx.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			ctx.Function = fn.Name()
		}
	}
	return ctx
}

func dispatch(ctx ErrorContext) {
	sinkMu.Lock()
	s := sink
	sinkMu.Unlock()

	if s != nil {
		s(ctx)
		return
	}
	defaultSink(ctx)
}

// defaultSink writes one line per report. The key set is stable public
// surface; the ordering is informational only.
func defaultSink(ctx ErrorContext) {
	hasReq := "no"
	reqFields := ""
	if ctx.Request != nil {
		hasReq = "yes"
		reqFields = fmt.Sprintf(" fd=%d offset=%d size=%d op=%s src_mem=%s dst_mem=%s",
			ctx.Request.Fd, ctx.Request.Offset, ctx.Request.Size,
			ctx.Request.Op, ctx.Request.SrcMem, ctx.Request.DstMem)
	}

	fmt.Fprintf(os.Stderr,
		"[ds-runtime][error] timestamp=%s subsystem=%s operation=%s errno=%d detail=%q request=%s%s at %s:%d (%s)\n",
		ctx.Timestamp.Format("2006-01-02 15:04:05"),
		ctx.Subsystem, ctx.Operation, int(ctx.Errno), ctx.Detail,
		hasReq, reqFields, ctx.File, ctx.Line, ctx.Function)
}
