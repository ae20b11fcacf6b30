package ds

// CompletionCallback is invoked by a backend exactly once per submitted
// request, from a backend-owned goroutine; a backend that is closed or
// failed to initialize invokes it inline from Submit. The pointed-to request
// carries the final Status, ErrnoValue and BytesTransferred; it is only
// valid for the duration of the call.
type CompletionCallback func(req *Request)

// Backend executes requests asynchronously.
//
// Submit must return without blocking on I/O and must eventually invoke
// the completion callback exactly once, whether the request succeeds,
// fails validation or hits an I/O error. Close flushes or cancels
// pending work; no completion fires after Close returns.
//
// Capability summary:
//
//	backend/cpu      host<->host, DemoTransform on reads, Stubbed -> ENOTSUP
//	backend/uring    host<->host only, any compression -> ENOTSUP
//	backend/gpustage host<->host, file->GPU, GPU->file, no compression
//
// Requests outside a backend's capabilities complete with
// IoError(EINVAL) and a diagnostic.
type Backend interface {
	Submit(req Request, complete CompletionCallback)
	Close() error
}
