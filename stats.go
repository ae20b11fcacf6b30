package ds

import "sync/atomic"

// Stats tracks completion statistics for a queue. All counters are
// monotonic and updated with atomic operations from completion
// callbacks, so they may be read while requests are in flight.
type Stats struct {
	// Aggregate counters
	Completed        atomic.Uint64 // Requests completed (any status)
	Failed           atomic.Uint64 // Requests completed with Status != Ok
	BytesTransferred atomic.Uint64 // Total bytes moved by successful transfers

	// Per-operation counters
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64
}

// RecordCompletion accounts for one completed request.
func (s *Stats) RecordCompletion(req *Request) {
	s.Completed.Add(1)
	if req.Status != StatusOk {
		s.Failed.Add(1)
		return
	}

	n := uint64(req.BytesTransferred)
	s.BytesTransferred.Add(n)
	switch req.Op {
	case OpWrite:
		s.WriteOps.Add(1)
		s.WriteBytes.Add(n)
	default:
		s.ReadOps.Add(1)
		s.ReadBytes.Add(n)
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Completed        uint64
	Failed           uint64
	BytesTransferred uint64
	ReadOps          uint64
	WriteOps         uint64
	ReadBytes        uint64
	WriteBytes       uint64
}

// Snapshot returns a consistent-enough copy for reporting. Individual
// fields are loaded independently; totals may be mid-update relative to
// each other while requests are completing.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Completed:        s.Completed.Load(),
		Failed:           s.Failed.Load(),
		BytesTransferred: s.BytesTransferred.Load(),
		ReadOps:          s.ReadOps.Load(),
		WriteOps:         s.WriteOps.Load(),
		ReadBytes:        s.ReadBytes.Load(),
		WriteBytes:       s.WriteBytes.Load(),
	}
}
