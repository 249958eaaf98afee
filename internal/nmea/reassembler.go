package nmea

import (
	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

// MaxSentenceLen is the reassembly buffer capacity in bytes.
const MaxSentenceLen = 2048

// Reassembler joins ordered fragments into complete sentences.
//
// There is exactly one buffer and it is not keyed by sentence identity: two
// multi-fragment sentences whose fragments interleave corrupt each other.
// A fragment with Index 1 restarts accumulation, so a new sequence never
// appends to a stale partial left behind by a lost final fragment.
//
// Not safe for concurrent use; the gateway serializes callers.
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an idle reassembler with a preallocated buffer.
func NewReassembler() *Reassembler {
	return &Reassembler{buf: make([]byte, 0, MaxSentenceLen)}
}

// Add consumes one fragment. It returns the complete sentence and true when
// f completes one; the returned slice is owned by the caller.
func (r *Reassembler) Add(f Fragment) ([]byte, bool) {
	p := f.Payload()
	if f.Total <= 1 {
		return []byte(p), true
	}
	if f.Index == 1 && len(r.buf) > 0 {
		r.buf = r.buf[:0]
	}
	if len(r.buf)+len(p) > MaxSentenceLen {
		r.buf = r.buf[:0]
		metrics.IncOverflow()
		return nil, false
	}
	r.buf = append(r.buf, p...)
	if f.Index == f.Total && len(r.buf) > 0 {
		out := make([]byte, len(r.buf))
		copy(out, r.buf)
		r.buf = r.buf[:0]
		return out, true
	}
	return nil, false
}

// Pending returns the number of buffered bytes (0 when idle).
func (r *Reassembler) Pending() int { return len(r.buf) }

// Reset drops any partial sentence.
func (r *Reassembler) Reset() { r.buf = r.buf[:0] }
