package norm

import "sync/atomic"

// Stats holds per-session counters surfaced to the application for
// observability. All fields are updated with sync/atomic so a session's
// background goroutines and an application's monitoring goroutine can
// read them concurrently without a lock.
type Stats struct {
	TxPDUCount        uint64
	RxPDUCount        uint64
	NackCount         uint64
	SquelchCount      uint64
	CompletionCount   uint64
	FailureCount      uint64
	ResyncCount       uint64
	MalformedCount    uint64
	BufferExhaustCount uint64
	ActivityTimeouts  uint64
	SuppressCount     uint64
}

func (s *Stats) IncTxPDU()         { atomic.AddUint64(&s.TxPDUCount, 1) }
func (s *Stats) IncRxPDU()         { atomic.AddUint64(&s.RxPDUCount, 1) }
func (s *Stats) IncNack()          { atomic.AddUint64(&s.NackCount, 1) }
func (s *Stats) IncSquelch()       { atomic.AddUint64(&s.SquelchCount, 1) }
func (s *Stats) IncCompletion()    { atomic.AddUint64(&s.CompletionCount, 1) }
func (s *Stats) IncFailure()       { atomic.AddUint64(&s.FailureCount, 1) }
func (s *Stats) IncResync()        { atomic.AddUint64(&s.ResyncCount, 1) }
func (s *Stats) IncMalformed()     { atomic.AddUint64(&s.MalformedCount, 1) }
func (s *Stats) IncBufferExhaust() { atomic.AddUint64(&s.BufferExhaustCount, 1) }
func (s *Stats) IncActivityTimeout() { atomic.AddUint64(&s.ActivityTimeouts, 1) }
func (s *Stats) IncSuppress()      { atomic.AddUint64(&s.SuppressCount, 1) }

// Snapshot returns a copy of the counters at a point in time.
func (s *Stats) Snapshot() Stats {
	return Stats{
		TxPDUCount:         atomic.LoadUint64(&s.TxPDUCount),
		RxPDUCount:         atomic.LoadUint64(&s.RxPDUCount),
		NackCount:          atomic.LoadUint64(&s.NackCount),
		SquelchCount:       atomic.LoadUint64(&s.SquelchCount),
		CompletionCount:    atomic.LoadUint64(&s.CompletionCount),
		FailureCount:       atomic.LoadUint64(&s.FailureCount),
		ResyncCount:        atomic.LoadUint64(&s.ResyncCount),
		MalformedCount:     atomic.LoadUint64(&s.MalformedCount),
		BufferExhaustCount: atomic.LoadUint64(&s.BufferExhaustCount),
		ActivityTimeouts:   atomic.LoadUint64(&s.ActivityTimeouts),
		SuppressCount:      atomic.LoadUint64(&s.SuppressCount),
	}
}
