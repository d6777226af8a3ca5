package sender

import (
	"time"

	"github.com/go-norm/norm"
)

// emconState tracks the redundant INFO re-send schedule sender-emcon
// mode runs: independent of DATA flow, INFO is periodically re-emitted
// for every object still pending so a receiver that missed the
// original INFO (or joined late) can recover it without NACKing,
// matching the behavior original_source/common/normSession.cpp names
// sender_emcon/"redundant INFO".
type emconState struct {
	lastSent map[norm.ObjectId]time.Time
}

func newEmconState() emconState {
	return emconState{lastSent: make(map[norm.ObjectId]time.Time)}
}

// emconInfoIntervalGrttFactor bounds how often a single object's INFO is
// redundantly re-sent, expressed as a multiple of GRTT the same way
// the idle-flush interval is.
const emconInfoIntervalGrttFactor = 2.0

// emconDue reports whether object id's INFO is due for a
// redundant re-send, given the current GRTT estimate.
func (s *Sender) emconDue(id norm.ObjectId, now time.Time, grtt float64) bool {
	if !s.cfg.SenderEmcon {
		return false
	}
	last, ok := s.emcon.lastSent[id]
	if !ok {
		return true
	}
	interval := time.Duration(emconInfoIntervalGrttFactor * grtt * float64(time.Second))
	return now.Sub(last) >= interval
}

func (s *Sender) emconMarkSent(id norm.ObjectId, now time.Time) {
	s.emcon.lastSent[id] = now
}

// emconForget drops an object's resend schedule once it leaves the tx
// table (evicted or purged), so the map doesn't grow unbounded across
// a long session.
func (s *Sender) emconForget(id norm.ObjectId) {
	delete(s.emcon.lastSent, id)
}
