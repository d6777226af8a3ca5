package receiver

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/pdu"
)

// Touch records activity from the remote sender without otherwise
// changing state, for CMD flavors (FLUSH, EOT, APPLICATION) that carry no
// information this module needs beyond "the sender is still alive".
func (r *Receiver) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
}

// NoteRepairAdvertised lets the session report that the sender issued
// a CMD(REPAIR_ADV) naming this receiver's outstanding deficit,
// suppressing this receiver's own NACK the same way overhearing
// another receiver's NACK does (spec.md §4.5).
func (r *Receiver) NoteRepairAdvertised() {
	r.noteObservedRepair()
}

// HandleSquelch processes a CMD(SQUELCH): the sender reports that the
// listed objects no longer exist at the current transmit position, so
// this Receiver gives up on them instead of continuing to NACK for
// data that will never arrive (spec.md §4.4).
func (r *Receiver) HandleSquelch(now time.Time, sq pdu.CmdSquelch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
	for _, id := range sq.Invalidated {
		rx, ok := r.objects[id]
		if !ok {
			continue
		}
		if !rx.completed {
			r.emit(norm.Event{Type: norm.EventRxObjectAborted, Node: r.senderId, Object: id})
		}
		delete(r.objects, id)
	}
	if len(sq.Invalidated) == 0 {
		return
	}
	kept := r.objectOrder[:0]
	for _, id := range r.objectOrder {
		if _, held := r.objects[id]; held {
			kept = append(kept, id)
		}
	}
	r.objectOrder = kept
}

// CompletedObject returns the full reassembled content and
// application-supplied info of object id, if it has finished
// reassembly. Intended for callers (e.g. cmd/normrecv) that want the
// delivered bytes in response to an EventRxObjectCompleted
// notification rather than streaming writes of their own.
func (r *Receiver) CompletedObject(id norm.ObjectId) (content, info []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rx, held := r.objects[id]
	if !held || !rx.completed || rx.obj == nil {
		return nil, nil, false
	}
	buf := make([]byte, rx.obj.Size.ToUint64())
	if _, err := rx.obj.ReadAt(0, buf); err != nil {
		return nil, nil, false
	}
	return buf, append([]byte(nil), rx.obj.Info...), true
}
