// Package receiver implements NORM's per-remote-sender receiver state
// machine: sync acquisition, the pending-object window, FEC block
// reassembly, active-repair backoff/holdoff with NACK suppression, and
// receiver-side congestion-control feedback.
//
// One Receiver tracks exactly one remote sender (identified by its PDU
// source id); a session holds a map of these. Receiver is a single
// struct behind one mutex, the same posture pkg/sender uses.
package receiver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/congestion"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/pdu"
)

// RepairBoundary selects when the active repair check fires, per
// spec.md §4.5.
type RepairBoundary uint8

const (
	RepairBoundaryBlock RepairBoundary = iota
	RepairBoundaryObject
)

// Config parameterizes a Receiver, a narrowed view of
// pkg/config.SessionConfig's Receiver section plus the local identity
// the PDU codec and NACK builder need.
type Config struct {
	NodeId norm.NodeId

	MaxPendingRange uint32
	DefaultNacking  object.NackingMode
	RepairBoundary  RepairBoundary
	SilentReceiver  bool // never sends NACK/ACK; relies on REPAIR_ADV suppression only
	UnicastNacks    bool

	BackoffFactor float64
	GroupSize     int

	// MaxHeldBlocks caps how many FEC blocks this Receiver holds
	// in memory across all its objects at once; once reached,
	// allocateBlock steals an entire object's worth of blocks back per
	// the silent/normal stealing policy below before allocating a new
	// one.
	MaxHeldBlocks int

	// Events receives protocol lifecycle notifications (new/active/
	// inactive/purged sender, rx object new/info/updated/completed/
	// aborted), per spec.md §6. May be nil.
	Events norm.EventHandler
}

// rxObject wraps an object.Object with the receive-side bookkeeping a
// windowed pending table needs.
type rxObject struct {
	obj       *object.Object
	infoSeen  bool
	completed bool

	// deferredData holds DATA PDUs that arrived before this object's
	// FTI (carried only on INFO) was seen, so the block/segment sizing
	// needed to store them wasn't yet known. Replayed once INFO
	// arrives; capped so a sender that never sends INFO for an
	// info-required object can't grow this unboundedly.
	deferredData []pdu.Data
}

const maxDeferredData = 8

// Receiver is one remote sender's receive-side state machine.
type Receiver struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger
	stats  *norm.Stats

	senderId   norm.NodeId
	instanceId uint16
	sequence   uint16
	synced     bool
	syncId     norm.ObjectId
	nextId     norm.ObjectId

	objects     map[norm.ObjectId]*rxObject
	objectOrder []norm.ObjectId // ascending admission order

	heldBlocks int // blocks currently held across all objects

	loss          *congestion.LossEstimator
	grtt          float64 // sender's advertised grtt, echoed from CMD(CC)/FTI context
	rttQuantized  uint8
	rttConfirmed  bool
	cc            ccFeedbackState

	repair repairState

	lastActivity time.Time
}

// New builds a Receiver for one remote sender, identified by senderId
// (the PDU SourceId the first message from it carried). logger may be
// nil (defaults to slog.Default()).
func New(cfg Config, senderId norm.NodeId, stats *norm.Stats, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &norm.Stats{}
	}
	if cfg.MaxPendingRange == 0 {
		cfg.MaxPendingRange = 256
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 4
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 1
	}
	if cfg.MaxHeldBlocks <= 0 {
		cfg.MaxHeldBlocks = 64
	}
	r := &Receiver{
		cfg:      cfg,
		logger:   logger.With("component", "receiver", "sender", senderId),
		stats:    stats,
		senderId: senderId,
		objects:  make(map[norm.ObjectId]*rxObject),
		loss:     congestion.NewLossEstimator(1.0),
		cc:       newCCFeedbackState(),
	}
	r.emit(norm.Event{Type: norm.EventRemoteSenderNew, Node: senderId})
	return r
}

// nextSequence returns the next session sequence number, incrementing
// the counter. Called exactly once per emitted PDU, mirroring
// pkg/sender.Sender's own per-PDU sequence counter.
func (r *Receiver) nextSequence() uint16 {
	seq := r.sequence
	r.sequence++
	return seq
}

func (r *Receiver) header(t pdu.Type) pdu.Header {
	return pdu.Header{
		Version:  pdu.Version,
		Type:     t,
		Sequence: r.nextSequence(),
		SourceId: r.cfg.NodeId,
	}
}

// emit delivers an event to the configured handler, if any.
func (r *Receiver) emit(ev norm.Event) {
	if r.cfg.Events != nil {
		r.cfg.Events(ev)
	}
}

// Stats returns the shared statistics counters.
func (r *Receiver) Stats() *norm.Stats { return r.stats }

// SenderId returns the remote sender this Receiver tracks.
func (r *Receiver) SenderId() norm.NodeId { return r.senderId }

// touch records activity from the remote sender, used by the session's
// activity-timeout sweep to detect a sender that has gone silent.
func (r *Receiver) touch(now time.Time) {
	r.lastActivity = now
}

// LastActivity reports when the remote sender was last heard from.
func (r *Receiver) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// CheckActivityTimeout reports whether the remote sender has been
// silent for longer than interval, per spec.md §5's
// max(2*robust*grtt, 1s) activity window; emits
// EventRemoteSenderInactive at most once per timeout.
func (r *Receiver) CheckActivityTimeout(now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastActivity.IsZero() {
		return false
	}
	if now.Sub(r.lastActivity) < interval {
		return false
	}
	r.stats.IncActivityTimeout()
	r.emit(norm.Event{Type: norm.EventRemoteSenderInactive, Node: r.senderId})
	return true
}

// tryResync detects a sender restart by a changed instance id, taken
// as a plain parameter since the INFO/DATA/CMD PDUs this package
// decodes carry no instance id field of their own; nothing in this
// module calls it. A changed
// instance id discards all held objects and resets sync state.
func (r *Receiver) tryResync(instanceId uint16) {
	if r.synced && instanceId == r.instanceId {
		return
	}
	r.instanceId = instanceId
	r.synced = false
	for id, rx := range r.objects {
		if !rx.completed {
			r.emit(norm.Event{Type: norm.EventRxObjectAborted, Node: r.senderId, Object: id})
		}
	}
	r.objects = make(map[norm.ObjectId]*rxObject)
	r.objectOrder = nil
	r.stats.IncResync()
}

// acquireSync establishes the sync point the first time a message
// eligible to sync arrives. HandleInfo passes every INFO as eligible
// and HandleData passes DATA only when it is in block 0: DATA in a
// later block does not sync, stream or not, and since DATA carries no
// repair marking, a block-0 retransmission syncs like an original
// transmission. Emits EventRemoteSenderActive the first time sync
// is acquired, the New->Active transition spec.md §6 documents.
func (r *Receiver) acquireSync(objectId norm.ObjectId, syncEligible bool) bool {
	if r.synced {
		return true
	}
	if !syncEligible {
		return false
	}
	r.synced = true
	r.syncId = objectId
	r.nextId = objectId
	r.emit(norm.Event{Type: norm.EventRemoteSenderActive, Node: r.senderId})
	return true
}

// admitObject returns the held rxObject for id, creating and admitting
// it into the pending window if not already held. Returns
// norm.ErrNotSynced before sync, norm.ErrOutOfWindow for an id too far
// outside [syncId, syncId+MaxPendingRange).
func (r *Receiver) admitObject(id norm.ObjectId) (*rxObject, error) {
	if !r.synced {
		return nil, norm.ErrNotSynced
	}
	if rx, ok := r.objects[id]; ok {
		return rx, nil
	}
	diff := id.Diff(r.syncId)
	if diff < 0 && int(-diff) > int(r.cfg.MaxPendingRange) {
		return nil, norm.ErrOutOfWindow
	}
	if diff >= 0 && uint32(diff) >= r.cfg.MaxPendingRange {
		return nil, norm.ErrOutOfWindow
	}
	if id.Greater(r.nextId) || id == r.nextId {
		r.nextId = id.Plus(1)
	}
	rx := &rxObject{}
	r.objects[id] = rx
	r.objectOrder = append(r.objectOrder, id)
	r.emit(norm.Event{Type: norm.EventRxObjectNew, Node: r.senderId, Object: id})
	r.evictOutOfWindow()
	return rx, nil
}

// evictOutOfWindow drops held objects that have fallen behind the
// window's low water mark as nextId has advanced, aborting any that
// never completed, per spec.md §4.5's "ids newer advance the window
// evicting and aborting completed or abandoned older objects."
func (r *Receiver) evictOutOfWindow() {
	low := r.nextId.Plus(-int(r.cfg.MaxPendingRange))
	kept := r.objectOrder[:0]
	for _, id := range r.objectOrder {
		if id.Diff(low) < 0 {
			if rx := r.objects[id]; rx != nil && !rx.completed {
				r.emit(norm.Event{Type: norm.EventRxObjectAborted, Node: r.senderId, Object: id})
			}
			delete(r.objects, id)
			continue
		}
		kept = append(kept, id)
	}
	r.objectOrder = kept
}

// oldestHeldObjectId and newestHeldObjectId support the
// silent-vs-normal-receiver buffer-stealing policy in objects.go.
func (r *Receiver) oldestHeldObjectId() (norm.ObjectId, bool) {
	for _, id := range r.objectOrder {
		if rx := r.objects[id]; rx != nil && !rx.completed {
			return id, true
		}
	}
	return 0, false
}

func (r *Receiver) newestHeldObjectId() (norm.ObjectId, bool) {
	for i := len(r.objectOrder) - 1; i >= 0; i-- {
		id := r.objectOrder[i]
		if rx := r.objects[id]; rx != nil && !rx.completed {
			return id, true
		}
	}
	return 0, false
}
