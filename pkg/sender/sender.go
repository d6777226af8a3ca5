// Package sender implements NORM's per-session sender state machine:
// object admission into a windowed tx table, FEC block assembly,
// flush/watermark positive-ACK collection, NACK ingest with
// aggregation/holdoff, and equation-based congestion control.
//
// Sender is a single struct holding all mutable state behind one
// mutex, with plain methods rather than an actor/channel split. It
// does not run its own timer loop: one single-threaded cooperative
// task per session owns the only ticker, and drives Sender via
// Service/HandleNack/HandleAck method calls.
package sender

import (
	"log/slog"
	"sync"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/congestion"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/pdu"
)

// Config parameterizes a Sender, a narrowed view of
// pkg/config.SessionConfig's Sender section plus the local identity
// the PDU codec needs.
type Config struct {
	NodeId norm.NodeId

	SegmentSize uint16
	NumData     uint16
	NumParity   uint16
	AutoParity  bool
	ExtraParity uint16

	TxRate    float64
	TxRateMin float64
	TxRateMax float64
	CCEnable  bool

	BackoffFactor   float64
	TxCacheCountMin int
	TxCacheCountMax int
	TxCacheSizeMax  uint64
	RobustFactor    int
	SenderEmcon     bool

	GrttIntervalMin float64
	GrttIntervalMax float64

	// Events receives protocol lifecycle notifications (watermark
	// completion, object eviction, ...), per spec.md §6. May be nil.
	Events norm.EventHandler
}

// emit delivers an event to the configured handler, if any.
func (s *Sender) emit(ev norm.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events(ev)
	}
}

// txObject wraps an object.Object with the sender-side transmit
// cursor and byte accounting a windowed tx table needs.
type txObject struct {
	obj *object.Object

	pendingInfo bool
	size        uint64

	// cursor tracks "where we left off" within the object's pending
	// blocks, so successive Service() calls make forward progress
	// instead of re-scanning from block 0 every tick.
	cursorBlock   norm.BlockId
	cursorSegment norm.SegmentId

	repairPending bool // set while this object still owes any receiver a repair
}

// Sender is one session's transmit-side state machine.
type Sender struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger
	stats  *norm.Stats

	sequence uint16 // session PDU sequence counter, strictly increasing

	objects      map[norm.ObjectId]*txObject
	objectOrder  []norm.ObjectId // admission order, oldest first
	nextObjectId norm.ObjectId
	txPending    *norm.SlidingMask // object-level: which admitted objects still owe data
	totalBytes   uint64

	advertiseRepairs bool

	flush      flushState
	watermark  watermarkState
	nack       nackAggregator
	cc         ccState
	grtt       *congestion.GrttEstimator
	grttProbe  grttProbeState
	lastObject  norm.ObjectId    // most recently admitted object, for the idle-flush target
	lastSentFEC pdu.FECPayloadID // most recently transmitted (blockId, segmentId), for SQUELCH/idle FLUSH addressing

	emcon emconState
}

// New builds a Sender. logger may be nil (defaults to slog.Default()).
func New(cfg Config, stats *norm.Stats, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &norm.Stats{}
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 4
	}
	if cfg.RobustFactor <= 0 {
		cfg.RobustFactor = 20
	}
	if cfg.TxCacheCountMax <= 0 {
		cfg.TxCacheCountMax = 256
	}
	grttMin, grttMax := cfg.GrttIntervalMin, cfg.GrttIntervalMax
	if grttMin <= 0 {
		grttMin = congestion.DefaultGrttIntervalMin
	}
	if grttMax <= 0 {
		grttMax = congestion.DefaultGrttIntervalMax
	}
	s := &Sender{
		cfg:         cfg,
		logger:      logger.With("component", "sender"),
		stats:       stats,
		objects:     make(map[norm.ObjectId]*txObject),
		txPending:   norm.NewSlidingMask(uint32(cfg.TxCacheCountMax) + 1),
		grtt:        congestion.NewGrttEstimator(0.2, 0.001, 60),
		grttProbe:   grttProbeState{interval: grttMin, min: grttMin, max: grttMax},
		cc:          newCCState(),
		nack:        newNackAggregator(),
		emcon:       newEmconState(),
	}
	return s
}

// Stats returns the shared statistics counters.
func (s *Sender) Stats() *norm.Stats { return s.stats }

// nextSequence returns the next session sequence number, incrementing
// the counter. Called exactly once per emitted PDU, regardless of
// destination or type, per spec.md §3's invariant.
func (s *Sender) nextSequence() uint16 {
	seq := s.sequence
	s.sequence++
	return seq
}

func (s *Sender) header(t pdu.Type) pdu.Header {
	return pdu.Header{
		Version:  pdu.Version,
		Type:     t,
		Sequence: s.nextSequence(),
		SourceId: s.cfg.NodeId,
	}
}

// EnqueueObject admits a new object for transmission, following
// spec.md §4.4's windowed tx object table: admission evicts the oldest
// non-pending, non-repair-pending object if the table is full; if
// every held object still needs repair, admission fails with
// ErrObjectTableFull so the application can retry later.
func (s *Sender) EnqueueObject(kind object.Kind, size norm.ObjectSize, info []byte, nack object.NackingMode, r object.Reader, w object.Writer) (norm.ObjectId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.objects) >= s.cfg.TxCacheCountMax || s.totalBytes+size.ToUint64() > s.cfg.TxCacheSizeMax && s.cfg.TxCacheSizeMax > 0 {
		if !s.evictOldest() {
			return 0, norm.ErrObjectTableFull
		}
	}

	id := s.nextObjectId
	s.nextObjectId = s.nextObjectId.Plus(1)

	ndata, nparity := s.cfg.NumData, s.cfg.NumParity
	segSize := s.cfg.SegmentSize
	segments := uint32((size.ToUint64() + uint64(segSize) - 1) / uint64(segSize))
	if segments == 0 {
		segments = 1
	}
	blocks := (segments + uint32(ndata) - 1) / uint32(ndata)
	if blocks == 0 {
		blocks = 1
	}

	obj := object.New(id, kind, size, segSize, ndata, nparity, segments, blocks)
	obj.Info = info
	obj.Nack = nack
	obj.SetReaderWriter(r, w)

	tx := &txObject{obj: obj, pendingInfo: len(info) > 0, size: size.ToUint64()}
	s.objects[id] = tx
	s.objectOrder = append(s.objectOrder, id)
	s.totalBytes += tx.size
	s.lastObject = id

	s.txPending.Set(uint32(id))
	return id, nil
}

// evictOldest drops the oldest admitted object that is neither pending
// (still owes data) nor under active repair, per spec.md §4.4. Returns
// false if every held object still needs repair (admission must fail).
func (s *Sender) evictOldest() bool {
	wasFull := s.queueFull()
	for i, id := range s.objectOrder {
		tx := s.objects[id]
		if tx == nil {
			continue
		}
		if !tx.obj.Pending.IsEmpty() || tx.repairPending {
			continue
		}
		delete(s.objects, id)
		s.objectOrder = append(s.objectOrder[:i], s.objectOrder[i+1:]...)
		s.totalBytes -= tx.size
		s.txPending.Unset(uint32(id))
		s.emconForget(id)
		s.logger.Debug("evicted tx object", "object", id)
		s.emit(norm.Event{Type: norm.EventTxObjectPurged, Object: id})
		s.noteQueueDrain(wasFull)
		return true
	}
	return false
}

// Purge forcibly removes an object (e.g. after TxObjectPurged is
// reported to the application).
func (s *Sender) Purge(id norm.ObjectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.objects[id]
	if !ok {
		return
	}
	wasFull := s.queueFull()
	delete(s.objects, id)
	for i, oid := range s.objectOrder {
		if oid == id {
			s.objectOrder = append(s.objectOrder[:i], s.objectOrder[i+1:]...)
			break
		}
	}
	s.totalBytes -= tx.size
	s.txPending.Unset(uint32(id))
	s.emconForget(id)
	s.noteQueueDrain(wasFull)
}

// queueFull reports whether the tx table is at the admission capacity
// EnqueueObject checks, either by object count or aggregate byte size.
func (s *Sender) queueFull() bool {
	return len(s.objects) >= s.cfg.TxCacheCountMax ||
		(s.cfg.TxCacheSizeMax > 0 && s.totalBytes >= s.cfg.TxCacheSizeMax)
}

// noteQueueDrain emits EventTxQueueVacancy when removing an object
// relieves the tx table from a full state, and EventTxQueueEmpty when
// it empties entirely, letting the application know it can admit more
// data (spec.md §6).
func (s *Sender) noteQueueDrain(wasFull bool) {
	if wasFull && !s.queueFull() {
		s.emit(norm.Event{Type: norm.EventTxQueueVacancy})
	}
	if len(s.objects) == 0 {
		s.emit(norm.Event{Type: norm.EventTxQueueEmpty})
	}
}

// oldestHeldObjectId returns the lowest ObjectId still admitted, used
// by the squelch path to decide whether a NACK names an object too old
// to still be held.
func (s *Sender) oldestHeldObjectId() (norm.ObjectId, bool) {
	if len(s.objectOrder) == 0 {
		return 0, false
	}
	return s.objectOrder[0], true
}
