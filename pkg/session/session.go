// Package session implements the NORM session orchestrator: the one
// cooperative, single-threaded task per spec.md §5 that owns the
// transport, multiplexes one local Sender against one Receiver per
// remote sender heard on the wire, and drives both on a shared tick
// cadence.
//
// Background work runs on a context.CancelFunc-plus-sync.WaitGroup-
// plus-time.Ticker pair: one goroutine for the service tick, one for
// the activity sweep.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/pdu"
	"github.com/go-norm/norm/pkg/receiver"
	"github.com/go-norm/norm/pkg/sender"
	"github.com/go-norm/norm/pkg/transport"
)

// maxPDUSize bounds one outbound PDU's wire size, matching
// pkg/transport/udp's own datagram ceiling.
const maxPDUSize = 8192

// Config parameterizes a Session.
type Config struct {
	NodeId norm.NodeId

	// Sender configures the local transmit-side state machine. A
	// Session always carries one: spec.md §3's NORM node is
	// symmetric, able to both send and receive, even if an
	// application only ever calls EnqueueObject for some sessions.
	Sender sender.Config

	// Receiver is the template applied to every per-remote-sender
	// Receiver this Session creates; NodeId and Events are
	// overridden per instance.
	Receiver receiver.Config

	// Tick is the cooperative service period: how often Service is
	// invoked on the Sender and every held Receiver, per spec.md §5.
	Tick time.Duration

	// SweepInterval is the activity-timeout period passed to every
	// Receiver's CheckActivityTimeout, normally
	// pkg/config.ActivityInterval(robustFactor, grtt).
	SweepInterval time.Duration

	// Events receives session-wide lifecycle notifications in
	// addition to whatever the embedded Sender/Receiver Config.Events
	// already forward (this is the one a caller should set; it's
	// threaded down to both).
	Events norm.EventHandler
}

// Session is one NORM node's protocol engine: a transport connection,
// the local Sender, and the set of remote senders' Receivers this node
// currently tracks.
type Session struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger
	stats  *norm.Stats

	transport transport.Transport
	tx        *sender.Sender
	rx        map[norm.NodeId]*receiver.Receiver
	rxOrder   []norm.NodeId

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Session bound to tr, which must not yet be connected.
// logger may be nil (defaults to slog.Default()).
func New(cfg Config, tr transport.Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	cfg.Sender.NodeId = cfg.NodeId
	cfg.Sender.Events = cfg.Events
	cfg.Receiver.NodeId = cfg.NodeId
	cfg.Receiver.Events = cfg.Events

	stats := &norm.Stats{}
	s := &Session{
		cfg:       cfg,
		logger:    logger.With("component", "session", "node", cfg.NodeId),
		stats:     stats,
		transport: tr,
		tx:        sender.New(cfg.Sender, stats, logger),
		rx:        make(map[norm.NodeId]*receiver.Receiver),
	}
	return s
}

// Stats returns the shared statistics counters for this Session's
// Sender and every Receiver it holds.
func (s *Session) Stats() *norm.Stats { return s.stats }

// EnqueueObject admits a new object for transmission, delegating to
// the embedded Sender.
func (s *Session) EnqueueObject(kind object.Kind, size norm.ObjectSize, info []byte, nack object.NackingMode, r object.Reader, w object.Writer) (norm.ObjectId, error) {
	return s.tx.EnqueueObject(kind, size, info, nack, r, w)
}

// Purge withdraws an admitted object from transmission, delegating to
// the embedded Sender.
func (s *Session) Purge(id norm.ObjectId) {
	s.tx.Purge(id)
}

// SetWatermark requests positive acknowledgment of delivery up to a
// point in the transmit stream, delegating to the embedded Sender.
func (s *Session) SetWatermark(objectId norm.ObjectId, blockId norm.BlockId, segmentId norm.SegmentId, nodes []norm.NodeId) {
	s.tx.SetWatermark(objectId, blockId, segmentId, nodes)
}

// emit delivers a session-level event to the configured handler.
func (s *Session) emit(ev norm.Event) {
	if s.cfg.Events != nil {
		s.cfg.Events(ev)
	}
}

// receiverFor returns the Receiver tracking remote sender id, creating
// one (and emitting EventRemoteSenderNew, via receiver.New) the first
// time this session hears from it.
func (s *Session) receiverFor(id norm.NodeId) *receiver.Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rx, ok := s.rx[id]; ok {
		return rx
	}
	rx := receiver.New(s.cfg.Receiver, id, s.stats, s.logger)
	s.rx[id] = rx
	s.rxOrder = append(s.rxOrder, id)
	return rx
}

// Receiver returns the Receiver currently tracking remote sender id,
// if any, for callers that need to pull delivered content (e.g.
// Receiver.CompletedObject) in response to an Event.
func (s *Session) Receiver(id norm.NodeId) (*receiver.Receiver, bool) {
	return s.receiverExisting(id)
}

// receiverExisting returns the Receiver tracking remote sender id
// without creating one, for paths (overheard NACK suppression) that
// should only affect senders this Session already tracks.
func (s *Session) receiverExisting(id norm.NodeId) (*receiver.Receiver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rx, ok := s.rx[id]
	return rx, ok
}

// receivers returns a snapshot of every currently held Receiver.
func (s *Session) receivers() []*receiver.Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*receiver.Receiver, 0, len(s.rxOrder))
	for _, id := range s.rxOrder {
		if rx := s.rx[id]; rx != nil {
			out = append(out, rx)
		}
	}
	return out
}

// purgeReceiver drops a remote sender this Session has given up on
// (activity timeout), emitting EventRemoteSenderPurged.
func (s *Session) purgeReceiver(id norm.NodeId) {
	s.mu.Lock()
	_, ok := s.rx[id]
	if ok {
		delete(s.rx, id)
		for i, rid := range s.rxOrder {
			if rid == id {
				s.rxOrder = append(s.rxOrder[:i], s.rxOrder[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.emit(norm.Event{Type: norm.EventRemoteSenderPurged, Node: id})
	}
}

// Start connects the transport, subscribes this Session as its
// listener, and launches the service and activity-sweep background
// goroutines.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Subscribe(s); err != nil {
		return err
	}
	if err := s.transport.Connect(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serviceLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	return nil
}

// Stop cancels the background goroutines and disconnects the
// transport. Wait should be called afterward to block until both
// loops have exited.
func (s *Session) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.transport.Disconnect()
}

// Wait blocks until the service and sweep loops have both exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// serviceLoop drives Sender.Service and every Receiver.Service on
// cfg.Tick, per spec.md §5's single cooperative task.
func (s *Session) serviceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.logger.Info("starting session service loop")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("exited session service loop")
			return
		case <-ticker.C:
			s.serviceTick(time.Now())
		}
	}
}

// sweepLoop periodically checks every held Receiver for a remote
// sender that has gone silent past its activity timeout, purging it.
func (s *Session) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepActivity(time.Now())
		}
	}
}

func (s *Session) sweepActivity(now time.Time) {
	for _, rx := range s.receivers() {
		if rx.CheckActivityTimeout(now, s.cfg.SweepInterval) {
			s.purgeReceiver(rx.SenderId())
		}
	}
}

// serviceTick runs one round of the Sender's and every Receiver's
// Service, transmitting whatever each decides to send.
func (s *Session) serviceTick(now time.Time) {
	for _, ob := range s.tx.Service(now) {
		s.sendSenderOutbound(ob)
	}

	segmentSize := int(s.cfg.Sender.SegmentSize)
	for _, rx := range s.receivers() {
		for _, ob := range rx.Service(now, segmentSize) {
			s.sendReceiverOutbound(ob)
		}
	}
}

// send hands b to the transport and counts it as a transmitted PDU —
// the one place in this module a PDU construction becomes an actual
// send, since neither Sender nor Receiver know whether their output
// reaches the wire.
func (s *Session) send(b []byte) {
	if err := s.transport.Send(b); err != nil {
		s.logger.Error("send failed", "err", err)
		return
	}
	s.stats.IncTxPDU()
}

func (s *Session) sendSenderOutbound(ob sender.Outbound) {
	var buf [maxPDUSize]byte
	var n int
	var err error
	switch ob.Type {
	case pdu.TypeInfo:
		n, err = ob.Info.Pack(buf[:])
	case pdu.TypeData:
		n, err = ob.Data.Pack(buf[:])
	case pdu.TypeCmd:
		n, err = ob.Cmd.Pack(buf[:])
	default:
		return
	}
	if err != nil {
		s.logger.Error("pack sender outbound failed", "type", ob.Type, "err", err)
		return
	}
	s.send(buf[:n])
}

func (s *Session) sendReceiverOutbound(ob receiver.Outbound) {
	var buf [maxPDUSize]byte
	var n int
	var err error
	switch ob.Type {
	case pdu.TypeNack:
		n, err = ob.Nack.Pack(buf[:])
	default:
		return
	}
	if err != nil {
		s.logger.Error("pack receiver outbound failed", "type", ob.Type, "err", err)
		return
	}
	s.send(buf[:n])
}

func (s *Session) sendAck(ack pdu.Ack) {
	var buf [maxPDUSize]byte
	n, err := ack.Pack(buf[:])
	if err != nil {
		s.logger.Error("pack ack failed", "err", err)
		return
	}
	s.send(buf[:n])
}
