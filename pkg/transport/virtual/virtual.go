// Package virtual is an in-memory Transport used for tests. It needs
// no broker process: every Bus sharing a Config.Address delivers to
// every other subscriber on that address directly through a
// package-level registry, since there is no real wire to simulate for
// unit tests.
package virtual

import (
	"errors"
	"sync"

	"github.com/go-norm/norm/pkg/transport"
)

func init() {
	transport.Register("virtual", New)
}

type peerSet struct {
	mu    sync.Mutex
	peers []*Bus
}

var broker = struct {
	mu   sync.Mutex
	byAddr map[string]*peerSet
}{byAddr: make(map[string]*peerSet)}

func groupFor(addr string) *peerSet {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	g, ok := broker.byAddr[addr]
	if !ok {
		g = &peerSet{}
		broker.byAddr[addr] = g
	}
	return g
}

// Bus is an in-memory transport; Send delivers synchronously to every
// other Bus connected with the same Config.Address.
type Bus struct {
	mu        sync.Mutex
	cfg       transport.Config
	group     *peerSet
	listener  transport.Listener
	connected bool
	// ReceiveOwn mirrors can/virtual's SetReceiveOwn loopback toggle,
	// useful in tests that want to observe their own sends.
	ReceiveOwn bool
}

// New builds a virtual transport bound to cfg.Address. Multiple Bus
// values constructed with the same address form one broadcast group.
func New(cfg transport.Config) (transport.Transport, error) {
	return &Bus{cfg: cfg}, nil
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.group = groupFor(b.cfg.Address)
	b.group.mu.Lock()
	b.group.peers = append(b.group.peers, b)
	b.group.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.group.mu.Lock()
	for i, p := range b.group.peers {
		if p == b {
			b.group.peers = append(b.group.peers[:i], b.group.peers[i+1:]...)
			break
		}
	}
	b.group.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Bus) Send(pdu []byte) error {
	b.mu.Lock()
	group := b.group
	connected := b.connected
	receiveOwn := b.ReceiveOwn
	b.mu.Unlock()
	if !connected {
		return errors.New("virtual: not connected")
	}
	cp := append([]byte(nil), pdu...)

	group.mu.Lock()
	peers := append([]*Bus(nil), group.peers...)
	group.mu.Unlock()

	for _, p := range peers {
		if p == b && !receiveOwn {
			continue
		}
		p.mu.Lock()
		l := p.listener
		p.mu.Unlock()
		if l != nil {
			l.Handle(cp)
		}
	}
	return nil
}

func (b *Bus) Subscribe(listener transport.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}
