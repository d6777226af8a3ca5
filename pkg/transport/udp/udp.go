// Package udp is the real-socket Transport: two UDP sockets per
// session (an optionally separate tx socket and a rx socket bound to
// the session address, joining the multicast group when the address
// is one), opened through package net, with socket options set via
// SyscallConn and unix.SetsockoptInt for IP_MULTICAST_TTL,
// IP_MULTICAST_LOOP, IP_TOS, and SO_REUSEADDR.
package udp

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-norm/norm/pkg/transport"
)

func init() {
	transport.Register("udp", New)
}

const maxPDUSize = 8192 // spec.md §6: PDUs are at most 8192 bytes.

// Bus is the UDP-backed transport.
type Bus struct {
	logger *slog.Logger
	mu     sync.Mutex
	cfg    transport.Config

	rx   *net.UDPConn
	tx   *net.UDPConn
	dest *net.UDPAddr

	listener transport.Listener
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New builds a udp transport from cfg. The socket is not opened until
// Connect is called.
func New(cfg transport.Config) (transport.Transport, error) {
	return &Bus{cfg: cfg, logger: slog.Default(), stopChan: make(chan struct{})}, nil
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rx != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", b.cfg.Address)
	if err != nil {
		return err
	}
	b.dest = addr

	var iface *net.Interface
	if b.cfg.Interface != "" {
		iface, err = net.InterfaceByName(b.cfg.Interface)
		if err != nil {
			return err
		}
	}

	var rx *net.UDPConn
	if addr.IP.IsMulticast() {
		rx, err = net.ListenMulticastUDP("udp", iface, addr)
	} else {
		rx, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return err
	}
	if err := applySockopts(rx, b.cfg); err != nil {
		rx.Close()
		return err
	}
	b.rx = rx

	if b.cfg.TxPort != 0 {
		txAddr := &net.UDPAddr{Port: b.cfg.TxPort}
		tx, err := net.ListenUDP("udp", txAddr)
		if err != nil {
			b.rx.Close()
			b.rx = nil
			return err
		}
		if err := applySockopts(tx, b.cfg); err != nil {
			tx.Close()
			b.rx.Close()
			b.rx = nil
			return err
		}
		b.tx = tx
	} else {
		b.tx = b.rx
	}
	return nil
}

func applySockopts(conn *net.UDPConn, cfg transport.Config) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if cfg.ReuseAddr {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
				sockErr = e
				return
			}
		}
		if cfg.TTL > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, cfg.TTL); e != nil {
				sockErr = e
				return
			}
		}
		if cfg.TOS > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, cfg.TOS); e != nil {
				sockErr = e
				return
			}
		}
		loop := 0
		if cfg.Loopback {
			loop = 1
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); e != nil {
			sockErr = e
			return
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	rx, tx, running := b.rx, b.tx, b.running
	if running {
		close(b.stopChan)
	}
	b.mu.Unlock()

	// Close the sockets before waiting: the receive loop is likely
	// blocked in ReadFromUDP and only a closed socket unblocks it, the
	// stop channel alone cannot.
	var err error
	if tx != nil && tx != rx {
		err = tx.Close()
	}
	if rx != nil {
		if e := rx.Close(); e != nil && err == nil {
			err = e
		}
	}
	if running {
		b.wg.Wait()
	}

	b.mu.Lock()
	b.rx, b.tx = nil, nil
	b.running = false
	b.stopChan = make(chan struct{})
	b.mu.Unlock()
	return err
}

func (b *Bus) Send(pdu []byte) error {
	b.mu.Lock()
	tx, dest := b.tx, b.dest
	b.mu.Unlock()
	if tx == nil {
		return errors.New("udp: not connected")
	}
	if len(pdu) > maxPDUSize {
		return errors.New("udp: pdu exceeds maximum size")
	}
	_, err := tx.WriteToUDP(pdu, dest)
	return err
}

func (b *Bus) Subscribe(listener transport.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	if b.running {
		return nil
	}
	b.running = true
	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxPDUSize)
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		b.mu.Lock()
		rx := b.rx
		b.mu.Unlock()
		if rx == nil {
			return
		}
		n, _, err := rx.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stopChan:
				return
			default:
				b.logger.Debug("udp receive error", "err", err)
				continue
			}
		}
		b.mu.Lock()
		l := b.listener
		b.mu.Unlock()
		if l != nil {
			pdu := append([]byte(nil), buf[:n]...)
			l.Handle(pdu)
		}
	}
}
