// Package transport defines the Bus-like abstraction a NORM session
// sends and receives whole PDUs through: variable-length, at-most-
// 8192-byte datagrams per spec.md §6.
package transport

import "fmt"

// Listener receives PDUs as they arrive off the wire. There is no
// separate "frame" type at this layer: a PDU is already fully formed
// bytes handed to pkg/pdu for decoding by the caller.
type Listener interface {
	Handle(pdu []byte)
}

// Transport is the send/receive abstraction a session is built on,
// mirroring pkg/can.Bus's Connect/Disconnect/Send/Subscribe shape.
type Transport interface {
	Connect(...any) error
	Disconnect() error
	Send(pdu []byte) error
	Subscribe(listener Listener) error
}

// Config parameterizes a Transport's construction: the session
// address/port to join or bind (spec.md §6's "session address"),
// optional separate tx_port, and the multicast knobs (interface, TTL,
// TOS, loopback) a session configures per spec.md §6.
type Config struct {
	Address   string // host:port, e.g. "239.1.1.1:6003" for multicast
	Interface string // multicast interface name, empty = system default
	TTL       int
	TOS       int
	Loopback  bool
	TxPort    int // 0 = same socket/port as rx
	ReuseAddr bool
}

// NewTransportFunc constructs a Transport from a Config, the same
// registry-construction shape as can.NewInterfaceFunc.
type NewTransportFunc func(cfg Config) (Transport, error)

var registry = make(map[string]NewTransportFunc)

// Register adds a named transport implementation, called from an
// init() in the implementing package (pkg/transport/virtual,
// pkg/transport/udp), mirroring can.RegisterInterface.
func Register(name string, fn NewTransportFunc) {
	registry[name] = fn
}

// New constructs a Transport of the named kind ("udp", "virtual").
func New(kind string, cfg Config) (Transport, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("transport: unsupported kind %q", kind)
	}
	return fn(cfg)
}
