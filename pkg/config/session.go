// Package config provides NORM's session configuration, loadable from
// an .ini file or built programmatically, covering session identity,
// transport, sender, and receiver parameters.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// RepairBoundary selects when a receiver's active repair check fires:
// on every DATA/INFO segment (Block) or only on INFO-level boundaries
// (Object), per spec.md §4.5.
type RepairBoundary uint8

const (
	RepairBoundaryBlock RepairBoundary = iota
	RepairBoundaryObject
)

func (b RepairBoundary) String() string {
	if b == RepairBoundaryObject {
		return "Object"
	}
	return "Block"
}

// NackingMode mirrors object.NackingMode's three levels, duplicated
// here (rather than imported) so pkg/config has no dependency on
// pkg/object: configuration is a leaf package every other package may
// import.
type NackingMode uint8

const (
	NackingNone NackingMode = iota
	NackingInfoOnly
	NackingNormal
)

func (m NackingMode) String() string {
	switch m {
	case NackingInfoOnly:
		return "InfoOnly"
	case NackingNormal:
		return "Normal"
	default:
		return "None"
	}
}

// Identity carries a session's local peer identity, spec.md §6.
type Identity struct {
	NodeId uint32 `ini:"node_id"`
}

// Transport carries the UDP socket and multicast parameters spec.md
// §6 lists: session address, optional separate tx_port, TTL/TOS/
// loopback/interface for multicast group membership.
type Transport struct {
	Address   string `ini:"address"` // host:port, e.g. 239.1.1.1:6003
	TxPort    int    `ini:"tx_port"` // 0 = same socket/port as rx
	TTL       int    `ini:"ttl"`
	TOS       int    `ini:"tos"`
	Loopback  bool   `ini:"loopback"`
	Interface string `ini:"interface"`
	ReuseAddr bool   `ini:"reuse_addr"`
}

// Sender carries the sender-side parameters of spec.md §6.
type Sender struct {
	SegmentSize     uint16  `ini:"segment_size"`
	NumData         uint16  `ini:"ndata"`
	NumParity       uint16  `ini:"nparity"`
	AutoParity      bool    `ini:"auto_parity"`
	ExtraParity     uint16  `ini:"extra_parity"`
	TxRate          float64 `ini:"tx_rate"`
	TxRateMin       float64 `ini:"tx_rate_min"`
	TxRateMax       float64 `ini:"tx_rate_max"`
	CCEnable        bool    `ini:"cc_enable"`
	BackoffFactor   float64 `ini:"backoff_factor"`
	TxCacheCountMin int     `ini:"tx_cache_count_min"`
	TxCacheCountMax int     `ini:"tx_cache_count_max"`
	TxCacheSizeMax  uint64  `ini:"tx_cache_size_max"`
	RobustFactor    int     `ini:"robust_factor"`
	SenderEmcon     bool    `ini:"sender_emcon"`
}

// Receiver carries the receiver-side parameters of spec.md §6.
type Receiver struct {
	RxBufferSize    int            `ini:"rx_buffer_size"`
	UnicastNacks    bool           `ini:"unicast_nacks"`
	SilentClient    bool           `ini:"silent_client"`
	RepairBoundary  RepairBoundary `ini:"-"`
	DefaultNacking  NackingMode    `ini:"-"`
	MaxPendingRange uint32         `ini:"max_pending_range"`
	RcvrMaxDelay    float64        `ini:"rcvr_max_delay"`
	RcvrIgnoreInfo  bool           `ini:"rcvr_ignore_info"`
}

// SessionConfig is the full configuration of one NORM session.
type SessionConfig struct {
	Identity  Identity
	Transport Transport
	Sender    Sender
	Receiver  Receiver
}

// Default returns a SessionConfig with spec.md §6's documented
// defaults (backoff_factor=4, robust_factor=20, max_pending_range=256).
// GRTT interval bounds live in pkg/congestion.DefaultGrttIntervalMin/Max
// instead, applied by the session rather than stored here since they
// govern probe scheduling, not session identity.
func Default() *SessionConfig {
	return &SessionConfig{
		Sender: Sender{
			SegmentSize:     1024,
			NumData:         64,
			NumParity:       16,
			BackoffFactor:   4,
			TxCacheCountMin: 1,
			TxCacheCountMax: 256,
			TxCacheSizeMax:  64 << 20,
			RobustFactor:    20,
		},
		Receiver: Receiver{
			RxBufferSize:    4 << 20,
			RepairBoundary:  RepairBoundaryBlock,
			DefaultNacking:  NackingNormal,
			MaxPendingRange: 256,
			RcvrMaxDelay:    -1,
		},
	}
}

// Load reads a SessionConfig from an .ini file via gopkg.in/ini.v1.
// Fields not amenable to ini.v1's struct-tag mapping (the
// RepairBoundary and NackingMode string enums) are read from plain
// string keys by hand, mixing ini.MapTo for bulk fields with manual
// Section().Key() reads for the handful that need custom parsing.
func Load(path string) (*SessionConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := f.Section("identity").MapTo(&cfg.Identity); err != nil {
		return nil, err
	}
	if err := f.Section("transport").MapTo(&cfg.Transport); err != nil {
		return nil, err
	}
	if err := f.Section("sender").MapTo(&cfg.Sender); err != nil {
		return nil, err
	}
	if err := f.Section("receiver").MapTo(&cfg.Receiver); err != nil {
		return nil, err
	}
	rxSection := f.Section("receiver")
	if key := rxSection.Key("repair_boundary"); key.String() != "" {
		if key.String() == "Object" {
			cfg.Receiver.RepairBoundary = RepairBoundaryObject
		} else {
			cfg.Receiver.RepairBoundary = RepairBoundaryBlock
		}
	}
	if key := rxSection.Key("default_nacking_mode"); key.String() != "" {
		switch key.String() {
		case "InfoOnly":
			cfg.Receiver.DefaultNacking = NackingInfoOnly
		case "None":
			cfg.Receiver.DefaultNacking = NackingNone
		default:
			cfg.Receiver.DefaultNacking = NackingNormal
		}
	}
	return cfg, nil
}

// Save writes cfg to path as an .ini file, mirroring pkg/od/export.go.
func Save(cfg *SessionConfig, path string) error {
	f := ini.Empty()
	if err := f.Section("identity").ReflectFrom(&cfg.Identity); err != nil {
		return err
	}
	if err := f.Section("transport").ReflectFrom(&cfg.Transport); err != nil {
		return err
	}
	if err := f.Section("sender").ReflectFrom(&cfg.Sender); err != nil {
		return err
	}
	if err := f.Section("receiver").ReflectFrom(&cfg.Receiver); err != nil {
		return err
	}
	rxSection := f.Section("receiver")
	rxSection.Key("repair_boundary").SetValue(cfg.Receiver.RepairBoundary.String())
	rxSection.Key("default_nacking_mode").SetValue(cfg.Receiver.DefaultNacking.String())
	return f.SaveTo(path)
}

// ActivityInterval returns the activity-timeout period spec.md §5
// prescribes: max(2*robust*grtt, ACTIVITY_INTERVAL_MIN=1s).
func ActivityInterval(robustFactor int, grtt time.Duration) time.Duration {
	const activityIntervalMin = time.Second
	d := time.Duration(2*robustFactor) * grtt
	if d < activityIntervalMin {
		return activityIntervalMin
	}
	return d
}
