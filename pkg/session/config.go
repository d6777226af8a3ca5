package session

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/config"
	"github.com/go-norm/norm/pkg/congestion"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/receiver"
	"github.com/go-norm/norm/pkg/sender"
)

// FromSessionConfig translates a pkg/config.SessionConfig (as loaded
// from an .ini file or built by config.Default) into a session.Config,
// the one place the leaf config package's duplicated enums
// (RepairBoundary, NackingMode) are reconciled with the concrete
// pkg/object/pkg/receiver types that share their ordinal values.
func FromSessionConfig(cfg *config.SessionConfig, events norm.EventHandler) Config {
	grttInitial := 0.1 * float64(time.Second)
	tick := time.Duration(float64(cfg.Sender.SegmentSize) / maxTxRate(cfg) * float64(time.Second))
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}

	return Config{
		NodeId: norm.NodeId(cfg.Identity.NodeId),
		Sender: sender.Config{
			SegmentSize:     cfg.Sender.SegmentSize,
			NumData:         cfg.Sender.NumData,
			NumParity:       cfg.Sender.NumParity,
			AutoParity:      cfg.Sender.AutoParity,
			ExtraParity:     cfg.Sender.ExtraParity,
			TxRate:          cfg.Sender.TxRate,
			TxRateMin:       cfg.Sender.TxRateMin,
			TxRateMax:       cfg.Sender.TxRateMax,
			CCEnable:        cfg.Sender.CCEnable,
			BackoffFactor:   cfg.Sender.BackoffFactor,
			TxCacheCountMin: cfg.Sender.TxCacheCountMin,
			TxCacheCountMax: cfg.Sender.TxCacheCountMax,
			TxCacheSizeMax:  cfg.Sender.TxCacheSizeMax,
			RobustFactor:    cfg.Sender.RobustFactor,
			SenderEmcon:     cfg.Sender.SenderEmcon,
			GrttIntervalMin: congestion.DefaultGrttIntervalMin,
			GrttIntervalMax: congestion.DefaultGrttIntervalMax,
		},
		Receiver: receiver.Config{
			MaxPendingRange: cfg.Receiver.MaxPendingRange,
			DefaultNacking:  object.NackingMode(cfg.Receiver.DefaultNacking),
			RepairBoundary:  receiver.RepairBoundary(cfg.Receiver.RepairBoundary),
			SilentReceiver:  cfg.Receiver.SilentClient,
			UnicastNacks:    cfg.Receiver.UnicastNacks,
			BackoffFactor:   cfg.Sender.BackoffFactor,
			GroupSize:       1,
		},
		Tick:          tick,
		SweepInterval: config.ActivityInterval(cfg.Sender.RobustFactor, time.Duration(grttInitial)),
		Events:        events,
	}
}

// maxTxRate picks the rate (bytes/sec) the service tick cadence is
// derived from: the fixed tx_rate when set, else the configured
// tx_rate_max, else 10 segments/sec; cc_enable is not consulted
// (HandleCCFeedback/applyCCFeedback adjust the Sender's actual send
// decisions independently of how often Service is merely polled).
func maxTxRate(cfg *config.SessionConfig) float64 {
	if cfg.Sender.TxRate > 0 {
		return cfg.Sender.TxRate
	}
	if cfg.Sender.TxRateMax > 0 {
		return cfg.Sender.TxRateMax
	}
	return float64(cfg.Sender.SegmentSize) * 10 // fallback: 10 segments/sec
}
