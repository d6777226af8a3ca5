package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.EqualValues(t, 4, cfg.Sender.BackoffFactor)
	assert.EqualValues(t, 20, cfg.Sender.RobustFactor)
	assert.EqualValues(t, 256, cfg.Receiver.MaxPendingRange)
	assert.Equal(t, RepairBoundaryBlock, cfg.Receiver.RepairBoundary)
	assert.Equal(t, NackingNormal, cfg.Receiver.DefaultNacking)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Identity.NodeId = 0xC0FFEE
	cfg.Transport.Address = "239.1.1.1:6003"
	cfg.Transport.TTL = 16
	cfg.Sender.SegmentSize = 512
	cfg.Sender.NumData = 32
	cfg.Sender.NumParity = 8
	cfg.Receiver.RepairBoundary = RepairBoundaryObject
	cfg.Receiver.DefaultNacking = NackingInfoOnly

	dir := t.TempDir()
	path := filepath.Join(dir, "session.ini")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0xC0FFEE, loaded.Identity.NodeId)
	assert.Equal(t, "239.1.1.1:6003", loaded.Transport.Address)
	assert.EqualValues(t, 16, loaded.Transport.TTL)
	assert.EqualValues(t, 512, loaded.Sender.SegmentSize)
	assert.EqualValues(t, 32, loaded.Sender.NumData)
	assert.EqualValues(t, 8, loaded.Sender.NumParity)
	assert.Equal(t, RepairBoundaryObject, loaded.Receiver.RepairBoundary)
	assert.Equal(t, NackingInfoOnly, loaded.Receiver.DefaultNacking)
}

func TestActivityInterval(t *testing.T) {
	assert.Equal(t, time.Second, ActivityInterval(20, 10*time.Millisecond))
	assert.Equal(t, 4*time.Second, ActivityInterval(20, 100*time.Millisecond))
}
