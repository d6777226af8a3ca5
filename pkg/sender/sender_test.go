package sender

import (
	"testing"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NodeId:          1,
		SegmentSize:     8,
		NumData:         4,
		NumParity:       2,
		TxRate:          1 << 20,
		BackoffFactor:   4,
		RobustFactor:    3,
		TxCacheCountMax: 8,
		TxCacheSizeMax:  1 << 20,
	}
}

func enqueueTestObject(t *testing.T, s *Sender, content string) norm.ObjectId {
	t.Helper()
	buf := make([]byte, len(content))
	copy(buf, content)
	r, w := object.NewInMemoryReaderWriter(buf)
	id, err := s.EnqueueObject(object.KindBulk, norm.NewObjectSize(uint64(len(content))), []byte("info"), object.NackingNormal, r, w)
	require.NoError(t, err)
	return id
}

func TestEnqueueObjectAdmitsAndSizes(t *testing.T) {
	s := New(testConfig(), nil, nil)
	id := enqueueTestObject(t, s, "0123456789abcdef0123456789ab") // 28 bytes -> 4 segments/block * 8 bytes

	tx := s.objects[id]
	require.NotNil(t, tx)
	assert.False(t, tx.obj.Pending.IsEmpty())
}

func TestEnqueueObjectEvictsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.TxCacheCountMax = 1
	s := New(cfg, nil, nil)

	first := enqueueTestObject(t, s, "aaaaaaaa")
	tx := s.objects[first]
	tx.obj.Pending.Clear() // pretend fully sent and not under repair

	second := enqueueTestObject(t, s, "bbbbbbbb")

	_, stillThere := s.objects[first]
	assert.False(t, stillThere)
	_, ok := s.objects[second]
	assert.True(t, ok)
}

func TestEnqueueObjectFailsWhenEverythingPending(t *testing.T) {
	cfg := testConfig()
	cfg.TxCacheCountMax = 1
	s := New(cfg, nil, nil)

	enqueueTestObject(t, s, "aaaaaaaa") // left pending, not drained

	_, err := s.EnqueueObject(object.KindBulk, norm.NewObjectSize(8), nil, object.NackingNormal,
		func(*object.Object, uint64, []byte) (int, error) { return 0, nil },
		func(*object.Object, uint64, []byte) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, norm.ErrObjectTableFull)
}

func TestServiceSendsInfoThenData(t *testing.T) {
	s := New(testConfig(), nil, nil)
	id := enqueueTestObject(t, s, "01234567") // exactly one segment, one block

	now := time.Now()
	out := s.Service(now)
	require.Len(t, out, 1)
	require.Equal(t, pdu.TypeInfo, out[0].Type)
	assert.Equal(t, id, out[0].Info.ObjectId)

	out = s.Service(now)
	require.Len(t, out, 1)
	require.Equal(t, pdu.TypeData, out[0].Type)
	assert.Equal(t, id, out[0].Data.ObjectId)
	assert.Equal(t, "01234567", string(out[0].Data.Payload))
	assert.NotZero(t, out[0].Data.Flags&pdu.DataFlagBlockEnd)
	assert.NotZero(t, out[0].Data.Flags&pdu.DataFlagObjectEnd)

	tx := s.objects[id]
	assert.True(t, tx.obj.Pending.IsEmpty())
}

func TestHandleNackStagesThenActivatesSegmentRepair(t *testing.T) {
	s := New(testConfig(), nil, nil)
	id := enqueueTestObject(t, s, "0123456701234567") // 2 segments, 1 block (ndata=4 > 2 segments -> still 1 block)
	tx := s.objects[id]
	tx.obj.Pending.Clear() // pretend the block was already fully sent

	req := pdu.RepairRequest{
		Form:  pdu.RepairItems,
		Flags: pdu.RepairFlagSegment,
		Items: []pdu.RepairItem{{ObjectId: id, BlockId: 0, SegmentId: 1}},
	}
	buf := make([]byte, req.Len())
	_, err := req.Pack(buf)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.HandleNack(7, pdu.Nack{Content: buf}, now))
	assert.True(t, s.nack.active)
	assert.Equal(t, 1, s.nack.phase)

	// Aggregation window not yet expired: no repair applied yet.
	assert.True(t, tx.obj.Pending.IsEmpty())

	s.serviceNackTimer(now.Add(time.Hour))
	assert.False(t, tx.obj.Pending.IsEmpty())
	assert.Equal(t, 2, s.nack.phase)

	blk := tx.obj.Blocks[0]
	require.NotNil(t, blk)
	assert.True(t, blk.Pending.Test(1))
}

func TestHandleNackSquelchesUnknownOldObject(t *testing.T) {
	s := New(testConfig(), nil, nil)
	enqueueTestObject(t, s, "aaaaaaaa")
	enqueueTestObject(t, s, "bbbbbbbb")
	// Purge the oldest so id 0 is no longer held, then request repair
	// for it: should be squelched, not staged.
	s.Purge(0)

	req := pdu.RepairRequest{
		Form:  pdu.RepairItems,
		Flags: pdu.RepairFlagObject,
		Items: []pdu.RepairItem{{ObjectId: 0}},
	}
	buf := make([]byte, req.Len())
	_, err := req.Pack(buf)
	require.NoError(t, err)

	require.NoError(t, s.HandleNack(7, pdu.Nack{Content: buf}, time.Now()))
	assert.True(t, s.nack.squelchPending)
	assert.True(t, s.nack.squelch[0])

	sq, ok := s.buildSquelch()
	require.True(t, ok)
	assert.Contains(t, sq.Invalidated, norm.ObjectId(0))
	assert.False(t, s.nack.squelchPending)
}

func TestWatermarkCompletesWhenAllNodesAck(t *testing.T) {
	var events []norm.Event
	cfg := testConfig()
	cfg.Events = func(e norm.Event) { events = append(events, e) }
	s := New(cfg, nil, nil)
	id := enqueueTestObject(t, s, "01234567")

	s.SetWatermark(id, 0, 0, []norm.NodeId{10, 20})
	completed, failed := s.HandleAck(10, pdu.Ack{Flavor: pdu.AckFlush})
	assert.False(t, completed)
	assert.Empty(t, failed)

	completed, failed = s.HandleAck(20, pdu.Ack{Flavor: pdu.AckFlush})
	assert.True(t, completed)
	assert.Empty(t, failed)
	require.NotEmpty(t, events)
	assert.Equal(t, norm.EventTxWatermarkCompleted, events[len(events)-1].Type)
}

func TestWatermarkReportsFailedNodesAfterRobustFactorExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.RobustFactor = 2
	s := New(cfg, nil, nil)
	id := enqueueTestObject(t, s, "01234567")

	s.SetWatermark(id, 0, 0, []norm.NodeId{99})
	var completed bool
	var failed []norm.NodeId
	for i := 0; i < cfg.RobustFactor; i++ {
		completed, failed = s.onFlushSent()
	}
	assert.True(t, completed)
	assert.Equal(t, []norm.NodeId{99}, failed)
}

func TestCCFeedbackElectsCLRAndUpdatesRate(t *testing.T) {
	cfg := testConfig()
	cfg.CCEnable = true
	cfg.TxRateMin = 1
	cfg.TxRateMax = 1 << 30
	s := New(cfg, nil, nil)

	s.HandleCCFeedback(1, pdu.CCFeedback{RTT: pdu.QuantizeRTT(0.05), LossFraction: pdu.QuantizeLossFraction16(0.01)}, time.Now())
	assert.True(t, s.cc.haveCLR)
	assert.Equal(t, norm.NodeId(1), s.cc.clr)
	assert.Greater(t, s.TxRate(), 0.0)
}
