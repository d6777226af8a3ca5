package receiver

import (
	"testing"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/internal/gf256"
	"github.com/go-norm/norm/pkg/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NodeId:          2,
		MaxPendingRange: 256,
		DefaultNacking:  0,
		BackoffFactor:   4,
		GroupSize:       1,
		MaxHeldBlocks:   64,
	}
}

func ftiFor(objectSize uint64, segmentSize, ndata, nparity uint16) pdu.FTI {
	return pdu.FTI{
		ObjectSize:  norm.NewObjectSize(objectSize),
		SegmentSize: segmentSize,
		NumData:     ndata,
		NumParity:   nparity,
	}
}

func infoPDU(id norm.ObjectId, fti pdu.FTI) pdu.Info {
	return pdu.Info{
		ObjectId:   id,
		Extensions: []pdu.Extension{fti},
		Content:    []byte("info"),
	}
}

func dataPDU(id norm.ObjectId, blockId norm.BlockId, segId norm.SegmentId, payload string, flags pdu.DataFlags) pdu.Data {
	return pdu.Data{
		Header:     pdu.Header{Sequence: uint16(segId) + 1},
		ObjectId:   id,
		FECPayload: pdu.FECPayloadID{BlockId: blockId, SegmentId: segId},
		Flags:      flags,
		Payload:    []byte(payload),
	}
}

func TestHandleInfoThenDataAssemblesObject(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)

	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	rx := r.objects[1]
	require.NotNil(t, rx)
	require.NotNil(t, rx.obj)
	assert.True(t, rx.infoSeen)

	require.NoError(t, r.HandleData(time.Now(), dataPDU(1, 0, 0, "01234567", 0)))
	require.NoError(t, r.HandleData(time.Now(), dataPDU(1, 0, 1, "89abcdef", pdu.DataFlagBlockEnd|pdu.DataFlagObjectEnd)))

	assert.True(t, rx.completed)
}

func TestHandleDataBeforeInfoIsDeferredThenReplayed(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)

	require.NoError(t, r.HandleData(time.Now(), dataPDU(1, 0, 0, "01234567", 0)))

	rx := r.objects[1]
	require.NotNil(t, rx)
	assert.Nil(t, rx.obj)
	assert.Len(t, rx.deferredData, 1)

	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	assert.Nil(t, rx.deferredData)
	blk := rx.obj.Blocks[0]
	require.NotNil(t, blk)
	assert.False(t, blk.Pending.Test(0), "replayed segment 0 should be stored")
}

func TestHandleDataBeforeSyncIsNotSynced(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)

	err := r.HandleData(time.Now(), dataPDU(1, 1, 0, "xxxxxxxx", 0))
	assert.ErrorIs(t, err, norm.ErrNotSynced)
}

func TestHandleDataDuplicateSegmentIgnored(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	d := dataPDU(1, 0, 0, "01234567", 0)
	require.NoError(t, r.HandleData(time.Now(), d))
	require.NoError(t, r.HandleData(time.Now(), d))

	blk := r.objects[1].obj.Blocks[0]
	require.NotNil(t, blk)
	// This object's single block holds 2 source segments (the object is
	// only 2 segments long, so BlockSize caps below NumData) plus 2
	// parity slots; one arrival leaves 3 of the 4 total slots missing.
	assert.Equal(t, 3, blk.EraseCount)
}

func TestStoreDataRecoversMissingSourceViaParity(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	fti := ftiFor(16, 8, 2, 1)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	// Block has 2 source + 1 parity slot. The parity symbol comes from
	// the same Reed-Solomon encoder a sender uses, so segment 1 can be
	// recovered if only segment 0 and the parity symbol arrive.
	src0 := []byte("AAAAAAAA")
	src1 := []byte("BBBBBBBB")
	enc, err := gf256.NewEncoder(2, 1, 8)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(0, src0))
	require.NoError(t, enc.Encode(1, src1))
	parity, ok := enc.Parity(0)
	require.True(t, ok)

	require.NoError(t, r.HandleData(time.Now(), dataPDU(1, 0, 0, string(src0), 0)))
	require.NoError(t, r.HandleData(time.Now(), pdu.Data{
		Header:     pdu.Header{Sequence: 99},
		ObjectId:   1,
		FECPayload: pdu.FECPayloadID{BlockId: 0, SegmentId: 2},
		Flags:      pdu.DataFlagParity,
		Payload:    parity,
	}))

	rx := r.objects[1]
	// Block should have decoded and been reclaimed.
	_, held := rx.obj.Blocks[0]
	assert.False(t, held)
	assert.True(t, rx.obj.Pending.IsEmpty())

	got := make([]byte, len(src1))
	_, err = rx.obj.ReadAt(8, got)
	require.NoError(t, err)
	assert.Equal(t, src1, got)
}

func TestAdmitObjectRejectsOutOfWindow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingRange = 4
	r := New(cfg, 1, nil, nil)

	fti := ftiFor(8, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(0, fti)))

	_, err := r.admitObject(1000)
	assert.ErrorIs(t, err, norm.ErrOutOfWindow)
}

func TestCheckActiveRepairBacksOffThenBuildsNack(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	now := time.Now()
	nack, ok := r.checkActiveRepair(now, 0.05)
	assert.False(t, ok)
	assert.True(t, r.repair.active)
	assert.Equal(t, 1, r.repair.phase)

	later := r.repair.deadline.Add(time.Millisecond)
	nack, ok = r.checkActiveRepair(later, 0.05)
	require.True(t, ok)
	assert.NotEmpty(t, nack.Content)
	assert.Equal(t, 2, r.repair.phase)
}

func TestCheckActiveRepairSuppressedSkipsNack(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	now := time.Now()
	_, ok := r.checkActiveRepair(now, 0.05)
	assert.False(t, ok)

	r.noteObservedRepair()

	later := r.repair.deadline.Add(time.Millisecond)
	_, ok = r.checkActiveRepair(later, 0.05)
	assert.False(t, ok)
	assert.Equal(t, 2, r.repair.phase)
}

func TestSilentReceiverNeverBuildsNack(t *testing.T) {
	cfg := testConfig()
	cfg.SilentReceiver = true
	r := New(cfg, 1, nil, nil)
	fti := ftiFor(16, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))

	now := time.Now()
	r.checkActiveRepair(now, 0.05)
	later := r.repair.deadline.Add(time.Millisecond)
	_, ok := r.checkActiveRepair(later, 0.05)
	assert.False(t, ok)
}

func TestHandleCCUpdatesGrttAndConfirmsRTT(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)

	cc := pdu.CmdCC{
		CCSequence: 7,
		GrttQ:      pdu.QuantizeRTT(0.2),
		Nodes: []pdu.CmdCCNode{
			{NodeId: 2, CCFeedback: pdu.CCFeedback{Flags: ccFlagRTT}},
		},
	}
	r.HandleCC(time.Now(), cc)

	assert.InDelta(t, 0.2, r.grtt, 0.05)
	assert.True(t, r.cc.rttConfirmed)
	assert.Equal(t, uint8(7), r.cc.ccSequence)
}

func TestBuildCCFeedbackSlowStartReportsDoubleRate(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	r.cc.recvRate = 1000

	fb := r.buildCCFeedback(time.Now(), 512, 0.1)
	assert.NotZero(t, fb.Flags&ccFlagStart)
	assert.Equal(t, pdu.QuantizeRate(2000), fb.Rate)
}

func TestAllocateBlockStealsFromOldestWhenSilentReceiverFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeldBlocks = 1
	cfg.SilentReceiver = true
	r := New(cfg, 1, nil, nil)

	fti := ftiFor(64, 8, 4, 2)
	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(1, fti)))
	require.NoError(t, r.HandleData(time.Now(), dataPDU(1, 0, 0, "01234567", 0)))
	assert.Equal(t, 1, r.heldBlocks)

	require.NoError(t, r.HandleInfo(time.Now(), infoPDU(2, fti)))
	require.NoError(t, r.HandleData(time.Now(), dataPDU(2, 0, 0, "01234567", 0)))

	// The first object's block should have been stolen back to make
	// room, leaving its Repair bit set for re-request.
	first := r.objects[1]
	_, stillHeld := first.obj.Blocks[0]
	assert.False(t, stillHeld)
	assert.True(t, first.obj.Repair.Test(0))
	assert.Equal(t, 1, r.heldBlocks)
}

func TestCheckActivityTimeoutFiresOnce(t *testing.T) {
	r := New(testConfig(), 1, nil, nil)
	now := time.Now()
	r.touch(now)

	assert.False(t, r.CheckActivityTimeout(now.Add(time.Second), 2*time.Second))
	assert.True(t, r.CheckActivityTimeout(now.Add(3*time.Second), 2*time.Second))
}
