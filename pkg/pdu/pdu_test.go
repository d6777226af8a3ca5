package pdu

import (
	"testing"

	"github.com/go-norm/norm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: Version, Type: TypeData, HdrLen: 2, Sequence: 4242, SourceId: 7}
	buf := make([]byte, HeaderLen)
	n, err := h.Pack(buf)
	require.NoError(t, err)
	assert.Equal(t, HeaderLen, n)

	got, consumed, err := UnpackHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, HeaderLen, consumed)
	assert.Equal(t, h, got)
}

func TestHeaderUnknownType(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = (Version << 4) | 0x0F
	_, _, err := UnpackHeader(buf)
	assert.ErrorIs(t, err, norm.ErrUnknownPDUType)
}

func TestHeaderWrongVersion(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = (9 << 4) | uint8(TypeData)
	_, _, err := UnpackHeader(buf)
	assert.ErrorIs(t, err, norm.ErrMalformedPDU)
}

func TestDataRoundTrip(t *testing.T) {
	d := Data{
		Header:     Header{SourceId: 1, Sequence: 99},
		ObjectId:   42,
		FECPayload: FECPayloadID{BlockId: 7, SegmentId: 3},
		Flags:      DataFlagMsgStart | DataFlagBlockEnd,
		Payload:    []byte("hello, multicast"),
	}
	buf := make([]byte, 256)
	n, err := d.Pack(buf)
	require.NoError(t, err)

	hdr, consumed, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, TypeData, hdr.Type)

	got, err := UnpackData(hdr, buf[:n])
	require.NoError(t, err)
	assert.Equal(t, d.ObjectId, got.ObjectId)
	assert.Equal(t, d.FECPayload, got.FECPayload)
	assert.Equal(t, d.Flags, got.Flags)
	assert.Equal(t, d.Payload, got.Payload)
	_ = consumed
}

func TestDataWithExtensions(t *testing.T) {
	fti := FTI{
		ObjectSize:  norm.NewObjectSize(100000),
		SegmentSize: 1400,
		NumData:     16,
		NumParity:   4,
		FecId:       129,
	}
	d := Data{
		Header:     Header{SourceId: 5},
		ObjectId:   1,
		FECPayload: FECPayloadID{BlockId: 0, SegmentId: 0},
		Extensions: []Extension{fti},
		Payload:    []byte{1, 2, 3, 4},
	}
	buf := make([]byte, 256)
	n, err := d.Pack(buf)
	require.NoError(t, err)

	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackData(hdr, buf[:n])
	require.NoError(t, err)
	require.Len(t, got.Extensions, 1)
	gotFTI, ok := got.Extensions[0].(FTI)
	require.True(t, ok)
	assert.Equal(t, fti, gotFTI)
	assert.Equal(t, d.Payload, got.Payload)
}

func TestInfoRoundTrip(t *testing.T) {
	info := Info{
		Header:   Header{SourceId: 2},
		ObjectId: 9,
		Content:  []byte("report.pdf"),
	}
	buf := make([]byte, 256)
	n, err := info.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackInfo(hdr, buf[:n])
	require.NoError(t, err)
	assert.Equal(t, info.ObjectId, got.ObjectId)
	assert.Equal(t, info.Content, got.Content)
}

func TestCmdFlushRoundTrip(t *testing.T) {
	flush := CmdFlush{ObjectId: 3, FECPayload: FECPayloadID{BlockId: 11, SegmentId: 2}}
	cmd := Cmd{Header: Header{SourceId: 1}, Flavor: CmdFlavorFlush, Body: flush.Pack()}
	buf := make([]byte, 128)
	n, err := cmd.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackCmd(hdr, buf[:n])
	require.NoError(t, err)
	assert.Equal(t, CmdFlavorFlush, got.Flavor)
	parsed, err := UnpackCmdFlush(got.Body)
	require.NoError(t, err)
	assert.Equal(t, flush, parsed)
}

func TestCmdSquelchRoundTrip(t *testing.T) {
	sq := CmdSquelch{
		SenderCurrentObjectId: 20,
		FECPayload:            FECPayloadID{BlockId: 4, SegmentId: 0},
		Invalidated:           []norm.ObjectId{17, 18, 19},
	}
	cmd := Cmd{Header: Header{SourceId: 1}, Flavor: CmdFlavorSquelch, Body: sq.Pack()}
	buf := make([]byte, 128)
	n, err := cmd.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackCmd(hdr, buf[:n])
	require.NoError(t, err)
	parsed, err := UnpackCmdSquelch(got.Body)
	require.NoError(t, err)
	assert.Equal(t, sq, parsed)
}

func TestCmdCCRoundTrip(t *testing.T) {
	cc := CmdCC{
		CCSequence: 5,
		GrttQ:      QuantizeRTT(0.05),
		GroupSizeQ: QuantizeGroupSize(12),
		RateQ:      QuantizeRate(50000),
		Nodes: []CmdCCNode{
			{NodeId: 1, CCFeedback: CCFeedback{CCSequence: 5, RTT: QuantizeRTT(0.02), LossFraction: QuantizeLossFraction16(0.01), Rate: QuantizeRate(40000)}},
			{NodeId: 2, CCFeedback: CCFeedback{CCSequence: 5, RTT: QuantizeRTT(0.08), LossFraction: QuantizeLossFraction16(0.1), Rate: QuantizeRate(10000)}},
		},
	}
	cmd := Cmd{Header: Header{SourceId: 1}, Flavor: CmdFlavorCC, Body: cc.Pack()}
	buf := make([]byte, 256)
	n, err := cmd.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackCmd(hdr, buf[:n])
	require.NoError(t, err)
	parsed, err := UnpackCmdCC(got.Body)
	require.NoError(t, err)
	assert.Equal(t, cc, parsed)
}

func TestNackWithRepairRequests(t *testing.T) {
	r1 := RepairRequest{
		Form:  RepairItems,
		Flags: RepairFlagSegment,
		Items: []RepairItem{
			{ObjectId: 1, BlockId: 2, SegmentId: 3},
			{ObjectId: 1, BlockId: 2, SegmentId: 4},
		},
	}
	r2 := RepairRequest{
		Form:  RepairErasures,
		Flags: RepairFlagBlock,
		Items: []RepairItem{
			{ObjectId: 1, BlockId: 5, EraseCount: 2},
		},
	}
	content := make([]byte, r1.Len()+r2.Len())
	n1, err := r1.Pack(content)
	require.NoError(t, err)
	_, err = r2.Pack(content[n1:])
	require.NoError(t, err)

	nack := Nack{
		Header:     Header{SourceId: 9},
		ServerId:   1,
		InstanceId: 4,
		Content:    content,
	}
	buf := make([]byte, 256)
	n, err := nack.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackNack(hdr, buf[:n])
	require.NoError(t, err)

	it := NewRepairRequestIterator(got.Content, len(got.Content))
	var reqs []RepairRequest
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		reqs = append(reqs, r)
	}
	require.NoError(t, it.Err())
	require.Len(t, reqs, 2)
	assert.Equal(t, r1, reqs[0])
	assert.Equal(t, r2, reqs[1])
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{Header: Header{SourceId: 3}, ServerId: 1, Flavor: AckFlush, Content: []byte{0xAA}}
	buf := make([]byte, 64)
	n, err := a.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackAck(hdr, buf[:n])
	require.NoError(t, err)
	assert.Equal(t, a.ServerId, got.ServerId)
	assert.Equal(t, a.Flavor, got.Flavor)
	assert.Equal(t, a.Content, got.Content)
}

func TestReportRoundTrip(t *testing.T) {
	var stats norm.Stats
	stats.IncTxPDU()
	stats.IncTxPDU()
	stats.IncNack()
	r := Report{Header: Header{SourceId: 4}, Stats: stats}
	buf := make([]byte, 128)
	n, err := r.Pack(buf)
	require.NoError(t, err)
	hdr, _, err := UnpackHeader(buf[:n])
	require.NoError(t, err)
	got, err := UnpackReport(hdr, buf[:n])
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Stats.TxPDUCount)
	assert.EqualValues(t, 1, got.Stats.NackCount)
}

func TestQuantizeRTTMonotonic(t *testing.T) {
	prev := uint8(0)
	for _, rtt := range []float64{0.001, 0.01, 0.1, 0.5, 0.99, 1.5, 4.0, 16.0} {
		q := QuantizeRTT(rtt)
		assert.GreaterOrEqual(t, q, prev, "rtt=%v", rtt)
		prev = q
	}
}

func TestQuantizeRateRoundTripApprox(t *testing.T) {
	for _, rate := range []float64{0, 8, 100, 5000, 1000000} {
		q := QuantizeRate(rate)
		back := UnquantizeRate(q)
		if rate == 0 {
			assert.Zero(t, back)
			continue
		}
		assert.LessOrEqual(t, back, rate*1.01+1)
	}
}

func TestQuantizeLossFraction16(t *testing.T) {
	assert.EqualValues(t, 0, QuantizeLossFraction16(0))
	assert.EqualValues(t, 0xFFFF, QuantizeLossFraction16(1))
	q := QuantizeLossFraction16(0.5)
	assert.InDelta(t, 0.5, UnquantizeLossFraction16(q), 0.001)
}

func TestQuantizeGroupSize(t *testing.T) {
	assert.EqualValues(t, 0, QuantizeGroupSize(1))
	q := QuantizeGroupSize(100)
	assert.GreaterOrEqual(t, UnquantizeGroupSize(q), 100)
}
